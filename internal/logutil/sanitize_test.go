package logutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeForLog(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"plain/path.txt", "plain/path.txt"},
		{"evil\nINFO fake entry", "evil INFO fake entry"},
		{"a\r\nb\tc", "a  b c"},
		{"bell\x07null\x00del\x7f", "bellnulldel"},
		{"päth ünïcode", "päth ünïcode"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SanitizeForLog(tc.in))
	}
}

func TestSanitizeForLog_Truncates(t *testing.T) {
	exact := strings.Repeat("a", maxLogField)
	assert.Equal(t, exact, SanitizeForLog(exact))

	long := strings.Repeat("b", maxLogField*2)
	got := SanitizeForLog(long)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.Len(t, got, maxLogField+3)
}
