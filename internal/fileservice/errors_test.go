package fileservice

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_IsMatchesCode(t *testing.T) {
	err := Errorf(CodeNotFound, "transfer %s", "abc").WithTransfer("abc")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrOwnershipMismatch))

	wrapped := fmt.Errorf("outer: %w", err)
	assert.True(t, errors.Is(wrapped, ErrNotFound))
}

func TestError_MessageFallsBackToPublicText(t *testing.T) {
	err := &Error{Code: CodePermissionDenied, Path: "/root"}
	assert.Equal(t, "permission-denied: Permission denied (path /root)", err.Error())
}

func TestAsError_WrapsUnknownErrors(t *testing.T) {
	cause := errors.New("boom")
	fe := AsError(cause)
	require.NotNil(t, fe)
	assert.Equal(t, CodeTransferFailed, fe.Code)
	assert.ErrorIs(t, fe, cause)

	assert.Nil(t, AsError(nil))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestPublicMessage_UnknownCode(t *testing.T) {
	assert.Equal(t, "Transfer failed", PublicMessage(Code("mystery")))
	assert.Equal(t, "Not found", PublicMessage(CodeNotFound))
}

func TestResolvePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "/home/user"},
		{"~", "/home/user"},
		{"~/docs", "/home/user/docs"},
		{"docs/../tmp", "/home/user/tmp"},
		{"/etc//ssh/", "/etc/ssh"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ResolvePath("/home/user", tt.in), "input %q", tt.in)
	}
	assert.True(t, NeedsHome("~/x"))
	assert.True(t, NeedsHome("docs"))
	assert.False(t, NeedsHome("/x"))
}

func TestNewProgress(t *testing.T) {
	p := NewProgress("t1", DirectionUpload, 50, 200)
	assert.Equal(t, 25, p.Percent)
	assert.Equal(t, 100, NewProgress("t2", DirectionDownload, 0, 0).Percent)
}

func TestMimeType(t *testing.T) {
	assert.Equal(t, "application/octet-stream", MimeType("noext"))
	assert.Equal(t, "application/octet-stream", MimeType("blob.zzzunknown"))
	assert.Contains(t, MimeType("report.PDF"), "application/pdf")
}
