package handlers

import (
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/gluk-w/claworc/sftp-gateway/internal/fileservice"
)

// Limits bounds what a client may ask for.
type Limits struct {
	MaxUploadSize int64
	MaxChunkSize  int
}

var requestValidator = newRequestValidator()

// newRequestValidator reports fields by their JSON names and adds the rules
// the built-in tags do not cover: byte (not rune) length, NUL bytes, the
// "." and ".." names, and the filesystem root.
func newRequestValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	rules := map[string]validator.Func{
		"maxbytes": func(fl validator.FieldLevel) bool {
			n, err := strconv.Atoi(fl.Param())
			return err == nil && len(fl.Field().String()) <= n
		},
		"nonul": func(fl validator.FieldLevel) bool {
			return !strings.ContainsRune(fl.Field().String(), 0)
		},
		"notdots": func(fl validator.FieldLevel) bool {
			s := fl.Field().String()
			return s != "." && s != ".."
		},
		"notroot": func(fl validator.FieldLevel) bool {
			return path.Clean(fl.Field().String()) != "/"
		},
	}
	for tag, fn := range rules {
		if err := v.RegisterValidation(tag, fn); err != nil {
			panic(fmt.Sprintf("register %s: %v", tag, err))
		}
	}
	return v
}

func invalid(format string, args ...any) *fileservice.Error {
	return fileservice.Errorf(fileservice.CodeInvalidRequest, format, args...)
}

// check runs the struct tags of req and reports the first violation.
func check(req any) *fileservice.Error {
	err := requestValidator.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Param() != "" {
			return invalid("%s fails %s=%s", fe.Field(), fe.Tag(), fe.Param())
		}
		return invalid("%s fails %s", fe.Field(), fe.Tag())
	}
	return fileservice.Wrap(fileservice.CodeInvalidRequest, err, "")
}

func (r *listRequest) validate() *fileservice.Error { return check(r) }

func (r *pathRequest) validate() *fileservice.Error { return check(r) }

func (r *mkdirRequest) validate() *fileservice.Error { return check(r) }

func (r *deleteRequest) validate() *fileservice.Error { return check(r) }

func (r *transferRequest) validate() *fileservice.Error { return check(r) }

func (r *downloadStartRequest) validate() *fileservice.Error { return check(r) }

func (r *uploadStartRequest) validate(lim Limits) *fileservice.Error {
	if err := check(r); err != nil {
		return err
	}
	if lim.MaxUploadSize > 0 && r.FileSize > lim.MaxUploadSize {
		return invalid("fileSize %d exceeds maximum %d", r.FileSize, lim.MaxUploadSize)
	}
	return nil
}

// decode validates the chunk and returns its payload.
func (r *uploadChunkRequest) decode(lim Limits) ([]byte, *fileservice.Error) {
	if err := check(r); err != nil {
		return nil, err
	}
	if lim.MaxChunkSize > 0 && base64.StdEncoding.DecodedLen(len(r.Data)) > lim.MaxChunkSize+2 {
		return nil, invalid("chunk exceeds %d bytes", lim.MaxChunkSize)
	}
	data, err := base64.StdEncoding.DecodeString(r.Data)
	if err != nil {
		return nil, fileservice.Wrap(fileservice.CodeInvalidRequest, fmt.Errorf("chunk data: %w", err), "")
	}
	if lim.MaxChunkSize > 0 && len(data) > lim.MaxChunkSize {
		return nil, invalid("chunk exceeds %d bytes", lim.MaxChunkSize)
	}
	return data, nil
}
