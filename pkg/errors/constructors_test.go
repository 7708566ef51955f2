package errors

import (
	"errors"
	"testing"
)

func TestNewf(t *testing.T) {
	err := Newf(CodeUnknownSigningKey, "signing key %q not found", "k1")
	if err.Code != CodeUnknownSigningKey {
		t.Errorf("Code = %v", err.Code)
	}
	if err.Message != `signing key "k1" not found` {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestWrap_Nil(t *testing.T) {
	if Wrap(nil, CodeInternal, "x") != nil {
		t.Error("Wrap(nil) should return nil")
	}
	if Wrapf(nil, CodeInternal, "x %d", 1) != nil {
		t.Error("Wrapf(nil) should return nil")
	}
}

func TestWrapf(t *testing.T) {
	cause := errors.New("eof")
	err := Wrapf(cause, CodeDownstreamDecode, "decode %s", "accounts")
	if err.Message != "decode accounts" || err.Cause != cause {
		t.Errorf("Wrapf = %+v", err)
	}
}

func TestShortcutConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want Code
	}{
		{"Validation", Validation("x"), CodeValidation},
		{"Validationf", Validationf("x %d", 1), CodeValidation},
		{"Unauthorized", Unauthorized("x"), CodeAuthentication},
		{"Internal", Internal("x"), CodeInternal},
		{"Unavailable", Unavailable("x"), CodeUnavailable},
		{"Timeout", Timeout("x"), CodeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.want {
				t.Errorf("Code = %v, want %v", tt.err.Code, tt.want)
			}
		})
	}
}

func TestFromError(t *testing.T) {
	if FromError(nil) != nil {
		t.Error("FromError(nil) should return nil")
	}

	original := New(CodeTokenExpired, "expired")
	if got := FromError(original); got != original {
		t.Error("FromError should return an existing *Error unchanged")
	}

	joined := errors.Join(errors.New("context"), original)
	if got := FromError(joined); got != original {
		t.Error("FromError should find an *Error in the chain")
	}

	std := errors.New("plain")
	got := FromError(std)
	if got.Code != CodeInternal || !errors.Is(got, std) {
		t.Errorf("FromError(plain) = %+v", got)
	}
}
