package errors

import (
	"errors"
	"net/http"
	"testing"
)

func TestNotFound(t *testing.T) {
	err := NotFound("session", "abc")
	if err.Code != ErrCodeNotFound {
		t.Errorf("Code = %s, want %s", err.Code, ErrCodeNotFound)
	}
	if err.HTTPStatus != http.StatusNotFound {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusNotFound)
	}
	if !IsNotFound(err) {
		t.Error("IsNotFound returned false for a not found error")
	}
	if IsNotFound(errors.New("plain")) {
		t.Error("IsNotFound returned true for a plain error")
	}
}

func TestWrapPreservesAppErrorCode(t *testing.T) {
	inner := Conflict("run already active")
	wrapped := Wrap(inner, "start run")
	if wrapped.Code != ErrCodeConflict {
		t.Errorf("Code = %s, want %s", wrapped.Code, ErrCodeConflict)
	}
	if wrapped.HTTPStatus != http.StatusConflict {
		t.Errorf("HTTPStatus = %d, want %d", wrapped.HTTPStatus, http.StatusConflict)
	}
	if !errors.Is(wrapped, inner) {
		t.Error("wrapped error does not unwrap to the original")
	}
}

func TestWrapPlainError(t *testing.T) {
	wrapped := Wrap(errors.New("disk full"), "persist event")
	if wrapped.Code != ErrCodeInternalError {
		t.Errorf("Code = %s, want %s", wrapped.Code, ErrCodeInternalError)
	}
	if wrapped.HTTPStatus != http.StatusInternalServerError {
		t.Errorf("HTTPStatus = %d, want %d", wrapped.HTTPStatus, http.StatusInternalServerError)
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "nothing") != nil {
		t.Error("Wrap(nil) should return nil")
	}
}
