package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{BadRequest, http.StatusBadRequest},
		{Unauthorized, http.StatusUnauthorized},
		{NotFound, http.StatusNotFound},
		{RateLimited, http.StatusTooManyRequests},
		{InvalidSignature, http.StatusBadRequest},
		{ServerMisconfigured, http.StatusInternalServerError},
		{Upstream, http.StatusInternalServerError},
		{Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := tt.kind.Status(); got != tt.want {
			t.Errorf("%s.Status() = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestKindOfWrapped(t *testing.T) {
	base := Wrap(Upstream, "Failed to check access", errors.New("dial tcp: timeout"))
	err := fmt.Errorf("check access: %w", base)

	if got := KindOf(err); got != Upstream {
		t.Errorf("KindOf = %s, want %s", got, Upstream)
	}
	if got := Message(err); got != "Failed to check access" {
		t.Errorf("Message = %q", got)
	}
	if !Is(err, Upstream) {
		t.Error("expected Is(err, Upstream)")
	}
}

func TestKindOfPlainError(t *testing.T) {
	err := errors.New("boom")
	if got := KindOf(err); got != Internal {
		t.Errorf("KindOf = %s, want %s", got, Internal)
	}
	if got := Message(err); got != "Internal server error" {
		t.Errorf("Message = %q", got)
	}
}
