package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errSample = Conflict("insufficient_quantity", "not enough left")

func TestWrapStillMatchesSentinel(t *testing.T) {
	wrapped := fmt.Errorf("accept offer: %w", errSample.Wrap(errors.New("version 3")))

	assert.ErrorIs(t, wrapped, errSample)
	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.Equal(t, "insufficient_quantity", CodeOf(wrapped))
	assert.Contains(t, wrapped.Error(), "version 3")
}

func TestDifferentCodesDoNotMatch(t *testing.T) {
	other := Conflict("offer_expired", "expired")
	assert.False(t, errors.Is(other, errSample))
}

func TestUnclassifiedErrorsAreInternal(t *testing.T) {
	err := errors.New("disk on fire")

	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, "internal_error", CodeOf(err))
	assert.Equal(t, "internal error", MessageOf(err))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Validation("bad", "bad"), http.StatusBadRequest},
		{Integrity("sig", "sig"), http.StatusBadRequest},
		{NotFound("nf", "nf"), http.StatusNotFound},
		{Conflict("c", "c"), http.StatusConflict},
		{Policy("p", "p"), http.StatusUnprocessableEntity},
		{Provider("down", "down"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(CodeOf(tt.err), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestWithMessageKeepsIdentity(t *testing.T) {
	specific := errSample.WithMessage("only 300kg left")
	assert.ErrorIs(t, specific, errSample)
	assert.Equal(t, "only 300kg left", MessageOf(specific))
}
