package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindNotFound, http.StatusNotFound},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindConflict, http.StatusConflict},
		{KindUnavailable, http.StatusServiceUnavailable},
		{KindUpstream, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.HTTPStatus())
		})
	}
}

func TestKindOf_WrappedChain(t *testing.T) {
	base := NotFound("key %s not found", "abc")
	wrapped := fmt.Errorf("lookup: %w", base)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindNotFound))
	assert.False(t, Is(wrapped, KindForbidden))
	assert.Equal(t, KindUpstream, KindOf(errors.New("plain")))
}

func TestPublicMessage_HidesUpstreamDetails(t *testing.T) {
	err := Upstream(errors.New("dial tcp 10.0.0.5:6379: connection refused"), "entitlement lookup failed")
	assert.Equal(t, "Internal Server Error", PublicMessage(err))
	assert.Contains(t, err.Error(), "connection refused")

	assert.Equal(t, "totalSegments must be positive", PublicMessage(Validation("totalSegments must be positive")))
}
