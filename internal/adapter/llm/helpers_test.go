package llm

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"chatrelay/internal/domain"
)

func TestMapHTTPError(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, domain.ErrRateLimit},
		{http.StatusUnauthorized, domain.ErrAuthInvalid},
		{http.StatusForbidden, domain.ErrAuthInvalid},
		{http.StatusRequestEntityTooLarge, domain.ErrContextOverflow},
		{http.StatusInternalServerError, domain.ErrProviderError},
		{http.StatusBadGateway, domain.ErrProviderError},
		{http.StatusGatewayTimeout, domain.ErrTimeout},
		{http.StatusRequestTimeout, domain.ErrTimeout},
		{http.StatusBadRequest, domain.ErrInvalidInput},
	}
	for _, tt := range tests {
		err := mapHTTPError(tt.status, []byte("oops"))
		if !errors.Is(err, tt.want) {
			t.Errorf("mapHTTPError(%d) = %v, want %v", tt.status, err, tt.want)
		}
	}
}

func TestMapHTTPErrorExtractsAPIMessage(t *testing.T) {
	body := []byte(`{"error":{"message":"You exceeded your current quota","type":"insufficient_quota"}}`)
	err := mapHTTPError(http.StatusTooManyRequests, body)
	if !strings.Contains(err.Error(), "You exceeded your current quota") {
		t.Errorf("error = %q, want API message", err.Error())
	}
	if strings.Contains(err.Error(), "insufficient_quota") {
		t.Errorf("error should carry the message, not the raw envelope: %q", err.Error())
	}
}

func TestMapHTTPErrorRawBody(t *testing.T) {
	err := mapHTTPError(http.StatusBadGateway, []byte("  upstream down \n"))
	if !strings.HasSuffix(err.Error(), "API error 502: upstream down") {
		t.Errorf("error = %q", err.Error())
	}
}
