package app

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestBearerAuthAcceptsValidToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("operator-token"), bcrypt.MinCost)
	require.NoError(t, err)

	handler := BearerAuth(string(hash), slog.New(slog.DiscardHandler))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/bills", nil)
	req.Header.Set("Authorization", "Bearer operator-token")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNoContent, rr.Code)
}

func TestBearerAuthRejectsBadToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("operator-token"), bcrypt.MinCost)
	require.NoError(t, err)

	handler := BearerAuth(string(hash), slog.New(slog.DiscardHandler))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	for _, header := range []string{"", "Bearer wrong", "Basic operator-token"} {
		req := httptest.NewRequest(http.MethodGet, "/api/bills", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		require.Equal(t, http.StatusUnauthorized, rr.Code)
	}
}

func TestBearerAuthDisabledWithoutHash(t *testing.T) {
	handler := BearerAuth("", slog.New(slog.DiscardHandler))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/bills", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNoContent, rr.Code)
}
