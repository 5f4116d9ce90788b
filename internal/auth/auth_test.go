package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func fixedService(at time.Time) *Service {
	svc := NewService("test-secret", "autopublisher", time.Hour)
	svc.now = func() time.Time { return at }
	return svc
}

func TestIssueAndVerify(t *testing.T) {
	t.Parallel()

	svc := fixedService(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	token, err := svc.Issue("owner-1")
	require.NoError(t, err)

	claims, err := svc.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "owner-1", claims.Owner())
	require.Equal(t, "autopublisher", claims.Issuer)
}

func TestVerifyRejects(t *testing.T) {
	t.Parallel()

	issued := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc := fixedService(issued)
	token, err := svc.Issue("owner-1")
	require.NoError(t, err)

	t.Run("expired", func(t *testing.T) {
		t.Parallel()
		later := fixedService(issued.Add(2 * time.Hour))
		_, err := later.Verify(token)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		t.Parallel()
		other := NewService("other-secret", "autopublisher", time.Hour)
		other.now = func() time.Time { return issued }
		_, err := other.Verify(token)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		t.Parallel()
		other := NewService("test-secret", "someone-else", time.Hour)
		other.now = func() time.Time { return issued }
		_, err := other.Verify(token)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("none algorithm", func(t *testing.T) {
		t.Parallel()
		unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "owner-1"})
		raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = svc.Verify(raw)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		_, err := svc.Verify("")
		require.ErrorIs(t, err, ErrMissingToken)
	})
}

func TestIssueRequiresOwner(t *testing.T) {
	t.Parallel()

	_, err := NewService("s", "", 0).Issue("  ")
	require.Error(t, err)
}

func ownerEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, _ := OwnerFrom(r.Context())
		_, _ = w.Write([]byte(owner))
	})
}

func writeStatus(w http.ResponseWriter, status int, msg string) {
	http.Error(w, msg, status)
}

func TestMiddlewareWithTokens(t *testing.T) {
	t.Parallel()

	svc := NewService("test-secret", "autopublisher", time.Hour)
	token, err := svc.Issue("owner-7")
	require.NoError(t, err)
	handler := Middleware(svc, writeStatus)(ownerEcho())

	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "owner-7", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.Header.Set(OwnerHeader, "spoofed")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareDisabledUsesHeader(t *testing.T) {
	t.Parallel()

	handler := Middleware(nil, writeStatus)(ownerEcho())

	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.Header.Set(OwnerHeader, "owner-2")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, "owner-2", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, DefaultOwner, rec.Body.String())
}
