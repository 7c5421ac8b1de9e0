package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionIssuer        = "ilai-origin"
	testSessionUserID        = "user-123"
	testSessionUserEmail     = "user@example.com"
)

var testClockNow = time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)

func mustValidator(t *testing.T) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		Clock: func() time.Time {
			return testClockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func mustSign(t *testing.T, claims SessionClaims, secret string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims(userID string) SessionClaims {
	return SessionClaims{
		UserID:    userID,
		UserEmail: testSessionUserEmail,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testSessionIssuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(testClockNow.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(testClockNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(testClockNow.Add(time.Hour)),
		},
	}
}

func TestSessionValidatorValidateToken(t *testing.T) {
	validator := mustValidator(t)

	claims, err := validator.ValidateToken(mustSign(t, validClaims(testSessionUserID), testSessionSigningSecret))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
}

func TestSessionValidatorRejectsBadTokens(t *testing.T) {
	validator := mustValidator(t)

	expired := validClaims(testSessionUserID)
	expired.ExpiresAt = jwt.NewNumericDate(testClockNow.Add(-time.Hour))
	foreignIssuer := validClaims(testSessionUserID)
	foreignIssuer.Issuer = "someone-else"
	anonymous := validClaims("")
	anonymous.Subject = ""

	testCases := []struct {
		name  string
		token string
		want  error
	}{
		{name: "empty", token: "  ", want: ErrMissingSessionToken},
		{name: "expired", token: mustSign(t, expired, testSessionSigningSecret), want: ErrExpiredSessionToken},
		{name: "wrong secret", token: mustSign(t, validClaims(testSessionUserID), "other"), want: ErrInvalidSessionToken},
		{name: "wrong issuer", token: mustSign(t, foreignIssuer, testSessionSigningSecret), want: ErrInvalidSessionToken},
		{name: "no subject", token: mustSign(t, anonymous, testSessionSigningSecret), want: ErrMissingSessionSubject},
		{name: "garbage", token: "not-a-jwt", want: ErrInvalidSessionToken},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := validator.ValidateToken(testCase.token)
			if !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestSessionValidatorValidateRequestSources(t *testing.T) {
	validator := mustValidator(t)
	signed := mustSign(t, validClaims(testSessionUserID), testSessionSigningSecret)

	testCases := []struct {
		name    string
		prepare func(*http.Request)
		target  string
	}{
		{
			name: "bearer header",
			prepare: func(request *http.Request) {
				request.Header.Set("Authorization", "Bearer "+signed)
			},
			target: "/session",
		},
		{
			name: "cookie",
			prepare: func(request *http.Request) {
				request.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: signed})
			},
			target: "/session",
		},
		{
			name:    "query parameter",
			prepare: func(*http.Request) {},
			target:  "/notes/n1/sync?" + DefaultQueryParam + "=" + signed,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, testCase.target, http.NoBody)
			testCase.prepare(request)
			claims, err := validator.ValidateRequest(request)
			if err != nil {
				t.Fatalf("validation failed: %v", err)
			}
			if CanonicalUserID(claims) != testSessionUserID {
				t.Fatalf("unexpected user id: %s", CanonicalUserID(claims))
			}
		})
	}

	request := httptest.NewRequest(http.MethodGet, "/session", http.NoBody)
	if _, err := validator.ValidateRequest(request); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestCanonicalUserID(t *testing.T) {
	testCases := []struct {
		name   string
		claims SessionClaims
		want   string
	}{
		{name: "plain id", claims: SessionClaims{UserID: "user-1"}, want: "user-1"},
		{name: "provider prefixed", claims: SessionClaims{UserID: "google:10987"}, want: "10987"},
		{name: "dangling prefix", claims: SessionClaims{UserID: "google:"}, want: "google:"},
		{name: "subject fallback", claims: SessionClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: " sub-9 "}}, want: "sub-9"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := CanonicalUserID(testCase.claims); got != testCase.want {
				t.Fatalf("expected %q, got %q", testCase.want, got)
			}
		})
	}
}

func TestNewSessionValidatorRequiresSecretAndIssuer(t *testing.T) {
	if _, err := NewSessionValidator(SessionValidatorConfig{Issuer: testSessionIssuer}); !errors.Is(err, ErrMissingSessionSigningKey) {
		t.Fatalf("expected missing key error, got %v", err)
	}
	if _, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte("x")}); !errors.Is(err, ErrMissingSessionIssuer) {
		t.Fatalf("expected missing issuer error, got %v", err)
	}
}
