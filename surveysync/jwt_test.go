package surveysync

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mobiletoly/go-fieldsync/internal/auth"
)

func TestJWTAuth_GenerateToken(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	token, err := jwtAuth.GenerateToken("surveyor-123", "tablet-456", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	claims, err := jwtAuth.ValidateToken(token)
	if err != nil {
		t.Fatalf("Failed to validate generated token: %v", err)
	}
	if claims.Subject != "surveyor-123" {
		t.Errorf("Expected surveyor surveyor-123, got %s", claims.Subject)
	}
	if claims.DeviceID != "tablet-456" {
		t.Errorf("Expected device tablet-456, got %s", claims.DeviceID)
	}
	if claims.Issuer != tokenIssuer {
		t.Errorf("Expected issuer %s, got %s", tokenIssuer, claims.Issuer)
	}
	if diff := claims.ExpiresAt.Time.Sub(time.Now().Add(time.Hour)).Abs(); diff > time.Second {
		t.Errorf("Token expiry differs by %v", diff)
	}
}

func TestJWTAuth_ValidateToken_Rejects(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	expired, _ := jwtAuth.GenerateToken("surveyor", "tablet", -time.Minute)
	otherSecret, _ := NewJWTAuth("other-secret").GenerateToken("surveyor", "tablet", time.Hour)
	noDevice, _ := jwtAuth.GenerateToken("surveyor", "", time.Hour)

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, &JWTClaims{
		DeviceID: "tablet",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "surveyor",
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	foreignIssuer, _ := foreign.SignedString([]byte("test-secret"))

	cases := map[string]string{
		"expired":        expired,
		"wrong secret":   otherSecret,
		"missing device": noDevice,
		"foreign issuer": foreignIssuer,
		"garbage":        "not-a-token",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := jwtAuth.ValidateToken(token); err == nil {
				t.Fatal("Expected validation to fail")
			}
		})
	}
}

func TestJWTAuth_RequestIdentity(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, _ := jwtAuth.GenerateToken("surveyor-1", "tablet-1", time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/records/surveys", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	surveyor, err := jwtAuth.GetSurveyorID(req)
	if err != nil || surveyor != "surveyor-1" {
		t.Fatalf("GetSurveyorID = %q, %v", surveyor, err)
	}
	device, err := jwtAuth.GetDeviceID(req)
	if err != nil || device != "tablet-1" {
		t.Fatalf("GetDeviceID = %q, %v", device, err)
	}

	bare := httptest.NewRequest(http.MethodGet, "/records/surveys", nil)
	if _, err := jwtAuth.GetSurveyorID(bare); err == nil {
		t.Fatal("Expected missing header to fail")
	}
	bare.Header.Set("Authorization", token)
	if _, err := jwtAuth.GetDeviceID(bare); err == nil {
		t.Fatal("Expected non-bearer header to fail")
	}
}

func TestJWTAuth_Middleware(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, _ := jwtAuth.GenerateToken("surveyor-1", "tablet-1", time.Hour)

	var seenSurveyor, seenDevice string
	handler := jwtAuth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenSurveyor, _ = auth.GetSurveyorID(r.Context())
		seenDevice, _ = auth.GetDeviceID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/records/surveys", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", rec.Code)
	}
	if seenSurveyor != "surveyor-1" || seenDevice != "tablet-1" {
		t.Errorf("Unexpected identity in context: %q/%q", seenSurveyor, seenDevice)
	}

	req = httptest.NewRequest(http.MethodGet, "/records/surveys", nil)
	req.Header.Set("Authorization", "Bearer broken")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", rec.Code)
	}
}
