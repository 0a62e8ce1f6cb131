package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	testKey    = "test-signing-key"
	testIssuer = "classattend-test"
)

func TestMintParse_RoundTrip(t *testing.T) {
	tok, exp, err := Mint("alice", RoleStudent, testIssuer, testKey, time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatal("expiry should be in the future")
	}
	claims, err := Parse(tok, testKey, testIssuer)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "alice" || claims.Role != RoleStudent {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestParse_Rejects(t *testing.T) {
	good, _, _ := Mint("alice", RoleStudent, testIssuer, testKey, time.Minute)
	expired, _, _ := Mint("alice", RoleStudent, testIssuer, testKey, -time.Minute)
	otherIssuer, _, _ := Mint("alice", RoleStudent, "someone-else", testKey, time.Minute)

	tests := []struct {
		name string
		tok  string
		key  string
	}{
		{name: "wrong key", tok: good, key: "other-key"},
		{name: "expired", tok: expired, key: testKey},
		{name: "issuer mismatch", tok: otherIssuer, key: testKey},
		{name: "garbage", tok: "not.a.jwt", key: testKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.tok, tt.key, testIssuer); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestMint_UnknownRole(t *testing.T) {
	if _, _, err := Mint("alice", "janitor", testIssuer, testKey, time.Minute); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestMiddleware_RoleGating(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/teach", Authenticate(testKey, testIssuer), RequireRole(RoleAdmin, RoleInstructor), func(c *gin.Context) {
		claims, _ := ClaimsFrom(c)
		c.String(http.StatusOK, claims.Subject)
	})

	student, _, _ := Mint("alice", RoleStudent, testIssuer, testKey, time.Minute)
	instructor, _, _ := Mint("prof", RoleInstructor, testIssuer, testKey, time.Minute)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "no header", header: "", want: http.StatusUnauthorized},
		{name: "bad token", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "student", header: "Bearer " + student, want: http.StatusForbidden},
		{name: "instructor", header: "bearer " + instructor, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/teach", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusOK && rec.Body.String() != "prof" {
				t.Fatalf("body = %q", rec.Body.String())
			}
		})
	}
}
