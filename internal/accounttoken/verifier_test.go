package accounttoken

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

type jwksServer struct {
	mu     sync.Mutex
	keys   map[string]*rsa.PrivateKey
	active string
	hits   int
}

func newJWKSServer(t *testing.T) (*jwksServer, *httptest.Server) {
	t.Helper()
	s := &jwksServer{keys: map[string]*rsa.PrivateKey{}}
	for _, kid := range []string{"kid-1", "kid-2"} {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generate %s: %v", kid, err)
		}
		s.keys[kid] = key
	}
	s.active = "kid-1"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.hits++
		w.Header().Set("Cache-Control", "public, max-age=300")
		resp := map[string]any{"keys": []map[string]string{toJWK(s.active, s.keys[s.active].PublicKey)}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *jwksServer) rotate(kid string) {
	s.mu.Lock()
	s.active = kid
	s.mu.Unlock()
}

func (s *jwksServer) sign(t *testing.T, kid string, claims accountClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(s.keys[kid])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func validClaims(subject, name string) accountClaims {
	now := time.Now()
	return accountClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "issuer-a",
			Audience:  jwt.ClaimStrings{"aud-a"},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Second)),
		},
	}
}

func TestNewVerifierRequiresJWKSURL(t *testing.T) {
	if _, err := NewVerifier(Config{}); err == nil {
		t.Fatalf("expected missing jwks url to fail")
	}
}

func TestVerifyAccountAndRefreshOnUnknownKid(t *testing.T) {
	keys, srv := newJWKSServer(t)
	v, err := NewVerifier(Config{JWKSURL: srv.URL, Issuer: "issuer-a", Audience: "aud-a"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	ctx := context.Background()

	acct, err := v.VerifyAccount(ctx, keys.sign(t, "kid-1", validClaims("user-a", "Ada")))
	if err != nil || acct.ID != "user-a" || acct.DisplayName != "Ada" {
		t.Fatalf("verify kid-1: %+v err=%v", acct, err)
	}

	keys.rotate("kid-2")
	v.lastRefresh = time.Time{}
	claims := validClaims("user-b", "")
	claims.PreferredUsername = "berean"
	acct, err = v.VerifyAccount(ctx, keys.sign(t, "kid-2", claims))
	if err != nil || acct.ID != "user-b" || acct.DisplayName != "berean" {
		t.Fatalf("verify kid-2: %+v err=%v", acct, err)
	}
}

func TestVerifyAccountThrottlesRefresh(t *testing.T) {
	keys, srv := newJWKSServer(t)
	v, err := NewVerifier(Config{JWKSURL: srv.URL, Issuer: "issuer-a", Audience: "aud-a"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	ctx := context.Background()
	if _, err := v.VerifyAccount(ctx, keys.sign(t, "kid-1", validClaims("u", ""))); err != nil {
		t.Fatalf("warm up: %v", err)
	}
	for range 3 {
		if _, err := v.VerifyAccount(ctx, keys.sign(t, "kid-2", validClaims("u", ""))); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("unknown kid err = %v", err)
		}
	}
	keys.mu.Lock()
	hits := keys.hits
	keys.mu.Unlock()
	if hits != 1 {
		t.Fatalf("jwks fetched %d times, want 1", hits)
	}
}

func TestVerifyAccountRejects(t *testing.T) {
	keys, srv := newJWKSServer(t)
	v, err := NewVerifier(Config{JWKSURL: srv.URL, Issuer: "issuer-a", Audience: "aud-a", Leeway: 5 * time.Second})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	future := validClaims("user-1", "")
	future.IssuedAt = jwt.NewNumericDate(time.Now().Add(2 * time.Minute))
	wrongAud := validClaims("user-1", "")
	wrongAud.Audience = jwt.ClaimStrings{"other"}
	noSubject := validClaims("", "")

	for name, token := range map[string]string{
		"empty":          "",
		"future iat":     keys.sign(t, "kid-1", future),
		"wrong audience": keys.sign(t, "kid-1", wrongAud),
		"no subject":     keys.sign(t, "kid-1", noSubject),
	} {
		if _, err := v.VerifyAccount(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: err = %v, want ErrInvalidToken", name, err)
		}
	}
}

func TestParseCacheMaxAge(t *testing.T) {
	if got := parseCacheMaxAge("public, max-age=60"); got != time.Minute {
		t.Fatalf("max-age = %s", got)
	}
	if got := parseCacheMaxAge("no-store"); got != 0 {
		t.Fatalf("no max-age = %s", got)
	}
}

func toJWK(kid string, key rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"kid": kid,
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}
