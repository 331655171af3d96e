package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/chris/termgate/errkind"
	"github.com/chris/termgate/jwks"
)

const testIssuer = "https://idp.example.com/"

func newTestIssuerServer(t *testing.T, kid string) (*httptest.Server, *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating rsa key: %v", err)
	}
	key, err := jwk.FromRaw(&priv.PublicKey)
	if err != nil {
		t.Fatalf("jwk.FromRaw: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		t.Fatalf("setting kid: %v", err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		t.Fatalf("adding key: %v", err)
	}
	body, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	return srv, priv
}

func signToken(t *testing.T, priv *rsa.PrivateKey, kid string, claims jwt.RegisteredClaims, groups []string) string {
	t.Helper()
	c := Claims{RegisteredClaims: claims, Groups: groups}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return s
}

func newVerifier(t *testing.T, srv *httptest.Server, leeway time.Duration) *Verifier {
	t.Helper()
	cache := jwks.New(jwks.Config{
		Issuers: []jwks.Issuer{{Name: "idp", JWKSURL: srv.URL, IssuerValue: testIssuer}},
	})
	t.Cleanup(cache.Shutdown)
	return New(Config{
		JWKS:    cache,
		Issuers: []IssuerAudience{{IssuerValue: testIssuer}},
		Leeway:  leeway,
	})
}

func TestVerify_ValidTokenRoundTrips(t *testing.T) {
	srv, priv := newTestIssuerServer(t, "k1")
	defer srv.Close()
	v := newVerifier(t, srv, time.Minute)

	now := time.Now()
	raw := signToken(t, priv, "k1", jwt.RegisteredClaims{
		Subject:   "user:default/alice",
		Issuer:    testIssuer,
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(now),
	}, []string{"group:sre"})

	claims, err := v.Verify(context.Background(), raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.Subject != "user:default/alice" {
		t.Fatalf("unexpected subject: %q", claims.Subject)
	}
}

func TestVerify_RejectsAlgNone(t *testing.T) {
	srv, _ := newTestIssuerServer(t, "k1")
	defer srv.Close()
	v := newVerifier(t, srv, time.Minute)

	tok := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "mallory", Issuer: testIssuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	tok.Header["kid"] = "k1"
	raw, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("signing none token: %v", err)
	}

	if _, err := v.Verify(context.Background(), raw); err == nil {
		t.Fatal("expected alg:none to be rejected")
	}
}

func TestVerify_ExpiredToken(t *testing.T) {
	srv, priv := newTestIssuerServer(t, "k1")
	defer srv.Close()
	v := newVerifier(t, srv, time.Second)

	raw := signToken(t, priv, "k1", jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    testIssuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}, nil)

	_, err := v.Verify(context.Background(), raw)
	e, ok := err.(*errkind.Error)
	if !ok || e.Reason != errkind.Expired {
		t.Fatalf("expected Expired, got %v", err)
	}
}

func TestVerify_ExpiryAtExactLeewayBoundary(t *testing.T) {
	srv, priv := newTestIssuerServer(t, "k1")
	defer srv.Close()
	leeway := 60 * time.Second
	v := newVerifier(t, srv, leeway)

	// The accepted side sits 2s inside the leeway boundary so wall-clock
	// advance between signing and verifying can't flip the verdict.
	now := time.Now()
	accepted := signToken(t, priv, "k1", jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    testIssuer,
		ExpiresAt: jwt.NewNumericDate(now.Add(-leeway + 2*time.Second)),
	}, nil)
	if _, err := v.Verify(context.Background(), accepted); err != nil {
		t.Fatalf("expected exp just inside leeway to be accepted, got %v", err)
	}

	rejected := signToken(t, priv, "k1", jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    testIssuer,
		ExpiresAt: jwt.NewNumericDate(now.Add(-leeway - 2*time.Second)),
	}, nil)
	if _, err := v.Verify(context.Background(), rejected); err == nil {
		t.Fatal("expected exp just past leeway to be rejected")
	}
}

func TestVerify_UntrustedIssuer(t *testing.T) {
	srv, priv := newTestIssuerServer(t, "k1")
	defer srv.Close()
	v := newVerifier(t, srv, time.Minute)

	raw := signToken(t, priv, "k1", jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "https://untrusted.example.com/",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}, nil)

	_, err := v.Verify(context.Background(), raw)
	e, ok := err.(*errkind.Error)
	if !ok || e.Reason != errkind.UntrustedIssuer {
		t.Fatalf("expected UntrustedIssuer, got %v", err)
	}
}

func TestVerify_WrongAudience(t *testing.T) {
	srv, priv := newTestIssuerServer(t, "k1")
	defer srv.Close()
	cache := jwks.New(jwks.Config{Issuers: []jwks.Issuer{{Name: "idp", JWKSURL: srv.URL, IssuerValue: testIssuer}}})
	defer cache.Shutdown()
	v := New(Config{
		JWKS:    cache,
		Issuers: []IssuerAudience{{IssuerValue: testIssuer, Audience: "termgate"}},
		Leeway:  time.Minute,
	})

	raw := signToken(t, priv, "k1", jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    testIssuer,
		Audience:  jwt.ClaimStrings{"someone-else"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}, nil)

	_, err := v.Verify(context.Background(), raw)
	e, ok := err.(*errkind.Error)
	if !ok || e.Reason != errkind.WrongAudience {
		t.Fatalf("expected WrongAudience, got %v", err)
	}
}

func TestVerify_MissingSubject(t *testing.T) {
	srv, priv := newTestIssuerServer(t, "k1")
	defer srv.Close()
	v := newVerifier(t, srv, time.Minute)

	raw := signToken(t, priv, "k1", jwt.RegisteredClaims{
		Issuer:    testIssuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}, nil)

	_, err := v.Verify(context.Background(), raw)
	e, ok := err.(*errkind.Error)
	if !ok || e.Reason != errkind.MissingSubject {
		t.Fatalf("expected MissingSubject, got %v", err)
	}
}

func TestVerify_ReplayDetection(t *testing.T) {
	srv, priv := newTestIssuerServer(t, "k1")
	defer srv.Close()
	cache := jwks.New(jwks.Config{Issuers: []jwks.Issuer{{Name: "idp", JWKSURL: srv.URL, IssuerValue: testIssuer}}})
	defer cache.Shutdown()
	nonces := NewNonceStore(time.Minute)
	defer nonces.Shutdown()
	v := New(Config{
		JWKS:    cache,
		Issuers: []IssuerAudience{{IssuerValue: testIssuer}},
		Leeway:  time.Minute,
		Nonces:  nonces,
	})

	now := time.Now()
	c := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    testIssuer,
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		ID:        "jti-1",
	}}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
	tok.Header["kid"] = "k1"
	raw, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	if _, err := v.Verify(context.Background(), raw); err != nil {
		t.Fatalf("first use should succeed: %v", err)
	}
	_, err = v.Verify(context.Background(), raw)
	e, ok := err.(*errkind.Error)
	if !ok || e.Reason != errkind.Replayed {
		t.Fatalf("expected Replayed on reuse, got %v", err)
	}
}
