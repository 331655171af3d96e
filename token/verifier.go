// Package token turns a raw JWT string into validated Claims, or a typed
// failure.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chris/termgate/errkind"
	"github.com/chris/termgate/jwks"
)

// allowedAlgs is the closed set of accepted signature algorithms. Rejecting
// "none" is mandatory and falls out of this allowlist never containing it.
var allowedAlgs = []string{"RS256", "RS384", "RS512", "ES256", "ES384"}

// Claims is the validated, post-verification claim set handed to the
// Authorizer.
type Claims struct {
	jwt.RegisteredClaims
	Groups     []string `json:"groups,omitempty"`
	EntityRefs []string `json:"ent,omitempty"` // Backstage-style entity references
}

// IssuerAudience pairs a trusted issuer with its (optional) required
// audience, read from config.IssuerConfig.
type IssuerAudience struct {
	IssuerValue string
	Audience    string // empty means "no audience check for this issuer"
}

// Verifier validates JWTs against a JwksCache plus configured issuer policy.
type Verifier struct {
	jwks      *jwks.Cache
	audiences map[string]string // issuer -> required audience ("" = none)
	leeway    time.Duration
	nonces    *NonceStore // nil disables jti replay checking
}

// Config configures a Verifier.
type Config struct {
	JWKS    *jwks.Cache
	Issuers []IssuerAudience
	Leeway  time.Duration // default 60s
	Nonces  *NonceStore   // optional; nil disables replay detection
}

// New builds a Verifier.
func New(cfg Config) *Verifier {
	if cfg.Leeway <= 0 {
		cfg.Leeway = 60 * time.Second
	}
	aud := make(map[string]string, len(cfg.Issuers))
	for _, i := range cfg.Issuers {
		aud[i.IssuerValue] = i.Audience
	}
	return &Verifier{jwks: cfg.JWKS, audiences: aud, leeway: cfg.Leeway, nonces: cfg.Nonces}
}

// Verify parses raw, resolves its signing key from the JWKS cache, checks
// the signature and every registered claim, and enforces replay protection
// if a NonceStore is configured.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	var claims Claims
	var keyErr error

	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			keyErr = errkind.New(errkind.Unauthorized, "token header missing kid")
			return nil, keyErr
		}
		if claims.Issuer == "" || !v.jwks.KnownIssuer(claims.Issuer) {
			keyErr = errkind.Token(errkind.UntrustedIssuer, "issuer not in allowed_issuers")
			return nil, keyErr
		}
		key, err := v.jwks.GetKey(ctx, claims.Issuer, kid)
		if err != nil {
			keyErr = err
			return nil, err
		}
		return key, nil
	},
		jwt.WithValidMethods(allowedAlgs),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		if keyErr != nil {
			return nil, keyErr
		}
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, errkind.Token(errkind.BadSignature, "signature verification failed")
		}
		return nil, errkind.Wrap(errkind.Unauthorized, "parsing token", err)
	}

	if err := v.validateTemporal(&claims); err != nil {
		return nil, err
	}
	if err := v.validateAudience(&claims); err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errkind.Token(errkind.MissingSubject, "token has no sub claim")
	}
	if v.nonces != nil {
		if claims.ID == "" {
			return nil, errkind.Token(errkind.Replayed, "jti required when replay protection is enabled")
		}
		if !v.nonces.MarkSeen(claims.ID, v.expiryOrDefault(&claims)) {
			return nil, errkind.Token(errkind.Replayed, "token jti already seen")
		}
	}
	return &claims, nil
}

func (v *Verifier) validateTemporal(c *Claims) error {
	now := time.Now()
	if c.ExpiresAt == nil || now.After(c.ExpiresAt.Time.Add(v.leeway)) {
		return errkind.Token(errkind.Expired, "token expired")
	}
	if c.NotBefore != nil && now.Before(c.NotBefore.Time.Add(-v.leeway)) {
		return errkind.Token(errkind.NotYetValid, "token not yet valid")
	}
	if c.IssuedAt != nil && c.IssuedAt.Time.After(now.Add(v.leeway)) {
		return errkind.Token(errkind.IssuedInFuture, "token iat is in the future")
	}
	return nil
}

func (v *Verifier) validateAudience(c *Claims) error {
	required, ok := v.audiences[c.Issuer]
	if !ok || required == "" {
		return nil
	}
	for _, a := range c.Audience {
		if a == required {
			return nil
		}
	}
	return errkind.Token(errkind.WrongAudience, fmt.Sprintf("token audience does not include %q", required))
}

func (v *Verifier) expiryOrDefault(c *Claims) time.Time {
	if c.ExpiresAt != nil {
		return c.ExpiresAt.Time
	}
	return time.Now().Add(v.leeway)
}
