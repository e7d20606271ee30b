// Package auth issues and verifies the bearer credentials presented in the
// connection_init frame and on the HTTP API.
//
// Tokens are RS256-signed JWTs whose subject is the user ID.
package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Errors
var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// Config holds token issuance settings.
type Config struct {
	Issuer string        // "iss" claim, checked on verify
	TTL    time.Duration // Token lifetime (default: 1h)
	Skew   time.Duration // Accepted clock skew on verify
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Issuer: "eventfeed",
		TTL:    time.Hour,
		Skew:   30 * time.Second,
	}
}

// Identity is the verified subject of a token.
type Identity struct {
	UserID    uuid.UUID
	TokenID   string
	ExpiresAt time.Time
}

// Credentials holds the key ID and private key for signing tokens.
type Credentials struct {
	KeyID      string          // "kid" header
	PrivateKey *rsa.PrivateKey // RSA private key for signing
}

// LoadCredentials loads credentials from key ID and private key file path.
func LoadCredentials(keyID, privateKeyPath string) (*Credentials, error) {
	if keyID == "" {
		return nil, fmt.Errorf("key ID is required")
	}
	if privateKeyPath == "" {
		return nil, fmt.Errorf("private key path is required")
	}

	privateKey, err := LoadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}

	return &Credentials{
		KeyID:      keyID,
		PrivateKey: privateKey,
	}, nil
}

// LoadPrivateKey loads an RSA private key from a PEM file.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return ParsePrivateKey(data)
}

// ParsePrivateKey decodes a PEM encoded PKCS#8 or PKCS#1 RSA private key.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	// Try PKCS#8 first (newer format)
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not an RSA private key")
		}
		return rsaKey, nil
	}

	// Fall back to PKCS#1 (older format)
	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return rsaKey, nil
}

// Issuer signs tokens for users.
type Issuer struct {
	cfg   Config
	key   jwk.Key
	clock clock.Clock
}

// NewIssuer creates an Issuer. A nil clock means wall time.
func NewIssuer(creds *Credentials, cfg Config, clk clock.Clock) (*Issuer, error) {
	if creds == nil || creds.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if clk == nil {
		clk = clock.WallClock
	}

	key, err := jwk.FromRaw(creds.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("wrap private key: %w", err)
	}
	if creds.KeyID != "" {
		if err := key.Set(jwk.KeyIDKey, creds.KeyID); err != nil {
			return nil, fmt.Errorf("set key id: %w", err)
		}
	}

	return &Issuer{cfg: cfg, key: key, clock: clk}, nil
}

// Issue returns a signed token whose subject is userID.
func (i *Issuer) Issue(userID uuid.UUID) (string, error) {
	now := i.clock.Now()
	tok, err := jwt.NewBuilder().
		Issuer(i.cfg.Issuer).
		Subject(userID.String()).
		JwtID(uuid.NewString()).
		IssuedAt(now).
		Expiration(now.Add(i.cfg.TTL)).
		Build()
	if err != nil {
		return "", fmt.Errorf("build token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, i.key))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return string(signed), nil
}

// Verifier checks tokens signed by the matching Issuer.
type Verifier struct {
	cfg   Config
	key   jwk.Key
	clock clock.Clock
}

// NewVerifier creates a Verifier for the given public key.
func NewVerifier(pub *rsa.PublicKey, cfg Config, clk clock.Clock) (*Verifier, error) {
	if pub == nil {
		return nil, fmt.Errorf("public key is required")
	}
	if clk == nil {
		clk = clock.WallClock
	}
	key, err := jwk.FromRaw(pub)
	if err != nil {
		return nil, fmt.Errorf("wrap public key: %w", err)
	}
	return &Verifier{cfg: cfg, key: key, clock: clk}, nil
}

// Verify parses and validates token, returning its subject.
func (v *Verifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	opts := []jwt.ParseOption{
		jwt.WithKey(jwa.RS256, v.key),
		jwt.WithValidate(true),
		jwt.WithClock(v.clock),
		jwt.WithAcceptableSkew(v.cfg.Skew),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}

	tok, err := jwt.ParseString(token, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	userID, err := uuid.Parse(tok.Subject())
	if err != nil {
		return Identity{}, fmt.Errorf("%w: subject: %w", ErrInvalidToken, err)
	}

	return Identity{
		UserID:    userID,
		TokenID:   tok.JwtID(),
		ExpiresAt: tok.Expiration(),
	}, nil
}
