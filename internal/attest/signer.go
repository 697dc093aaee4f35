// Package attest signs erasure certificates so that a holder can prove a
// certificate came from this deployment without querying it.
package attest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	keyFile = "attestation.key"
	keyBits = 2048
)

// ErrInvalidToken is returned when an attestation fails signature or claim
// validation.
var ErrInvalidToken = errors.New("invalid attestation token")

// Claims are the JWT claims of a certificate attestation. The subject is the
// certificate digest.
type Claims struct {
	jwt.RegisteredClaims
	CertificateID string `json:"erash:certificate_id"`
	Digest        string `json:"erash:digest"`
	DeviceSerial  string `json:"erash:device_serial"`
	OperationID   string `json:"erash:wipe_id"`
	BlockIndex    *int   `json:"erash:block_index,omitempty"`
	BlockHash     string `json:"erash:block_hash,omitempty"`
}

// Signer issues and verifies RS256 attestations.
type Signer struct {
	key    *rsa.PrivateKey
	pub    *rsa.PublicKey
	issuer string
}

// NewSigner creates a Signer over key.
//
//	issuer is the "iss" claim value, typically the public URL of erashd.
func NewSigner(key *rsa.PrivateKey, issuer string) *Signer {
	return &Signer{key: key, pub: &key.PublicKey, issuer: issuer}
}

// LoadOrCreateKey reads the signing key from dir, generating and persisting
// a new one on first run.
func LoadOrCreateKey(dir string) (*rsa.PrivateKey, error) {
	path := filepath.Join(dir, keyFile)
	if keyPEM, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(keyPEM)
		if block == nil {
			return nil, fmt.Errorf("decode attestation key: no PEM block in %s", path)
		}
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse attestation key: %w", err)
		}
		return key, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read attestation key: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir %q: %w", dir, err)
	}
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate attestation key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(path, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write attestation key: %w", err)
	}
	return key, nil
}

// Issue signs claims. Issuer, IssuedAt and Subject are filled in.
func (s *Signer) Issue(c Claims) (string, error) {
	c.Issuer = s.issuer
	c.Subject = c.Digest
	c.IssuedAt = jwt.NewNumericDate(time.Now().UTC())
	if c.ID == "" {
		c.ID = c.CertificateID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign attestation: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an attestation, returning its claims.
func (s *Signer) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return s.pub, nil
		},
		jwt.WithIssuer(s.issuer),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Digest == "" || claims.Subject != claims.Digest {
		return nil, fmt.Errorf("%w: malformed claims", ErrInvalidToken)
	}
	return claims, nil
}

// PublicKeyPEM returns the verification key in PKIX PEM format.
func (s *Signer) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(s.pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
