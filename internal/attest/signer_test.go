package attest_test

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmerrifield20/erash/internal/attest"
)

const issuer = "https://erash.example.test"

func newTestSigner(t *testing.T) *attest.Signer {
	t.Helper()
	key, err := attest.LoadOrCreateKey(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreateKey: %v", err)
	}
	return attest.NewSigner(key, issuer)
}

func testClaims() attest.Claims {
	idx := 4
	return attest.Claims{
		CertificateID: "6f1c9a52-4d5e-4d0b-9f43-2f8c0e1a7b11",
		Digest:        strings.Repeat("ab", 32),
		DeviceSerial:  "S3Z9NB0M123456",
		OperationID:   "0d3f2b8e-9a41-4a55-8f0b-1c2d3e4f5a6b",
		BlockIndex:    &idx,
		BlockHash:     strings.Repeat("cd", 32),
	}
}

func TestSigner_roundTrip(t *testing.T) {
	s := newTestSigner(t)

	token, err := s.Issue(testClaims())
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Fatalf("expected 3-part JWT, got %d parts", len(parts))
	}

	claims, err := s.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	want := testClaims()
	if claims.Digest != want.Digest || claims.Subject != want.Digest {
		t.Errorf("digest/subject: got %q / %q", claims.Digest, claims.Subject)
	}
	if claims.BlockIndex == nil || *claims.BlockIndex != 4 || claims.BlockHash != want.BlockHash {
		t.Errorf("block binding lost: %+v", claims)
	}
	if claims.Issuer != issuer || claims.ID != want.CertificateID {
		t.Errorf("registered claims: %+v", claims.RegisteredClaims)
	}
}

func TestSigner_rejectsForeignKey(t *testing.T) {
	s := newTestSigner(t)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	forged, _ := attest.NewSigner(other, issuer).Issue(testClaims())

	if _, err := s.Verify(forged); !errors.Is(err, attest.ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestSigner_rejectsTamperedPayload(t *testing.T) {
	s := newTestSigner(t)
	token, _ := s.Issue(testClaims())

	parts := strings.Split(token, ".")
	parts[1] = base64.RawURLEncoding.EncodeToString([]byte(`{"iss":"` + issuer + `","sub":"x","erash:digest":"x","iat":1}`))
	if _, err := s.Verify(strings.Join(parts, ".")); !errors.Is(err, attest.ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := s.Verify("not-a-jwt"); !errors.Is(err, attest.ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for garbage, got %v", err)
	}
}

func TestSigner_rejectsOtherIssuer(t *testing.T) {
	dir := t.TempDir()
	key, _ := attest.LoadOrCreateKey(dir)
	token, _ := attest.NewSigner(key, "https://elsewhere.test").Issue(testClaims())

	if _, err := attest.NewSigner(key, issuer).Verify(token); !errors.Is(err, attest.ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestLoadOrCreateKey_persists(t *testing.T) {
	dir := t.TempDir()
	k1, err := attest.LoadOrCreateKey(dir)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := attest.LoadOrCreateKey(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !k1.Equal(k2) {
		t.Error("second load generated a new key")
	}

	info, err := os.Stat(filepath.Join(dir, "attestation.key"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("key file mode: got %o", info.Mode().Perm())
	}
}

func TestLoadOrCreateKey_corrupt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "attestation.key"), []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := attest.LoadOrCreateKey(dir); err == nil {
		t.Error("expected error for corrupt key file")
	}
}

func TestPublicKeyPEM(t *testing.T) {
	pem, err := newTestSigner(t).PublicKeyPEM()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(pem, "-----BEGIN PUBLIC KEY-----") {
		t.Errorf("unexpected PEM: %q", pem)
	}
}
