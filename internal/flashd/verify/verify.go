// Package verify implements the two gates every firmware bundle must pass
// before flashing: an RSA signature over the raw manifest bytes and a SHA-256
// checksum over the firmware image. Both checks are pure; a failure of either
// is terminal for the cycle and never retried.
package verify

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var (
	// ErrSignature indicates the certificate does not verify against the
	// manifest bytes and the configured public key.
	ErrSignature = errors.New("manifest signature invalid")

	// ErrChecksum indicates the firmware image digest does not match the
	// declared value.
	ErrChecksum = errors.New("firmware checksum mismatch")
)

// VerifySignature checks sig, a PKCS#1 v1.5 RSA signature over the SHA-256
// digest of manifest, against pub. The manifest bytes must be passed exactly
// as read from storage; any re-serialization invalidates the signature.
// This matches signatures produced by `openssl dgst -sha256 -sign`.
func VerifySignature(manifest, sig []byte, pub *rsa.PublicKey) error {
	digest := sha256.Sum256(manifest)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("%w: %v", ErrSignature, err)
	}
	return nil
}

// VerifyChecksum streams firmware through SHA-256 and compares the result,
// case-insensitively, against the declared hex digest. The declared value is
// whitespace-trimmed first and may carry a sha256sum-style filename suffix;
// only the first field is compared.
func VerifyChecksum(firmware io.Reader, declared string) error {
	want := declared
	if fields := strings.Fields(declared); len(fields) > 0 {
		want = fields[0]
	}
	if _, err := hex.DecodeString(want); err != nil || len(want) != sha256.Size*2 {
		return fmt.Errorf("%w: declared digest %q is not a sha256 hex string", ErrChecksum, want)
	}

	h := sha256.New()
	if _, err := io.Copy(h, firmware); err != nil {
		return fmt.Errorf("reading firmware: %w", err)
	}
	got := hex.EncodeToString(h.Sum(nil))

	if !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: declared %s, computed %s", ErrChecksum, strings.ToLower(want), got)
	}
	return nil
}

// LoadPublicKey reads a PEM-encoded RSA public key (PKIX or PKCS#1) from
// path. It is loaded once at process start and immutable afterwards.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	return ParsePublicKey(raw)
}

// ParsePublicKey parses a PEM-encoded RSA public key.
func ParsePublicKey(raw []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block found in public key data")
	}

	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, want RSA", key)
		}
		return pub, nil
	}

	pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	return pub, nil
}
