package webhook

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/stellarlinkco/tagflow/internal/config"
)

const signatureHeader = "X-Wh-Signature"

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Verifier checks the CRM's RSA PKCS#1 v1.5 / SHA-256 body signature.
type Verifier struct {
	enabled bool
	require bool
	key     *rsa.PublicKey
}

func NewVerifier(cfg config.WebhookConfig) (*Verifier, error) {
	v := &Verifier{enabled: cfg.VerifySignature, require: cfg.RequireSignature}
	if !v.enabled {
		return v, nil
	}
	key, err := parsePublicKey(cfg.PublicKeyPEM)
	if err != nil {
		return nil, err
	}
	v.key = key
	return v, nil
}

// Verify accepts a request without a signature unless signatures are
// required. A present signature must always be valid.
func (v *Verifier) Verify(body []byte, signature string) error {
	if v == nil || !v.enabled {
		return nil
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		if v.require {
			return ErrMissingSignature
		}
		return nil
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: decode: %v", ErrInvalidSignature, err)
	}
	digest := sha256.Sum256(body)
	if err := rsa.VerifyPKCS1v15(v.key, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

func parsePublicKey(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(pemText)))
	if block == nil {
		return nil, fmt.Errorf("webhook public key: no PEM block found")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("webhook public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("webhook public key: expected RSA key, got %T", parsed)
	}
	return key, nil
}
