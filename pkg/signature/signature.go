// Package signature authenticates webhook deliveries signed with HMAC-SHA256.
//
// Senders put "sha256=<hex digest>" in the X-Hub-Signature-256 header, where
// the digest is computed over the exact request body with the shared secret.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
)

// HeaderName is the request header carrying the delivery signature.
const HeaderName = "X-Hub-Signature-256"

const algorithm = "sha256"

// Reason classifies an authentication failure.
type Reason string

const (
	MissingCredentials Reason = "missing_credentials"
	SignatureMismatch  Reason = "signature_mismatch"
)

var (
	ErrMissingCredentials = errors.New("missing signature or secret")
	ErrSignatureMismatch  = errors.New("invalid signature")
)

// UnauthorizedError is returned for every rejected delivery.
type UnauthorizedError struct {
	Reason Reason
}

func (e *UnauthorizedError) Error() string {
	return "unauthorized: " + e.Unwrap().Error()
}

func (e *UnauthorizedError) Unwrap() error {
	if e.Reason == MissingCredentials {
		return ErrMissingCredentials
	}
	return ErrSignatureMismatch
}

// Verifier checks delivery signatures against a shared secret.
type Verifier struct {
	secret []byte
	logger *slog.Logger
}

// NewVerifier creates a Verifier. An empty secret rejects every delivery.
func NewVerifier(secret string, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{secret: []byte(secret), logger: logger}
}

// Verify authenticates body against the signature header value. The digest
// comparison runs in constant time with respect to the position of any mismatch.
func (v *Verifier) Verify(body []byte, header, sourceIP string) error {
	if header == "" || len(v.secret) == 0 {
		v.logger.Warn("webhook signature missing",
			slog.Bool("has_signature", header != ""),
			slog.Bool("has_secret", len(v.secret) > 0),
			slog.String("source_ip", sourceIP),
		)
		return &UnauthorizedError{Reason: MissingCredentials}
	}

	if !v.matches(body, header) {
		v.logger.Warn("webhook signature mismatch",
			slog.String("received", redact(header)),
			slog.String("source_ip", sourceIP),
		)
		return &UnauthorizedError{Reason: SignatureMismatch}
	}

	v.logger.Debug("webhook signature verified", slog.String("source_ip", sourceIP))
	return nil
}

func (v *Verifier) matches(body []byte, header string) bool {
	algo, digest, ok := strings.Cut(strings.TrimSpace(header), "=")
	if !ok || !strings.EqualFold(algo, algorithm) {
		return false
	}
	received, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hmac.Equal(received, mac.Sum(nil))
}

// Sign returns the header value a sender would attach to body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return algorithm + "=" + hex.EncodeToString(mac.Sum(nil))
}

// redact keeps only a short prefix of a received signature for logs.
func redact(signature string) string {
	if len(signature) > 10 {
		signature = signature[:10]
	}
	return signature + "..."
}
