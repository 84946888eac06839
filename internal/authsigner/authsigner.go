// Package authsigner produces authenticated headers for Kalshi's REST and
// WebSocket APIs by signing timestamp_ms+METHOD+path with RSA-PSS/SHA-256.
//
// Grounded on the RSA-PSS signing in
// other_examples/64c5ac00_SahilParikh03-Caesar-Trade-master...kalshi-adapter.go,
// generalized from a one-shot WS-only helper into a stateful signer that
// handles both the WebSocket handshake and every REST request.
package authsigner

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const wsPath = "/trade-api/ws/v2"

// AuthKeyInvalid is the fatal error raised when the configured private key
// cannot be parsed or is not an RSA key. This is unrecoverable; the
// process should exit non-zero rather than retry.
type AuthKeyInvalid struct {
	Path   string
	Reason string
}

func (e *AuthKeyInvalid) Error() string {
	return fmt.Sprintf("authsigner: invalid key at %s: %s", e.Path, e.Reason)
}

// Headers is the set of HTTP headers the exchange expects on every
// authenticated REST and WebSocket request.
type Headers struct {
	KeyID     string
	Signature string
	Timestamp string
}

// Set applies the three KALSHI-ACCESS-* headers onto h.
func (hdrs Headers) Set(h interface{ Set(string, string) }) {
	h.Set("KALSHI-ACCESS-KEY", hdrs.KeyID)
	h.Set("KALSHI-ACCESS-SIGNATURE", hdrs.Signature)
	h.Set("KALSHI-ACCESS-TIMESTAMP", hdrs.Timestamp)
}

// AuthSigner is stateless except for the loaded private key.
type AuthSigner struct {
	keyID   string
	privKey *rsa.PrivateKey
}

// New loads an RSA private key from a PEM file and pairs it with keyID.
func New(keyID, pemPath string) (*AuthSigner, error) {
	raw, err := os.ReadFile(pemPath)
	if err != nil {
		return nil, &AuthKeyInvalid{Path: pemPath, Reason: err.Error()}
	}

	key, err := parsePrivateKey(raw)
	if err != nil {
		return nil, &AuthKeyInvalid{Path: pemPath, Reason: err.Error()}
	}

	return &AuthSigner{keyID: keyID, privKey: key}, nil
}

func parsePrivateKey(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not RSA")
	}
	return rsaKey, nil
}

// SignWS signs "timestamp_ms" + "GET" + "/trade-api/ws/v2".
func (s *AuthSigner) SignWS() (Headers, error) {
	return s.sign("GET", wsPath)
}

// SignREST signs "timestamp_ms" + UPPER(method) + path.
func (s *AuthSigner) SignREST(method, path string) (Headers, error) {
	return s.sign(strings.ToUpper(method), path)
}

func (s *AuthSigner) sign(method, path string) (Headers, error) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	msg := ts + method + path

	digest := sha256.Sum256([]byte(msg))
	sig, err := rsa.SignPSS(rand.Reader, s.privKey, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return Headers{}, fmt.Errorf("authsigner: sign: %w", err)
	}

	return Headers{
		KeyID:     s.keyID,
		Signature: base64.StdEncoding.EncodeToString(sig),
		Timestamp: ts,
	}, nil
}
