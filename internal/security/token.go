package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"pairdesk/internal/constants"
)

var (
	errMalformedToken = errors.New("malformed token")
	errBadSignature   = errors.New("token signature mismatch")
)

type Token struct {
	Value     string    `json:"token"`
	Code      string    `json:"code"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TokenSigner produces and checks stateless join tokens of the form
// base64url(code ":" issuedAtMillis) "." hex(hmac).
type TokenSigner struct {
	key []byte
	ttl time.Duration
}

// NewTokenSigner derives the signing key from secret with HKDF-SHA256.
func NewTokenSigner(secret []byte, ttl time.Duration) (*TokenSigner, error) {
	if len(secret) == 0 {
		return nil, errors.New("token secret is empty")
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, nil, []byte(constants.TokenKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive token key: %w", err)
	}
	return &TokenSigner{key: key, ttl: ttl}, nil
}

// RandomSecret returns a fresh 32 byte secret for deployments that did not
// configure one.
func RandomSecret() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *TokenSigner) Sign(code string, issuedAt time.Time) Token {
	issued := time.UnixMilli(issuedAt.UnixMilli())
	payload := code + ":" + strconv.FormatInt(issued.UnixMilli(), 10)
	value := base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + hex.EncodeToString(s.mac(payload))
	return Token{
		Value:     value,
		Code:      code,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(s.ttl),
	}
}

// Parse verifies the signature and returns the embedded code and issue time.
// It does not check expiry or binding.
func (s *TokenSigner) Parse(value string) (string, time.Time, error) {
	encoded, sig, ok := strings.Cut(value, ".")
	if !ok {
		return "", time.Time{}, errMalformedToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", time.Time{}, errMalformedToken
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return "", time.Time{}, errMalformedToken
	}

	payload := string(raw)
	if subtle.ConstantTimeCompare(got, s.mac(payload)) != 1 {
		return "", time.Time{}, errBadSignature
	}

	code, millis, ok := strings.Cut(payload, ":")
	if !ok || code == "" {
		return "", time.Time{}, errMalformedToken
	}
	ms, err := strconv.ParseInt(millis, 10, 64)
	if err != nil {
		return "", time.Time{}, errMalformedToken
	}
	return code, time.UnixMilli(ms), nil
}

func (s *TokenSigner) TTL() time.Duration { return s.ttl }

func (s *TokenSigner) mac(payload string) []byte {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(payload))
	return h.Sum(nil)
}
