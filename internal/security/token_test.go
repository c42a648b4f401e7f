package security

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenSigner_RoundTrip(t *testing.T) {
	signer, err := NewTokenSigner([]byte("secret"), 30*time.Minute)
	require.NoError(t, err)

	issued := time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC)
	tok := signer.Sign("482913", issued)

	assert.Equal(t, "482913", tok.Code)
	assert.True(t, tok.IssuedAt.Equal(issued.Truncate(time.Millisecond)))
	assert.True(t, tok.ExpiresAt.Equal(tok.IssuedAt.Add(30*time.Minute)))
	assert.NotContains(t, tok.Value, "secret")

	code, at, err := signer.Parse(tok.Value)
	require.NoError(t, err)
	assert.Equal(t, "482913", code)
	assert.True(t, at.Equal(tok.IssuedAt))
}

func TestTokenSigner_RejectsTampering(t *testing.T) {
	signer, err := NewTokenSigner([]byte("secret"), time.Minute)
	require.NoError(t, err)
	tok := signer.Sign("482913", time.Now())

	payload, sig, _ := strings.Cut(tok.Value, ".")
	forged := signer.Sign("111111", time.Now())
	forgedPayload, _, _ := strings.Cut(forged.Value, ".")

	cases := map[string]string{
		"empty":           "",
		"no separator":    payload,
		"swapped payload": forgedPayload + "." + sig,
		"bad hex":         payload + ".zz",
		"bad base64":      "!!!." + sig,
		"truncated sig":   payload + "." + sig[:10],
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := signer.Parse(value)
			assert.Error(t, err)
		})
	}
}

func TestTokenSigner_DifferentSecrets(t *testing.T) {
	a, err := NewTokenSigner([]byte("one"), time.Minute)
	require.NoError(t, err)
	b, err := NewTokenSigner([]byte("two"), time.Minute)
	require.NoError(t, err)

	_, _, err = b.Parse(a.Sign("482913", time.Now()).Value)
	assert.ErrorIs(t, err, errBadSignature)

	_, err = NewTokenSigner(nil, time.Minute)
	assert.Error(t, err)
}
