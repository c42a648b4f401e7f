package session

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"pairdesk/internal/constants"
)

var codeSpan = big.NewInt(constants.CodeMax - constants.CodeMin + 1)

// GenerateCode returns a pairing code drawn uniformly from 100000-999999.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpan)
	if err != nil {
		return "", fmt.Errorf("failed to generate pairing code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+constants.CodeMin), nil
}
