package store

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// idAlphabet and idLength give 62^12 (about 3.2e21) possible ids, far above
// the number of records a single TTL window will ever hold. The store still
// checks for a live key before using a fresh id.
const (
	idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	idLength   = 12
)

// NewID returns a short random URL-safe token.
func NewID() (string, error) {
	id, err := nanoid.Generate(idAlphabet, idLength)
	if err != nil {
		return "", fmt.Errorf("generating id: %w", err)
	}
	return id, nil
}
