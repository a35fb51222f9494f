package peac

import (
	"crypto/rand"
	"fmt"
)

// url-safe alphabet, 64 symbols so a random byte masked to 6 bits is uniform
const idAlphabet = "useandom-26T198340PX75pxJACKVERYMINDBUSHWOLF_GQZbfghjklqvwyzrict"

const idLength = 10

// IDGenerator returns prefix followed by random url-safe characters
type IDGenerator func(prefix string) (string, error)

// NewID returns prefix plus 10 random url-safe characters
func NewID(prefix string) (string, error) {
	buf := make([]byte, idLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random id: %w", err)
	}
	for i, b := range buf {
		buf[i] = idAlphabet[b&63]
	}
	return prefix + string(buf), nil
}
