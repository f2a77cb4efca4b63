package fleet

import (
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	idLength   = 6
	idAttempts = 8
)

var errNoFreeID = errors.New("could not generate an unused deployment id")

// randomID returns prefix followed by idLength uppercase alphanumerics.
func randomID(prefix string) (string, error) {
	// Bytes at or above this bound are discarded so every symbol is equally likely.
	const bound = 256 - 256%len(idAlphabet)

	out := make([]byte, 0, idLength)
	buf := make([]byte, idLength*2)
	for len(out) < idLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("reading random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= bound {
				continue
			}
			out = append(out, idAlphabet[int(b)%len(idAlphabet)])
			if len(out) == idLength {
				break
			}
		}
	}
	return prefix + string(out), nil
}

// nextID draws ids until one is not taken.
func (m *Manager) nextID() (string, error) {
	for i := 0; i < idAttempts; i++ {
		id, err := m.newID(m.cfg.IDPrefix)
		if err != nil {
			return "", err
		}
		if !m.registry.Has(id) {
			return id, nil
		}
	}
	return "", errNoFreeID
}
