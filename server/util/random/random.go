// Package random generates identifiers from crypto/rand.
package random

import (
	"crypto/rand"
	"encoding/binary"
)

// RandUint64 returns a uniformly random uint64. Scanner and row-lock ids are
// drawn from here; with 64 bits of entropy collisions are treated as
// impossible.
func RandUint64() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// RandomString returns a random alphanumeric string of the given length.
func RandomString(stringLength int) (string, error) {
	const letters = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	bytes := make([]byte, stringLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	for i, b := range bytes {
		bytes[i] = letters[b%byte(len(letters))]
	}
	return string(bytes), nil
}
