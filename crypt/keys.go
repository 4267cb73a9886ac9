// Package crypt implements the two transforms applied under a password
// rule: deterministic filename obfuscation and a seekable stream cipher
// for file content.
//
// Both derive their keys from a (password, Tag) pair. The expensive
// password stretching runs once per pair and is memoized for the life
// of the process.
package crypt

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// Tag selects the content cipher.
type Tag string

const (
	// AesCtr is AES-256 in counter mode.
	AesCtr Tag = "aesctr"
	// ChaCha20 is the ChaCha20 stream cipher with a 32-bit block counter.
	ChaCha20 Tag = "chacha20"
)

// Tags lists every supported Tag.
var Tags = []Tag{AesCtr, ChaCha20}

// ParseTag validates s, accepting any letter case.
func ParseTag(s string) (Tag, error) {
	t := Tag(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case AesCtr, ChaCha20:
		return t, nil
	}
	return "", fmt.Errorf("unsupported cipher tag %q", s)
}

const (
	scryptN = 32768
	scryptR = 8
	scryptP = 1
)

// masterKey is the stretched form of a password.
type masterKey struct {
	content [32]byte
	name    [32]byte
	nameMac [32]byte
}

var masterKeys sync.Map

func deriveMaster(password string, tag Tag) (*masterKey, error) {
	id := string(tag) + "\x00" + password
	if mk, ok := masterKeys.Load(id); ok {
		return mk.(*masterKey), nil
	}

	salt := sha256.Sum256([]byte("cryptproxy/v1/" + string(tag)))
	raw, err := scrypt.Key([]byte(password), salt[:], scryptN, scryptR, scryptP, 96)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	mk := &masterKey{}
	copy(mk.content[:], raw[0:32])
	copy(mk.name[:], raw[32:64])
	copy(mk.nameMac[:], raw[64:96])

	// Concurrent derivations of the same pair are identical, so the
	// loser of the race simply adopts the stored value.
	actual, _ := masterKeys.LoadOrStore(id, mk)
	return actual.(*masterKey), nil
}
