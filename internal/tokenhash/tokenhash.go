// Package tokenhash provides salted password-grade hashing for setup tokens.
// Cost parameters are fixed so that verification time is uniform across the
// whole codebase.
package tokenhash

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const (
	scryptN = 16384
	scryptR = 8
	scryptP = 1
	keyLen  = 64
	saltLen = 16
)

// Hash derives a salted hash of plaintext with a fresh random salt.
// Both outputs are hex-encoded.
func Hash(plaintext string) (hashHex, saltHex string, err error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", "", fmt.Errorf("tokenhash: generate salt: %w", err)
	}
	key, err := scrypt.Key([]byte(plaintext), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return "", "", fmt.Errorf("tokenhash: derive key: %w", err)
	}
	return hex.EncodeToString(key), hex.EncodeToString(salt), nil
}

// Verify re-derives the hash of plaintext with the stored salt and compares
// in constant time. Malformed or mismatched-length inputs return false, but
// still burn a full-length dummy comparison so that the time spent on an
// entry does not reveal whether it was well-formed.
func Verify(plaintext, saltHex, hashHex string) bool {
	salt, saltErr := hex.DecodeString(saltHex)
	want, hashErr := hex.DecodeString(hashHex)
	if saltErr != nil || hashErr != nil || len(want) != keyLen {
		DummyCompare()
		return false
	}
	got, err := scrypt.Key([]byte(plaintext), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		DummyCompare()
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}

// DummyCompare executes a key derivation and comparison over throwaway
// inputs. Lookup paths that skip an entry (missing hash or salt) call this
// so every entry costs the same.
func DummyCompare() {
	salt := make([]byte, saltLen)
	key, err := scrypt.Key([]byte("dummy"), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return
	}
	subtle.ConstantTimeCompare(key, make([]byte, keyLen))
}
