package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    uint32 = 1
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 4
	argonKeyLen  uint32 = 32
	argonSaltLen        = 16
)

// GenerateSalt returns a fresh random salt, base64-encoded. The salt
// lives in its own column next to the crypted password so a missing
// salt and a missing password can be told apart.
func GenerateSalt() (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(salt), nil
}

// Hash derives the Argon2id digest of pass under the given base64 salt.
func Hash(pass, salt string) (string, error) {
	raw, err := base64.RawStdEncoding.DecodeString(salt)
	if err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(pass), raw, argonTime, argonMemory, argonThreads, argonKeyLen)
	return base64.RawStdEncoding.EncodeToString(hash), nil
}

// Verify checks pass against the stored base64 salt and crypted password.
func Verify(pass, salt, crypted string) bool {
	rawSalt, err := base64.RawStdEncoding.DecodeString(salt)
	if err != nil {
		return false
	}
	rawHash, err := base64.RawStdEncoding.DecodeString(crypted)
	if err != nil {
		return false
	}
	check := argon2.IDKey([]byte(pass), rawSalt, argonTime, argonMemory, argonThreads, uint32(len(rawHash)))
	return subtle.ConstantTimeCompare(rawHash, check) == 1
}
