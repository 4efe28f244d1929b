package password

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrInvalidHash      = errors.New("invalid hash format")
	ErrTooFewIterations = fmt.Errorf("iteration count must be at least %d", MinIterations)
)

const (
	// MinIterations is the lowest PBKDF2 iteration count accepted when
	// hashing; lower configured values are rejected rather than silently
	// raised.
	MinIterations = 100000

	// DefaultIterations is used when the caller does not configure a count.
	DefaultIterations = 350000

	saltLength = 16
	keyLength  = sha512.Size
)

// Hash derives a PBKDF2-SHA512 hash of the password in the storage format
// used by the platform's user table: $pbkdf2-sha512$iterations$salt$hash,
// with salt and hash base64-encoded. A fresh random salt is generated per
// call.
func Hash(password string, iterations int) (string, error) {
	if iterations < MinIterations {
		return "", ErrTooFewIterations
	}

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	dk := pbkdf2.Key([]byte(password), salt, iterations, keyLength, sha512.New)

	return fmt.Sprintf(
		"$pbkdf2-sha512$%d$%s$%s",
		iterations,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(dk),
	), nil
}

// VerifyHash reports whether the password matches the encoded hash. The
// iteration count and salt are taken from the encoded form, so hashes
// written with older settings keep verifying.
func VerifyHash(password, encoded string) (bool, error) {
	iterations, salt, dk, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}

	other := pbkdf2.Key([]byte(password), salt, iterations, len(dk), sha512.New)

	return subtle.ConstantTimeCompare(dk, other) == 1, nil
}

func decodeHash(encoded string) (int, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 || parts[0] != "" {
		return 0, nil, nil, ErrInvalidHash
	}
	if parts[1] != "pbkdf2-sha512" {
		return 0, nil, nil, ErrInvalidHash
	}

	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return 0, nil, nil, ErrInvalidHash
	}

	salt, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return 0, nil, nil, ErrInvalidHash
	}

	dk, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil {
		return 0, nil, nil, ErrInvalidHash
	}

	return iterations, salt, dk, nil
}
