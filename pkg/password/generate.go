package password

import (
	"crypto/rand"
	"errors"
	"math/big"
)

const (
	upperChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lowerChars = "abcdefghijklmnopqrstuvwxyz"
	digitChars = "0123456789"
	punctChars = "!@#$%^&*"

	// DefaultLength is the generated password length used when the caller
	// does not configure one.
	DefaultLength = 12

	// MinLength is the smallest length that can still satisfy all four
	// character classes.
	MinLength = 4
)

var ErrLengthTooShort = errors.New("password length must be at least 4")

var classes = [...]string{upperChars, lowerChars, digitChars, punctChars}

var allChars = upperChars + lowerChars + digitChars + punctChars

// Generate produces a random password of exactly length characters that
// contains at least one uppercase letter, one lowercase letter, one digit and
// one character from the punctuation set. One character is drawn from each
// required class first, the remainder from the combined alphabet, and the
// result is shuffled so the guaranteed characters do not cluster at fixed
// positions. All randomness comes from crypto/rand.
func Generate(length int) (string, error) {
	if length < MinLength {
		return "", ErrLengthTooShort
	}

	buf := make([]byte, 0, length)

	for _, class := range classes {
		c, err := randByte(class)
		if err != nil {
			return "", err
		}
		buf = append(buf, c)
	}

	for len(buf) < length {
		c, err := randByte(allChars)
		if err != nil {
			return "", err
		}
		buf = append(buf, c)
	}

	if err := shuffle(buf); err != nil {
		return "", err
	}

	return string(buf), nil
}

func randByte(alphabet string) (byte, error) {
	i, err := randInt(len(alphabet))
	if err != nil {
		return 0, err
	}
	return alphabet[i], nil
}

// shuffle performs an unbiased Fisher-Yates shuffle.
func shuffle(buf []byte) error {
	for i := len(buf) - 1; i > 0; i-- {
		j, err := randInt(i + 1)
		if err != nil {
			return err
		}
		buf[i], buf[j] = buf[j], buf[i]
	}
	return nil
}

func randInt(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}
