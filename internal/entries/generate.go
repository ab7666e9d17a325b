package entries

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	lowerChars  = "abcdefghjkmnpqrstuvwxyz"
	upperChars  = "ABCDEFGHJKMNPQRSTUVWXYZ"
	numberChars = "23456789"
	symbolChars = "!#$%&()*+,-./:;<=>?@[]^_{|}~"

	MinLength = 4
	MaxLength = 64
)

type Charset struct {
	Lower  bool
	Upper  bool
	Number bool
	Symbol bool
}

func DefaultCharset() Charset {
	return Charset{Lower: true, Upper: true, Number: true, Symbol: true}
}

func (c Charset) sets() []string {
	var out []string
	if c.Lower {
		out = append(out, lowerChars)
	}
	if c.Upper {
		out = append(out, upperChars)
	}
	if c.Number {
		out = append(out, numberChars)
	}
	if c.Symbol {
		out = append(out, symbolChars)
	}
	return out
}

func (c Charset) validate(length int) error {
	n := len(c.sets())
	if n == 0 {
		return fmt.Errorf("%w: no character set selected", ErrInvalid)
	}
	if length < MinLength || length > MaxLength || length < n {
		return fmt.Errorf("%w: length %d out of range", ErrInvalid, length)
	}
	return nil
}

// GeneratePassword draws a uniformly random password that contains at least
// one character of every selected set.
func GeneratePassword(length int, cs Charset) (string, error) {
	if err := cs.validate(length); err != nil {
		return "", err
	}
	sets := cs.sets()
	var all string
	for _, s := range sets {
		all += s
	}
	out := make([]byte, length)
	for i := range out {
		// the first len(sets) positions guarantee one of each, then shuffle
		src := all
		if i < len(sets) {
			src = sets[i]
		}
		ch, err := pick(src)
		if err != nil {
			return "", err
		}
		out[i] = ch
	}
	for i := len(out) - 1; i > 0; i-- {
		j, err := randInt(i + 1)
		if err != nil {
			return "", err
		}
		out[i], out[j] = out[j], out[i]
	}
	return string(out), nil
}

// NewGenerated builds a generated password entry value.
func NewGenerated(length int, cs Charset) (*Generated, error) {
	pw, err := GeneratePassword(length, cs)
	if err != nil {
		return nil, err
	}
	return &Generated{Length: length, Charset: cs, Password: pw}, nil
}

func pick(s string) (byte, error) {
	i, err := randInt(len(s))
	if err != nil {
		return 0, err
	}
	return s[i], nil
}

func randInt(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}
