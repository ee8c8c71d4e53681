// Package token mints and validates confirmation tokens.
//
// A token is 20 random bytes encoded as 32 lowercase base32 characters
// (a-z, 2-7). It carries no structure, so it is safe as a single URL path
// segment or as a code quoted in a mail body.
package token

import (
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"io"
)

const (
	// RawSize is the number of random bytes behind a token (160 bits).
	RawSize = 20
	// Length is the encoded length of every token.
	Length = 32
)

var ErrMalformedToken = errors.New("malformed token")

var encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// Codec mints tokens from a random source.
type Codec struct {
	rand io.Reader
}

// NewCodec returns a Codec reading from crypto/rand.
func NewCodec() *Codec {
	return &Codec{rand: rand.Reader}
}

// NewCodecWithReader returns a Codec reading from r. Tests use it to get
// predictable tokens.
func NewCodecWithReader(r io.Reader) *Codec {
	return &Codec{rand: r}
}

// Mint returns a fresh token.
func (c *Codec) Mint() (string, error) {
	buf := make([]byte, RawSize)
	if _, err := io.ReadFull(c.rand, buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return encoding.EncodeToString(buf), nil
}

// Validate reports whether s has the shape of a token.
func (c *Codec) Validate(s string) error {
	return Validate(s)
}

// Validate reports whether s has the shape of a token.
func Validate(s string) error {
	if len(s) != Length {
		return ErrMalformedToken
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if (ch < 'a' || ch > 'z') && (ch < '2' || ch > '7') {
			return ErrMalformedToken
		}
	}
	return nil
}

var defaultCodec = NewCodec()

// Mint returns a fresh token from crypto/rand.
func Mint() (string, error) {
	return defaultCodec.Mint()
}
