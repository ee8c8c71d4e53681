package token

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		tok, err := Mint()
		require.NoError(t, err)
		assert.Len(t, tok, Length)
		assert.NoError(t, Validate(tok))
		assert.False(t, seen[tok], "duplicate token %s", tok)
		seen[tok] = true
	}
}

func TestMintDeterministicReader(t *testing.T) {
	c := NewCodecWithReader(bytes.NewReader(make([]byte, RawSize)))
	tok, err := c.Mint()
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", Length), tok)

	// Exhausted reader
	_, err = c.Mint()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	good, err := Mint()
	require.NoError(t, err)

	tests := []struct {
		name  string
		input string
		ok    bool
	}{
		{"minted", good, true},
		{"empty", "", false},
		{"short", good[:Length-1], false},
		{"long", good + "a", false},
		{"uppercase", "A" + good[1:], false},
		{"digit outside alphabet", "1" + good[1:], false},
		{"path separator", "/" + good[1:], false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.input)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrMalformedToken)
			}
		})
	}
}
