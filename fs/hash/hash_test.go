package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumBytes(t *testing.T) {
	a := SumBytes([]byte("claudefs"))
	b := SumBytes([]byte("claudefs"))
	c := SumBytes([]byte("claudefs!"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.False(t, a.IsZero())
	assert.True(t, Sum{}.IsZero())
}

func TestHexRoundTrip(t *testing.T) {
	s := SumBytes([]byte("round trip"))
	text := s.String()
	assert.Len(t, text, 2*Size)
	got, err := FromHex(text)
	require.NoError(t, err)
	assert.Equal(t, s, got)

	_, err = FromHex("xyz")
	assert.Error(t, err)
	_, err = FromHex("abcd")
	assert.Error(t, err)
}
