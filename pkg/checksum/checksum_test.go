package checksum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC32CKnownVector(t *testing.T) {
	got := CRC32C([]byte("123456789"))
	assert.Equal(t, uint32(0xE3069283), got)
}

func TestCRC32CSeedIncremental(t *testing.T) {
	whole := CRC32C([]byte("123456789"))

	seed := CRC32CSeed(0, []byte("1234"))
	seed = CRC32CSeed(seed, []byte("56789"))
	assert.Equal(t, whole, seed)
}

func TestCRC16Deterministic(t *testing.T) {
	a := CRC16(0xFFFF, []byte{1, 2, 3, 4, 5})
	b := CRC16(0xFFFF, []byte{1, 2, 3, 4, 5})
	assert.Equal(t, a, b)

	c := CRC16(0xFFFF, []byte{1, 2, 3, 4, 6})
	assert.NotEqual(t, a, c)
}

func TestSumSizes(t *testing.T) {
	for _, tc := range []struct {
		typ  Type
		size int
	}{
		{TypeCRC32C, 4},
		{TypeXXHash, 8},
		{TypeSHA256, 32},
		{TypeBLAKE2b, 32},
	} {
		assert.Equal(t, tc.size, tc.typ.Size())
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	for _, typ := range []Type{TypeCRC32C, TypeXXHash, TypeSHA256, TypeBLAKE2b} {
		data := []byte("the quick brown fox jumps over the lazy dog")
		sum, err := Sum(typ, data)
		require.NoError(t, err)

		ok, err := Verify(typ, sum, data)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = Verify(typ, sum, append(data, 'x'))
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestSumUnsupportedType(t *testing.T) {
	_, err := Sum(Type(99), []byte("x"))
	assert.Error(t, err)
}
