package checksum

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSumKnownVector(t *testing.T) {
	// RFC 1071 worked example.
	b := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	assert.EqualValues(t, ^uint16(0xddf2), Sum(b))
}

func TestSumOddLength(t *testing.T) {
	// Trailing byte is the high half of the last word.
	even := Sum([]byte{0x12, 0x34, 0xab, 0x00})
	odd := Sum([]byte{0x12, 0x34, 0xab})
	assert.Equal(t, even, odd)
}

func TestVerifyRoundTrip(t *testing.T) {
	b := []byte{0xde, 0xad, 0x00, 0x00, 0xbe, 0xef, 0x01}
	ck := Sum(b)
	b[2] = byte(ck >> 8)
	b[3] = byte(ck)
	assert.True(t, Verify(b))
}

func TestVerifySingleBitFlip(t *testing.T) {
	b := make([]byte, 64)
	for i := range b {
		b[i] = byte(i * 7)
	}
	b[2] = 0
	b[3] = 0
	ck := Sum(b)
	b[2] = byte(ck >> 8)
	b[3] = byte(ck)
	assert.True(t, Verify(b))
	for i := range b {
		for bit := 0; bit < 8; bit++ {
			b[i] ^= 1 << bit
			assert.False(t, Verify(b), "flip at byte %d bit %d went undetected", i, bit)
			b[i] ^= 1 << bit
		}
	}
}

func TestVerifyGarbage(t *testing.T) {
	assert.False(t, Verify([]byte{0x01}))
}
