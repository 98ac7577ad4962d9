package checksum_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/unkn0wn-root/ustack/internal/checksum"
)

func TestSumKnownVector(t *testing.T) {
	// RFC 1071 worked example: 0x0001 0xf203 0xf4f5 0xf6f7, expected ~sum = 0x220d.
	b := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	assert.Equal(t, uint16(0x220d), checksum.Sum(b))
}

func TestSumOddLength(t *testing.T) {
	b := []byte{0xff, 0x00, 0xff}
	got := checksum.Sum(b)
	assert.Equal(t, checksum.Fold(checksum.Accumulate(0, b)), got)
}

func TestSumZeroFlipsEveryBit(t *testing.T) {
	orig := checksum.Sum([]byte{0x45, 0x00, 0x00, 0x28})
	for bit := 0; bit < 8; bit++ {
		b := []byte{0x45 ^ (1 << bit), 0x00, 0x00, 0x28}
		flipped := checksum.Sum(b)
		assert.NotEqual(t, orig, flipped, "flipping bit %d of checksummed input should change the checksum", bit)
	}
}

func TestPseudoHeaderIP4Deterministic(t *testing.T) {
	src := [4]byte{192, 168, 1, 1}
	dst := [4]byte{192, 168, 1, 2}
	a := checksum.PseudoHeaderIP4(src, dst, 6, 20)
	b := checksum.PseudoHeaderIP4(src, dst, 6, 20)
	assert.Equal(t, a, b)
}
