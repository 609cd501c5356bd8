package protocol

import (
	"errors"
	"sync"
)

// crcPolynomial is the CRC-32 generator used by the instrument's STM32
// hardware CRC unit. The register starts at all ones, input and output are
// not reflected and there is no final XOR.
const (
	crcPolynomial = 0x04C11DB7
	crcInit       = 0xFFFFFFFF
)

// ErrUnaligned is returned by ChecksumWords when the input is not a whole
// number of 32-bit words.
var ErrUnaligned = errors.New("protocol: crc input length is not a multiple of 4")

var (
	crcTable     [256]uint32
	crcTableOnce sync.Once
)

func init() {
	BuildTable()
}

// BuildTable fills the lookup table. It is safe to call more than once.
func BuildTable() {
	crcTableOnce.Do(func() {
		for i := 0; i < 256; i++ {
			c := uint32(i) << 24
			for bit := 0; bit < 8; bit++ {
				if c&0x80000000 != 0 {
					c = c<<1 ^ crcPolynomial
				} else {
					c <<= 1
				}
			}
			crcTable[i] = c
		}
	})
}

func crcUpdate(crc uint32, b byte) uint32 {
	return crc<<8 ^ crcTable[byte(crc>>24)^b]
}

// Checksum computes the CRC over b in plain byte order.
func Checksum(b []byte) uint32 {
	crc := uint32(crcInit)
	for _, v := range b {
		crc = crcUpdate(crc, v)
	}
	return crc
}

// ChecksumWords computes the CRC the way the instrument does: b is read as
// little-endian 32-bit words and each word is fed most significant byte
// first, i.e. bytes 3, 2, 1, 0 of every group of four.
func ChecksumWords(b []byte) (uint32, error) {
	if len(b)%4 != 0 {
		return 0, ErrUnaligned
	}
	crc := uint32(crcInit)
	for i := 0; i < len(b); i += 4 {
		crc = crcUpdate(crc, b[i+3])
		crc = crcUpdate(crc, b[i+2])
		crc = crcUpdate(crc, b[i+1])
		crc = crcUpdate(crc, b[i])
	}
	return crc, nil
}

// padded returns b zero-extended to the next multiple of 4. The input is
// copied when it needs padding.
func padded(b []byte) []byte {
	n := alignUp(len(b))
	if n == len(b) {
		return b
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func alignUp(n int) int {
	return (n + 3) &^ 3
}

// ChecksumPadded zero-pads b to a whole number of words and returns the
// word-order CRC.
func ChecksumPadded(b []byte) uint32 {
	crc, _ := ChecksumWords(padded(b))
	return crc
}
