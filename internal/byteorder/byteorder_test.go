package byteorder_test

import (
	"math"
	"testing"

	"github.com/blukai/arenarelay/internal/byteorder"
	"github.com/matryer/is"
)

func TestHtonlNtohl(t *testing.T) {
	is := is.New(t)

	is.Equal(byteorder.Htonl(1), []byte{0, 0, 0, 1})
	is.Equal(byteorder.Htonl(0x01020304), []byte{1, 2, 3, 4})

	for _, v := range []uint32{0, 1, 255, 256, 65535, math.MaxUint32} {
		is.Equal(byteorder.Ntohl(byteorder.Htonl(v)), v)
	}

	// only the first 4 bytes are read
	is.Equal(byteorder.Ntohl([]byte{0xde, 0xad, 0xbe, 0xef, 0, 0}), uint32(0xdeadbeef))
}
