package byteorder

import (
	"encoding/binary"
)

// https://linux.die.net/man/3/ntohl

// decrypt names:
// h = host
// n = network
// l = long = 32 bit

func Htonl(val uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, val)
	return buf
}

func Ntohl(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf)
}
