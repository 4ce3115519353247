package rmi

import (
	"encoding/binary"

	"github.com/sarchlab/activemsg/fabric"
)

// HeaderLen is the number of bytes at the front of every message buffer that
// belong to the transport. Handlers see them too; payload starts after them.
const HeaderLen = 16

// Attr is the attribute word of a message. The low 16 bits hold flags; for
// ordered messages the high 16 bits carry the sequence count.
type Attr uint32

// Attributes accepted by Isend.
const (
	AttrUnordered Attr = 0
	AttrOrdered   Attr = 1
)

const attrFlagsMask Attr = 0xffff

// IsOrdered reports whether the ordered flag is set.
func (a Attr) IsOrdered() bool {
	return a&AttrOrdered != 0
}

// Count returns the sequence count.
func (a Attr) Count() uint16 {
	return uint16(a >> 16)
}

func (a Attr) flags() Attr {
	return a & attrFlagsMask
}

func (a Attr) withCount(count uint16) Attr {
	return a.flags() | Attr(count)<<16
}

// PutHeader writes the handler and attribute word into the front of buf.
func PutHeader(buf []byte, h HandlerID, attr Attr) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(attr))
	binary.LittleEndian.PutUint32(buf[12:16], 0)
}

// ReadHeader reads the handler and attribute word from the front of buf.
func ReadHeader(buf []byte) (HandlerID, Attr) {
	h := HandlerID(binary.LittleEndian.Uint64(buf[0:8]))
	attr := Attr(binary.LittleEndian.Uint32(buf[8:12]))

	return h, attr
}

// Payload returns the bytes of msg that follow the header.
func Payload(msg []byte) []byte {
	return msg[HeaderLen:]
}

// NewMessage allocates a message buffer with room for the header followed by
// payloadLen bytes.
func NewMessage(payloadLen int) []byte {
	return make([]byte, HeaderLen+payloadLen)
}

// announceLen is the length of a huge message announcement: the header, the
// sender rank and the payload length.
const announceLen = HeaderLen + 16

// ackLen is the length of a huge message acknowledgment.
const ackLen = 4

func encodeAnnounce(buf []byte, src fabric.Rank, nbyte int) {
	binary.LittleEndian.PutUint64(buf[HeaderLen:HeaderLen+8], uint64(src))
	binary.LittleEndian.PutUint64(buf[HeaderLen+8:HeaderLen+16], uint64(nbyte))
}

func decodeAnnounce(buf []byte) (src fabric.Rank, nbyte int, ok bool) {
	if len(buf) < announceLen {
		return 0, 0, false
	}

	src = fabric.Rank(binary.LittleEndian.Uint64(buf[HeaderLen : HeaderLen+8]))
	n := binary.LittleEndian.Uint64(buf[HeaderLen+8 : HeaderLen+16])

	if n > uint64(maxHugeLen) {
		return src, 0, false
	}

	return src, int(n), true
}

// maxHugeLen bounds the size of a single huge message.
const maxHugeLen = fabric.MaxMessageLen
