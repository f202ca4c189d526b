// Package segment implements the TCP segment header codec: the external,
// pure-function collaborator the transport core reads and writes segments
// through. It never inspects connection state.
package segment

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/utkarshp/usertcp/pkg/common"
)

// HeaderLen is the fixed TCP header length this implementation produces and
// expects to parse up to; options in received segments are skipped via
// DataOffset, never decoded.
const HeaderLen = 20

// MSS is the maximum payload this implementation places in a single
// segment. Real MSS negotiation (an option exchanged during the handshake)
// is out of scope; this is a fixed codec-level cap.
const MSS = 1460

// Flags used by this implementation. RST, PSH, URG and the ECN bits exist
// on the wire but are neither produced nor interpreted here.
const (
	FlagFIN uint8 = 1 << 0
	FlagSYN uint8 = 1 << 1
	FlagACK uint8 = 1 << 4
)

// Header is the read-only view of a segment's fixed fields the core acts on.
type Header struct {
	SrcPort    uint16
	DstPort    uint16
	Seq        uint32
	Ack        uint32
	DataOffset uint8 // header length in 32-bit words
	Flags      uint8
	Window     uint16
	Checksum   uint16
	Urgent     uint16
}

// HasFlag reports whether the given flag bit is set.
func (h Header) HasFlag(f uint8) bool { return h.Flags&f != 0 }

// ReadHeader parses a segment's header fields from raw bytes. It does not
// validate the checksum; call CalcChecksum separately.
func ReadHeader(raw []byte) (Header, error) {
	if len(raw) < HeaderLen {
		return Header{}, errors.Errorf("segment too short: %d bytes (minimum %d)", len(raw), HeaderLen)
	}

	h := Header{
		SrcPort: binary.BigEndian.Uint16(raw[0:2]),
		DstPort: binary.BigEndian.Uint16(raw[2:4]),
		Seq:     binary.BigEndian.Uint32(raw[4:8]),
		Ack:     binary.BigEndian.Uint32(raw[8:12]),
	}
	h.DataOffset = raw[12] >> 4
	h.Flags = raw[13]
	h.Window = binary.BigEndian.Uint16(raw[14:16])
	h.Checksum = binary.BigEndian.Uint16(raw[16:18])
	h.Urgent = binary.BigEndian.Uint16(raw[18:20])

	if h.DataOffset < 5 {
		return Header{}, errors.Errorf("invalid data offset: %d (minimum 5)", h.DataOffset)
	}
	if int(h.DataOffset)*4 > len(raw) {
		return Header{}, errors.Errorf("segment too short for declared header length: %d bytes, header claims %d", len(raw), int(h.DataOffset)*4)
	}

	return h, nil
}

// Payload returns the bytes after the declared header length, i.e.
// raw[4*data_offset:].
func Payload(raw []byte, h Header) []byte {
	off := int(h.DataOffset) * 4
	if off >= len(raw) {
		return nil
	}
	return raw[off:]
}

// MakeHeader serializes src/dst ports, sequence/ack numbers, flags, and a
// window size into a HeaderLen-byte header followed by payload. The
// checksum field is left zero; call FixChecksum to fill it in.
func MakeHeader(srcPort, dstPort uint16, seq, ack uint32, flags uint8, window uint16, payload []byte) []byte {
	buf := make([]byte, HeaderLen+len(payload))

	binary.BigEndian.PutUint16(buf[0:2], srcPort)
	binary.BigEndian.PutUint16(buf[2:4], dstPort)
	binary.BigEndian.PutUint32(buf[4:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], ack)
	buf[12] = 5 << 4 // data offset = 5 words, no options
	buf[13] = flags
	binary.BigEndian.PutUint16(buf[14:16], window)
	// buf[16:18] checksum left zero
	binary.BigEndian.PutUint16(buf[18:20], 0)

	copy(buf[HeaderLen:], payload)
	return buf
}

// CalcChecksum computes the TCP checksum of segment (including its current
// checksum field) over the pseudo-header built from src/dst addresses. A
// return of 0 means the checksum currently present in segment is valid.
func CalcChecksum(segment []byte, src, dst common.IPv4Address) uint16 {
	return common.Checksum(pseudoHeader(src, dst, len(segment), segment))
}

// ValidChecksum reports whether segment's checksum field is correct for its
// current contents, as seen over the wire between src and dst.
func ValidChecksum(segment []byte, src, dst common.IPv4Address) bool {
	return common.ValidChecksum(pseudoHeader(src, dst, len(segment), segment))
}

// FixChecksum zeroes segment's checksum field, recomputes it over the
// pseudo-header, and writes the result back in, returning the same slice.
func FixChecksum(segment []byte, src, dst common.IPv4Address) []byte {
	if len(segment) >= HeaderLen {
		binary.BigEndian.PutUint16(segment[16:18], 0)
	}
	sum := common.Checksum(pseudoHeader(src, dst, len(segment), segment))
	if len(segment) >= HeaderLen {
		binary.BigEndian.PutUint16(segment[16:18], sum)
	}
	return segment
}

// pseudoHeader concatenates the RFC 793 TCP pseudo-header (source address,
// destination address, zero byte, protocol, TCP length) with segment for
// checksum computation.
func pseudoHeader(src, dst common.IPv4Address, tcpLen int, segment []byte) []byte {
	buf := make([]byte, 12+len(segment))
	copy(buf[0:4], src[:])
	copy(buf[4:8], dst[:])
	buf[8] = 0
	buf[9] = uint8(common.ProtocolTCP)
	binary.BigEndian.PutUint16(buf[10:12], uint16(tcpLen))
	copy(buf[12:], segment)
	return buf
}
