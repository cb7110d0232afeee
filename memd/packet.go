package memd

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	// HeaderLen is the fixed packet header size.
	HeaderLen = 24

	// DefaultMaxFrame bounds the total packet size accepted by the codec.
	DefaultMaxFrame = 20 << 20

	// MaxKeyLen is the longest document key the protocol permits.
	MaxKeyLen = 250
)

var (
	// ErrNeedMore: the buffer holds less than one complete packet. Nothing
	// was consumed; call again with more bytes.
	ErrNeedMore = errors.New("memd: need more data")

	ErrBadMagic      = errors.New("memd: bad magic")
	ErrFrameTooLarge = errors.New("memd: frame exceeds maximum size")
	ErrKeyTooLong    = errors.New("memd: key exceeds 250 bytes")
	ErrFrameExtras   = errors.New("memd: frame extras too large for framed header")
)

// Packet is one decoded protocol frame. For requests the 16-bit field at
// offset 6 is the vbucket; for responses it is the status. Body layout is
// frame extras || extras || key || value.
type Packet struct {
	Magic    Magic
	Op       OpCode
	Datatype uint8
	Status   Status
	VBucket  uint16
	Opaque   uint32
	CAS      uint64

	Extras      []byte
	Key         []byte
	Value       []byte
	FrameExtras []byte
}

func (p *Packet) bodyLen() int {
	return len(p.FrameExtras) + len(p.Extras) + len(p.Key) + len(p.Value)
}

// AppendPacket serializes p onto dst and returns the extended slice, so a
// caller can reuse one scratch buffer across frames. Framed magics store
// the frame-extras length in the upper key byte; plain magics must not
// carry frame extras.
func AppendPacket(dst []byte, p *Packet) ([]byte, error) {
	if len(p.Key) > MaxKeyLen {
		return dst, ErrKeyTooLong
	}
	if len(p.FrameExtras) > 0 && !p.Magic.IsFramed() {
		return dst, ErrFrameExtras
	}
	if p.Magic.IsFramed() && len(p.FrameExtras) > 0xff {
		return dst, ErrFrameExtras
	}

	body := p.bodyLen()
	base := len(dst)
	dst = append(dst, make([]byte, HeaderLen)...)
	buf := dst[base:]
	buf[0] = byte(p.Magic)
	buf[1] = byte(p.Op)
	if p.Magic.IsFramed() {
		buf[2] = byte(len(p.FrameExtras))
		buf[3] = byte(len(p.Key))
	} else {
		binary.BigEndian.PutUint16(buf[2:], uint16(len(p.Key)))
	}
	buf[4] = byte(len(p.Extras))
	buf[5] = p.Datatype
	if p.Magic.IsRequest() || p.Magic == MagicServerReq {
		binary.BigEndian.PutUint16(buf[6:], p.VBucket)
	} else {
		binary.BigEndian.PutUint16(buf[6:], uint16(p.Status))
	}
	binary.BigEndian.PutUint32(buf[8:], uint32(body))
	binary.BigEndian.PutUint32(buf[12:], p.Opaque)
	binary.BigEndian.PutUint64(buf[16:], p.CAS)

	dst = append(dst, p.FrameExtras...)
	dst = append(dst, p.Extras...)
	dst = append(dst, p.Key...)
	dst = append(dst, p.Value...)
	return dst, nil
}

// EncodePacket serializes p into a fresh buffer.
func EncodePacket(p *Packet) ([]byte, error) {
	return AppendPacket(make([]byte, 0, HeaderLen+p.bodyLen()), p)
}

// DecodePacket parses one packet from the front of buf and returns the
// number of bytes consumed. Short input yields (nil, 0, ErrNeedMore) with
// nothing consumed, so callers can accumulate and retry.
func DecodePacket(buf []byte, maxFrame int) (*Packet, int, error) {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	if len(buf) < HeaderLen {
		return nil, 0, ErrNeedMore
	}

	magic := Magic(buf[0])
	switch magic {
	case MagicReq, MagicRes, MagicReqFramed, MagicResFramed, MagicServerReq:
	default:
		return nil, 0, ErrBadMagic
	}

	var frameLen, keyLen int
	if magic.IsFramed() {
		frameLen = int(buf[2])
		keyLen = int(buf[3])
	} else {
		keyLen = int(binary.BigEndian.Uint16(buf[2:]))
	}
	extrasLen := int(buf[4])
	bodyLen := int(binary.BigEndian.Uint32(buf[8:]))

	if HeaderLen+bodyLen > maxFrame {
		return nil, 0, ErrFrameTooLarge
	}
	if frameLen+extrasLen+keyLen > bodyLen {
		return nil, 0, ErrBadMagic
	}
	if len(buf) < HeaderLen+bodyLen {
		return nil, 0, ErrNeedMore
	}

	pkt := &Packet{
		Magic:    magic,
		Op:       OpCode(buf[1]),
		Datatype: buf[5],
		Opaque:   binary.BigEndian.Uint32(buf[12:]),
		CAS:      binary.BigEndian.Uint64(buf[16:]),
	}
	if magic.IsRequest() || magic == MagicServerReq {
		pkt.VBucket = binary.BigEndian.Uint16(buf[6:])
	} else {
		pkt.Status = Status(binary.BigEndian.Uint16(buf[6:]))
	}

	body := buf[HeaderLen : HeaderLen+bodyLen]
	off := 0
	if frameLen > 0 {
		pkt.FrameExtras = append([]byte(nil), body[off:off+frameLen]...)
		off += frameLen
	}
	if extrasLen > 0 {
		pkt.Extras = append([]byte(nil), body[off:off+extrasLen]...)
		off += extrasLen
	}
	if keyLen > 0 {
		pkt.Key = append([]byte(nil), body[off:off+keyLen]...)
		off += keyLen
	}
	if off < bodyLen {
		pkt.Value = append([]byte(nil), body[off:]...)
	}
	return pkt, HeaderLen + bodyLen, nil
}

// ReadPacket reads exactly one packet from r. Used by the connection read
// loop where the stream position is owned by a single goroutine.
func ReadPacket(r io.Reader, maxFrame int) (*Packet, error) {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	bodyLen := int(binary.BigEndian.Uint32(hdr[8:]))
	if HeaderLen+bodyLen > maxFrame {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, HeaderLen+bodyLen)
	copy(buf, hdr[:])
	if _, err := io.ReadFull(r, buf[HeaderLen:]); err != nil {
		return nil, err
	}

	pkt, _, err := DecodePacket(buf, maxFrame)
	return pkt, err
}
