package protocol

import (
	"encoding/binary"

	"github.com/skshohagmiah/packetnet/pkg/neterr"
)

// Wire format
//
// Every packet is a single bounded frame:
// [2 bytes: Size][1 byte: Option][1 byte: Sequence][4 bytes: Protocol][Payload]
//
// All header fields are big-endian regardless of host byte order.
//
//   Size     - total frame length including the 8-byte header
//   Option   - flag bits reserved for extensions (compression, system markers)
//   Sequence - advisory ordering tag, never enforced by the transport
//   Protocol - application message-type discriminator
//
// MaxPacketSize keeps a frame under a typical path MTU.

const (
	MaxPacketSize    = 1440
	HeaderSize       = 8
	MaxPayloadSize   = MaxPacketSize - HeaderSize
	SocketBufferSize = MaxPacketSize * 2

	sizeOffset     = 0
	optionOffset   = 2
	sequenceOffset = 3
	protocolOffset = 4
	payloadOffset  = HeaderSize
)

// Option flag bits. The core carries them but never interprets them.
const (
	OptionCompressed uint8 = 1 << 0
	OptionXOR        uint8 = 1 << 1
	OptionSystem     uint8 = 1 << 7
)

// Packet is a fixed-capacity frame buffer with typed header accessors.
// Packets are reusable values: Reset clears the header only.
type Packet struct {
	// SenderIndex is the session id a received packet came from (0 = none).
	SenderIndex int32

	buf [MaxPacketSize]byte
}

// NewPacket returns a header-only packet with protocol 0.
func NewPacket() *Packet {
	p := &Packet{}
	p.setSize(HeaderSize)
	return p
}

// NewPacketWithProtocol returns a header-only packet carrying protocol id.
func NewPacketWithProtocol(id int32) *Packet {
	p := NewPacket()
	p.setProtocol(id)
	return p
}

// NewPacketWithData returns a packet carrying protocol id and the first n
// bytes of data.
func NewPacketWithData(id int32, data []byte, n int) (*Packet, error) {
	p := &Packet{}
	if err := p.Set(id, data, n); err != nil {
		return nil, err
	}
	return p, nil
}

// FromReceived builds a packet from length bytes of buf starting at offset.
func FromReceived(buf []byte, offset, length int) (*Packet, error) {
	p := &Packet{}
	if err := p.CopyReceived(buf, offset, length); err != nil {
		return nil, err
	}
	return p, nil
}

// Set writes the protocol id and the first n bytes of data as payload and
// recomputes the size. On error the packet is left header-only.
func (p *Packet) Set(id int32, data []byte, n int) error {
	p.setProtocol(id)
	p.setSize(HeaderSize)
	return p.SetPayload(data, n)
}

// SetPayload replaces the payload with the first n bytes of data, keeping the
// protocol id, option and sequence.
func (p *Packet) SetPayload(data []byte, n int) error {
	if n < 0 {
		return neterr.PacketInvalidDataSize
	}
	if n > MaxPayloadSize {
		return neterr.PacketDataTooLarge
	}
	if n > 0 {
		if data == nil {
			return neterr.PacketDataIsNil
		}
		if n > len(data) {
			return neterr.PacketInvalidDataSize
		}
		copy(p.buf[payloadOffset:], data[:n])
	}
	p.setSize(HeaderSize + n)
	return nil
}

// CopyReceived overwrites the packet with length bytes of buf starting at
// offset. The range must lie inside buf and length must be a legal frame size.
func (p *Packet) CopyReceived(buf []byte, offset, length int) error {
	if buf == nil {
		return neterr.PacketDataIsNil
	}
	if offset < 0 || length < 0 || offset > len(buf) || length > len(buf)-offset {
		return neterr.PacketInvalidDataSize
	}
	if length < HeaderSize {
		return neterr.PacketInvalidDataSize
	}
	if length > MaxPacketSize {
		return neterr.PacketDataTooLarge
	}
	copy(p.buf[:], buf[offset:offset+length])
	return nil
}

// Size returns the declared total frame size.
func (p *Packet) Size() int {
	return int(binary.BigEndian.Uint16(p.buf[sizeOffset:]))
}

// Option returns the option flag byte.
func (p *Packet) Option() uint8 { return p.buf[optionOffset] }

// HasOption reports whether all bits of flag are set.
func (p *Packet) HasOption(flag uint8) bool { return p.buf[optionOffset]&flag == flag }

// SetOption turns the bits of flag on or off.
func (p *Packet) SetOption(flag uint8, on bool) {
	if on {
		p.buf[optionOffset] |= flag
	} else {
		p.buf[optionOffset] &^= flag
	}
}

// Sequence returns the advisory sequence tag.
func (p *Packet) Sequence() uint8 { return p.buf[sequenceOffset] }

// SetSequence sets the advisory sequence tag.
func (p *Packet) SetSequence(seq uint8) { p.buf[sequenceOffset] = seq }

// Protocol returns the application message-type id.
func (p *Packet) Protocol() int32 {
	return int32(binary.BigEndian.Uint32(p.buf[protocolOffset:]))
}

// PayloadSize returns Size minus the header, or 0 when the declared size is
// outside the legal range.
func (p *Packet) PayloadSize() int {
	n := p.Size() - HeaderSize
	if n < 0 || n > MaxPayloadSize {
		return 0
	}
	return n
}

// Payload returns a view of the payload bytes. The slice aliases the packet.
func (p *Packet) Payload() []byte {
	return p.buf[payloadOffset : payloadOffset+p.PayloadSize()]
}

// Bytes returns a view of the wire frame. The slice aliases the packet.
func (p *Packet) Bytes() []byte {
	n := p.Size()
	if n < HeaderSize || n > MaxPacketSize {
		n = HeaderSize
	}
	return p.buf[:n]
}

// Reset zeroes the header and SenderIndex for reuse. Payload bytes are left
// in place.
func (p *Packet) Reset() {
	p.SenderIndex = 0
	clear(p.buf[:HeaderSize])
}

// Copy returns an independent duplicate including SenderIndex.
func (p *Packet) Copy() *Packet {
	c := *p
	return &c
}

func (p *Packet) setSize(n int) {
	binary.BigEndian.PutUint16(p.buf[sizeOffset:], uint16(n))
}

func (p *Packet) setProtocol(id int32) {
	binary.BigEndian.PutUint32(p.buf[protocolOffset:], uint32(id))
}

// DeclaredSize reads the size field from a raw header. header must hold at
// least HeaderSize bytes.
func DeclaredSize(header []byte) int {
	return int(binary.BigEndian.Uint16(header[sizeOffset:]))
}
