package protocol

import (
	"fmt"

	"github.com/skshohagmiah/packetnet/pkg/neterr"
)

// Resolver reassembles a TCP byte stream into whole frames.
//
// One Resolver belongs to exactly one connection and is driven from that
// connection's receive goroutine only, so it carries no lock.
type Resolver struct {
	scratch  [MaxPacketSize]byte
	position int // bytes accumulated for the current frame
	target   int // bytes needed before the next step (header, then declared size)
}

// NewResolver returns a resolver waiting for a header.
func NewResolver() *Resolver {
	return &Resolver{target: HeaderSize}
}

// Resolve consumes exactly length bytes of buf starting at offset and calls
// onComplete once per finished frame, in arrival order, before returning.
//
// The frame passed to onComplete aliases internal scratch space and is only
// valid for the duration of the call. A declared size outside
// [HeaderSize, MaxPacketSize] returns ResolverInvalidPacketSize; the stream is
// unrecoverable after that and the caller should drop the connection.
func (r *Resolver) Resolve(buf []byte, offset, length int, onComplete func(frame []byte)) error {
	if length <= 0 {
		return nil
	}
	if buf == nil {
		return neterr.PacketDataIsNil
	}
	if offset < 0 || offset > len(buf) || length > len(buf)-offset {
		return neterr.PacketInvalidDataSize
	}
	if r.target == 0 {
		r.target = HeaderSize
	}

	remaining := length
	for remaining > 0 {
		n := r.target - r.position
		if n > remaining {
			n = remaining
		}
		copy(r.scratch[r.position:], buf[offset:offset+n])
		r.position += n
		offset += n
		remaining -= n

		if r.position < r.target {
			// Need more bytes from the next read.
			break
		}

		if r.target == HeaderSize {
			size := DeclaredSize(r.scratch[:HeaderSize])
			if size < HeaderSize || size > MaxPacketSize {
				r.Reset()
				return fmt.Errorf("%w: declared %d", neterr.ResolverInvalidPacketSize, size)
			}
			r.target = size
			if size > HeaderSize {
				continue
			}
		}

		if onComplete != nil {
			onComplete(r.scratch[:r.target])
		}
		r.position = 0
		r.target = HeaderSize
	}
	return nil
}

// Buffered reports how many bytes of a partial frame are held.
func (r *Resolver) Buffered() int { return r.position }

// Reset discards any partial frame.
func (r *Resolver) Reset() {
	r.position = 0
	r.target = HeaderSize
}
