// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrFrameTooLarge indicates a frame whose length exceeds the configured maximum.
var ErrFrameTooLarge = errors.New("frame too large")

// FrameFilterFactory creates [*FrameFilter] instances.
type FrameFilterFactory struct {
	// PrefixSize is the size in bytes of the big-endian length prefix: either 2 or 4.
	//
	// Set by [NewFrameFilterFactory] to the user-provided value.
	PrefixSize int

	// MaxFrameSize is the maximum payload length of a frame.
	//
	// Set by [NewFrameFilterFactory] to the largest value representable
	// with the prefix, capped to 1<<24 for 4-byte prefixes.
	MaxFrameSize int
}

// NewFrameFilterFactory returns a new [*FrameFilterFactory].
//
// The prefixSize argument must be 2 or 4; any other value panics.
func NewFrameFilterFactory(prefixSize int) *FrameFilterFactory {
	switch prefixSize {
	case 2:
		return &FrameFilterFactory{PrefixSize: 2, MaxFrameSize: 1<<16 - 1}
	case 4:
		return &FrameFilterFactory{PrefixSize: 4, MaxFrameSize: 1 << 24}
	default:
		panic(fmt.Sprintf("pipenet: invalid frame prefix size: %d", prefixSize))
	}
}

var _ FilterFactory[[]byte, []byte] = &FrameFilterFactory{}

// NewFilter implements [FilterFactory].
func (ff *FrameFilterFactory) NewFilter(fc FilterContext) (OobFilter[[]byte, []byte], error) {
	return &FrameFilter{maxSize: ff.MaxFrameSize, prefixSize: ff.PrefixSize}, nil
}

// FrameFilter splits a byte stream into length-prefixed frames and back.
//
// Inbound, partial frames are kept across calls until complete. Outbound,
// every unit becomes exactly one frame.
type FrameFilter struct {
	maxSize    int
	pending    []byte
	prefixSize int
}

var _ OobFilter[[]byte, []byte] = &FrameFilter{}

// ApplyInbound implements [Filter].
func (f *FrameFilter) ApplyInbound(in Source[[]byte], out Sink[[]byte]) error {
	for {
		data, ok := in.Poll()
		if !ok {
			break
		}
		f.pending = AppendBuffer(f.pending, data, 1)
	}
	offset := 0
	for len(f.pending)-offset >= f.prefixSize {
		wireSize := f.readPrefix(f.pending[offset:])
		if wireSize > uint64(f.maxSize) {
			f.pending = nil
			return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, wireSize)
		}
		size := int(wireSize)
		if len(f.pending)-offset-f.prefixSize < size {
			break
		}
		start := offset + f.prefixSize
		out.Push(append([]byte{}, f.pending[start:start+size]...))
		offset = start + size
	}
	f.pending = consumeBuffer(f.pending, offset)
	return nil
}

// ApplyOutbound implements [Filter].
func (f *FrameFilter) ApplyOutbound(in Source[[]byte], out Sink[[]byte]) error {
	for {
		data, ok := in.Poll()
		if !ok {
			return nil
		}
		if len(data) > f.maxSize {
			return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
		}
		frame := make([]byte, f.prefixSize, f.prefixSize+len(data))
		f.writePrefix(frame, len(data))
		out.Push(append(frame, data...))
	}
}

// ApplyInboundOob implements [OobFilter].
func (f *FrameFilter) ApplyInboundOob(in Source[*OobEvent], out Sink[*OobEvent]) error {
	Transfer(in, out)
	return nil
}

// ApplyOutboundOob implements [OobFilter].
func (f *FrameFilter) ApplyOutboundOob(in Source[*OobEvent], out Sink[*OobEvent]) error {
	Transfer(in, out)
	return nil
}

// readPrefix returns the frame size, kept unsigned so that a four-byte
// prefix never wraps around on 32-bit platforms.
func (f *FrameFilter) readPrefix(buf []byte) uint64 {
	if f.prefixSize == 2 {
		return uint64(binary.BigEndian.Uint16(buf))
	}
	return uint64(binary.BigEndian.Uint32(buf))
}

func (f *FrameFilter) writePrefix(buf []byte, size int) {
	if f.prefixSize == 2 {
		binary.BigEndian.PutUint16(buf, uint16(size))
		return
	}
	binary.BigEndian.PutUint32(buf, uint32(size))
}
