// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

// AppendBuffer appends src to dst and returns the resulting buffer.
//
// The slice length of dst is its write position and the slice capacity is the
// space available for writing. When src does not fit into the free space of
// dst, AppendBuffer allocates a new buffer whose capacity is the combined length
// shifted left by shift and copies the already-written bytes into it. A shift
// of one doubles the required capacity, which keeps the amortized cost of many
// small appends linear in the number of bytes.
//
// Bytes already written to dst are never lost. The returned buffer may alias dst.
func AppendBuffer(dst, src []byte, shift uint) []byte {
	if len(src) > cap(dst)-len(dst) {
		size := (len(dst) + len(src)) << shift
		grown := make([]byte, len(dst), size)
		copy(grown, dst)
		dst = grown
	}
	return append(dst, src...)
}

// ResizeBuffer returns a new buffer of at least the given capacity containing
// the written bytes of src.
//
// The capacity never shrinks below len(src).
func ResizeBuffer(src []byte, size int) []byte {
	return AppendBuffer(make([]byte, 0, max(size, len(src))), src, 0)
}

// consumeBuffer removes the first n bytes from buf, moving the remaining
// bytes to the front so that the capacity is reused.
func consumeBuffer(buf []byte, n int) []byte {
	rest := copy(buf, buf[n:])
	return buf[:rest]
}
