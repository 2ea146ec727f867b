// Package pathbuf provides a fixed-capacity byte buffer for in-place path
// surgery. The observer runs inside arbitrary traced processes, sometimes from
// contexts where growing allocations are not safe, so every operation here
// works over a single backing array allocated once; anything that would exceed
// the capacity returns ErrOverflow instead of reallocating.
package pathbuf

import "errors"

// ErrOverflow is returned when an operation would exceed the buffer capacity.
var ErrOverflow = errors.New("pathbuf: capacity exceeded")

// MaxPath is the default buffer capacity, matching the platform PATH_MAX.
const MaxPath = 4096

// Buf is a bounded, mutable byte buffer. The zero value is not usable; use New.
type Buf struct {
	b []byte
	n int
}

// New returns an empty buffer with the given fixed capacity.
func New(capacity int) *Buf {
	return &Buf{b: make([]byte, capacity)}
}

// NewString returns a buffer of the given capacity initialized to s.
func NewString(capacity int, s string) (*Buf, error) {
	b := New(capacity)
	if err := b.SetString(s); err != nil {
		return nil, err
	}
	return b, nil
}

// Len reports the logical length.
func (b *Buf) Len() int { return b.n }

// Cap reports the fixed capacity.
func (b *Buf) Cap() int { return len(b.b) }

// String returns the current contents as a string.
func (b *Buf) String() string { return string(b.b[:b.n]) }

// Prefix returns the contents up to (but not including) index i.
func (b *Buf) Prefix(i int) string { return string(b.b[:i]) }

// At returns the byte at index i.
func (b *Buf) At(i int) byte { return b.b[i] }

// SetString replaces the contents with s.
func (b *Buf) SetString(s string) error {
	if len(s) > len(b.b) {
		return ErrOverflow
	}
	b.n = copy(b.b, s)
	return nil
}

// Reset empties the buffer without releasing the backing array.
func (b *Buf) Reset() { b.n = 0 }

// Append appends s to the current contents.
func (b *Buf) Append(s string) error {
	if b.n+len(s) > len(b.b) {
		return ErrOverflow
	}
	b.n += copy(b.b[b.n:], s)
	return nil
}

// AppendByte appends a single byte.
func (b *Buf) AppendByte(c byte) error {
	if b.n+1 > len(b.b) {
		return ErrOverflow
	}
	b.b[b.n] = c
	b.n++
	return nil
}

// ShiftLeft moves the tail starting at index from left by n bytes, shrinking
// the logical length by n. It eliminates the n bytes immediately before from.
func (b *Buf) ShiftLeft(from, n int) {
	copy(b.b[from-n:], b.b[from:b.n])
	b.n -= n
}

// PrevSlash returns the index of the last '/' strictly before index i.
// The buffer is assumed to hold an absolute path, so index 0 is a slash.
func (b *Buf) PrevSlash(i int) int {
	for i--; i > 0 && b.b[i] != '/'; i-- {
	}
	return i
}

// SpliceFrom replaces everything from index i onward with s.
func (b *Buf) SpliceFrom(i int, s string) error {
	if i+len(s) > len(b.b) {
		return ErrOverflow
	}
	b.n = i + copy(b.b[i:], s)
	return nil
}

// Copy copies src into dst, truncating to fit and reporting the number of
// bytes copied. It is the bounded-copy analog used where an error return is
// not wanted and truncation is acceptable.
func Copy(dst []byte, src string) int {
	return copy(dst, src)
}
