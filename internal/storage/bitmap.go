package storage

import "math/bits"

// Bitmap is a dense set of object numbers.
type Bitmap struct {
	words []uint64
}

// NewBitmap returns an empty bitmap.
func NewBitmap() *Bitmap {
	return &Bitmap{}
}

// Set adds n to the set. Negative numbers are ignored.
func (b *Bitmap) Set(n int64) {
	if n < 0 {
		return
	}
	w := int(n / 64)
	for len(b.words) <= w {
		b.words = append(b.words, 0)
	}
	b.words[w] |= 1 << uint(n%64)
}

// Clear removes n from the set.
func (b *Bitmap) Clear(n int64) {
	if n < 0 || int(n/64) >= len(b.words) {
		return
	}
	b.words[n/64] &^= 1 << uint(n%64)
}

// Has reports whether n is in the set.
func (b *Bitmap) Has(n int64) bool {
	if n < 0 || int(n/64) >= len(b.words) {
		return false
	}
	return b.words[n/64]&(1<<uint(n%64)) != 0
}

// Len returns the number of members.
func (b *Bitmap) Len() int {
	c := 0
	for _, w := range b.words {
		c += bits.OnesCount64(w)
	}
	return c
}

// Max returns the largest member, or -1 for an empty set.
func (b *Bitmap) Max() int64 {
	for i := len(b.words) - 1; i >= 0; i-- {
		if w := b.words[i]; w != 0 {
			return int64(i)*64 + int64(63-bits.LeadingZeros64(w))
		}
	}
	return -1
}

// Members returns all members in ascending order.
func (b *Bitmap) Members() []int64 {
	var out []int64
	for i, w := range b.words {
		for w != 0 {
			t := bits.TrailingZeros64(w)
			out = append(out, int64(i)*64+int64(t))
			w &^= 1 << uint(t)
		}
	}
	return out
}
