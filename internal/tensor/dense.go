package tensor

import (
	"fmt"
	"slices"
)

// Number is the set of element types a Dense tensor can hold.
type Number interface {
	~int | ~int32 | ~int64 | ~float32 | ~float64
}

// Dense is a contiguous row-major n-dimensional tensor. All operations that
// change shape return a new tensor backed by freshly allocated storage; the
// only views handed out are Data and Row.
type Dense[T Number] struct {
	shape   []int
	strides []int
	data    []T
}

// Zeros allocates a zero filled tensor of the given shape.
func Zeros[T Number](shape ...int) *Dense[T] {
	n := checkShape(shape)
	return &Dense[T]{
		shape:   slices.Clone(shape),
		strides: stridesOf(shape),
		data:    make([]T, n),
	}
}

// Full allocates a tensor of the given shape with every element set to v.
func Full[T Number](v T, shape ...int) *Dense[T] {
	d := Zeros[T](shape...)
	d.Fill(v)
	return d
}

// FromData wraps data (without copying) as a tensor of the given shape.
func FromData[T Number](data []T, shape ...int) *Dense[T] {
	n := checkShape(shape)
	if n != len(data) {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	return &Dense[T]{
		shape:   slices.Clone(shape),
		strides: stridesOf(shape),
		data:    data,
	}
}

// FromRows builds a rank-2 tensor from equal length rows.
func FromRows[T Number](rows [][]T) *Dense[T] {
	if len(rows) == 0 {
		return Zeros[T](0, 0)
	}
	c := len(rows[0])
	d := Zeros[T](len(rows), c)
	for i, r := range rows {
		if len(r) != c {
			panic("tensor: ragged rows")
		}
		copy(d.data[i*c:(i+1)*c], r)
	}
	return d
}

func checkShape(shape []int) int {
	n := 1
	for _, s := range shape {
		if s < 0 {
			panic(fmt.Sprintf("tensor: negative dimension in shape %v", shape))
		}
		n *= s
	}
	return n
}

func stridesOf(shape []int) []int {
	st := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= shape[i]
	}
	return st
}

// Shape returns a copy of the tensor shape.
func (d *Dense[T]) Shape() []int { return slices.Clone(d.shape) }

// Rank returns the number of axes.
func (d *Dense[T]) Rank() int { return len(d.shape) }

// Len returns the total number of elements.
func (d *Dense[T]) Len() int { return len(d.data) }

// Data returns the backing slice.
func (d *Dense[T]) Data() []T { return d.data }

// Dim returns the size of an axis. Negative axes count from the end.
func (d *Dense[T]) Dim(axis int) int {
	return d.shape[d.axis(axis)]
}

func (d *Dense[T]) axis(a int) int {
	if a < 0 {
		a += len(d.shape)
	}
	if a < 0 || a >= len(d.shape) {
		panic(fmt.Sprintf("tensor: axis %d out of range for rank %d", a, len(d.shape)))
	}
	return a
}

func (d *Dense[T]) offset(idx []int) int {
	if len(idx) != len(d.shape) {
		panic(fmt.Sprintf("tensor: %d indices for rank %d", len(idx), len(d.shape)))
	}
	off := 0
	for a, i := range idx {
		if i < 0 {
			i += d.shape[a]
		}
		if i < 0 || i >= d.shape[a] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", idx, d.shape))
		}
		off += i * d.strides[a]
	}
	return off
}

// At returns the element at idx. Negative indices count from the end of
// their axis.
func (d *Dense[T]) At(idx ...int) T { return d.data[d.offset(idx)] }

// Set stores v at idx.
func (d *Dense[T]) Set(v T, idx ...int) { d.data[d.offset(idx)] = v }

// Fill sets every element to v.
func (d *Dense[T]) Fill(v T) {
	for i := range d.data {
		d.data[i] = v
	}
}

// Row returns a mutable view of the i-th slab along axis 0.
func (d *Dense[T]) Row(i int) []T {
	if len(d.shape) == 0 {
		panic("tensor: Row on scalar")
	}
	n := d.strides[0]
	return d.data[i*n : (i+1)*n]
}

// Clone returns a deep copy.
func (d *Dense[T]) Clone() *Dense[T] {
	return &Dense[T]{
		shape:   slices.Clone(d.shape),
		strides: slices.Clone(d.strides),
		data:    slices.Clone(d.data),
	}
}

// Reshape returns a tensor sharing storage with d under a new shape.
func (d *Dense[T]) Reshape(shape ...int) *Dense[T] {
	return FromData(d.data, shape...)
}

// Gather copies the given slabs along axis 0 into a new tensor, in order.
func (d *Dense[T]) Gather(rows []int) *Dense[T] {
	shape := slices.Clone(d.shape)
	shape[0] = len(rows)
	out := Zeros[T](shape...)
	n := d.strides[0]
	for j, r := range rows {
		if r < 0 || r >= d.shape[0] {
			panic(fmt.Sprintf("tensor: gather row %d out of range %d", r, d.shape[0]))
		}
		copy(out.data[j*n:(j+1)*n], d.data[r*n:(r+1)*n])
	}
	return out
}

// Narrow copies the half open range [start, end) of one axis into a new tensor.
func (d *Dense[T]) Narrow(axis, start, end int) *Dense[T] {
	axis = d.axis(axis)
	if start < 0 || end < start || end > d.shape[axis] {
		panic(fmt.Sprintf("tensor: narrow [%d,%d) out of range for axis %d of %v", start, end, axis, d.shape))
	}
	shape := slices.Clone(d.shape)
	shape[axis] = end - start
	out := Zeros[T](shape...)
	inner := d.strides[axis]
	outer := 1
	for _, s := range d.shape[:axis] {
		outer *= s
	}
	srcBlock := d.shape[axis] * inner
	dstBlock := shape[axis] * inner
	for o := 0; o < outer; o++ {
		src := d.data[o*srcBlock+start*inner : o*srcBlock+end*inner]
		copy(out.data[o*dstBlock:(o+1)*dstBlock], src)
	}
	return out
}

// CopyInto writes src into dst with its origin placed at offsets. Both
// tensors must have the same rank; missing offsets are zero.
func CopyInto[T Number](dst, src *Dense[T], offsets ...int) {
	rank := len(dst.shape)
	if len(src.shape) != rank {
		panic(fmt.Sprintf("tensor: copy rank mismatch %v into %v", src.shape, dst.shape))
	}
	if len(offsets) > rank {
		panic("tensor: too many offsets")
	}
	off := make([]int, rank)
	copy(off, offsets)
	for a := range rank {
		if off[a] < 0 || off[a]+src.shape[a] > dst.shape[a] {
			panic(fmt.Sprintf("tensor: copy of %v at %v exceeds %v", src.shape, off, dst.shape))
		}
	}
	if len(src.data) == 0 {
		return
	}
	if rank == 0 {
		dst.data[0] = src.data[0]
		return
	}
	last := rank - 1
	rowLen := src.shape[last]
	idx := make([]int, rank)
	for {
		so, do := 0, 0
		for a := range rank {
			so += idx[a] * src.strides[a]
			do += (idx[a] + off[a]) * dst.strides[a]
		}
		copy(dst.data[do:do+rowLen], src.data[so:so+rowLen])

		a := last - 1
		for ; a >= 0; a-- {
			idx[a]++
			if idx[a] < src.shape[a] {
				break
			}
			idx[a] = 0
		}
		if a < 0 {
			return
		}
	}
}

// TransposeLast2 returns a copy with the two innermost axes swapped.
func (d *Dense[T]) TransposeLast2() *Dense[T] {
	rank := len(d.shape)
	if rank < 2 {
		panic("tensor: transpose requires rank >= 2")
	}
	shape := slices.Clone(d.shape)
	r, c := shape[rank-2], shape[rank-1]
	shape[rank-2], shape[rank-1] = c, r
	out := Zeros[T](shape...)
	plane := r * c
	for base := 0; base < len(d.data); base += plane {
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				out.data[base+j*r+i] = d.data[base+i*c+j]
			}
		}
	}
	return out
}

// Equal reports whether a and b have the same shape and elements.
func Equal[T Number](a, b *Dense[T]) bool {
	if a == nil || b == nil {
		return a == b
	}
	return slices.Equal(a.shape, b.shape) && slices.Equal(a.data, b.data)
}

// String renders the shape, for logging.
func (d *Dense[T]) String() string {
	if d == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Dense%v", d.shape)
}
