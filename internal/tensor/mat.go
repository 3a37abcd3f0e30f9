package tensor

import "math/rand/v2"

// Mat is a row-major float32 matrix used for model weights. Stride equals C
// for every matrix built by this package.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a zeroed r x c matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("tensor: negative matrix dimension")
	}
	return Mat{R: r, C: c, Stride: c, Data: make([]float32, r*c)}
}

// NewMatFromData views data as an r x c matrix without copying.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("tensor: matrix data length mismatch")
	}
	return Mat{R: r, C: c, Stride: c, Data: data}
}

// MatFromDense views the last two axes of a rank-2 or rank-3 float32 tensor
// as a matrix. For rank 3 the leading index selects the matrix.
func MatFromDense(d *Dense[float32], lead int) Mat {
	switch d.Rank() {
	case 2:
		return NewMatFromData(d.Dim(0), d.Dim(1), d.Data())
	case 3:
		r, c := d.Dim(1), d.Dim(2)
		off := lead * r * c
		return NewMatFromData(r, c, d.Data()[off:off+r*c])
	default:
		panic("tensor: matrix view requires rank 2 or 3")
	}
}

// Row returns row i as a slice sharing the matrix storage.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("tensor: row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// FillRand fills m with values uniform in [-scale/2, scale/2). The same
// seed always yields the same matrix.
func FillRand(m *Mat, seed int64, scale float32) {
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x5851f42d4c957f2d))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * scale
	}
}
