package tensor

import (
	"math"
	"slices"
)

// Add accumulates src into dst.
func Add(dst, src []float32) {
	for i, v := range src[:len(dst)] {
		dst[i] += v
	}
}

// Dot is the inner product of a and b[:len(a)].
func Dot(a, b []float32) float32 {
	var sum float32
	for i, v := range a {
		sum += v * b[i]
	}
	return sum
}

// MatVec computes dst = w * x. dst must have length w.R and x length w.C.
func MatVec(dst []float32, w *Mat, x []float32) {
	if len(dst) < w.R || len(x) < w.C {
		panic("tensor: MatVec dimension mismatch")
	}
	for r := range w.R {
		dst[r] = Dot(w.Row(r), x[:w.C])
	}
}

// Softmax normalises x in place. Masked (-Inf) entries become 0.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := slices.Max(x)
	if math.IsInf(float64(maxv), -1) {
		clear(x)
		return
	}
	var sum float64
	for i, v := range x {
		e := math.Exp(float64(v - maxv))
		x[i] = float32(e)
		sum += e
	}
	inv := float32(1 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// LogSoftmax writes log(softmax(x)) into dst. dst and x may alias.
// Entries equal to -Inf stay -Inf.
func LogSoftmax(dst, x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := float32(math.Inf(-1))
	for _, v := range x {
		if v > maxv {
			maxv = v
		}
	}
	if math.IsInf(float64(maxv), -1) {
		for i := range x {
			dst[i] = float32(math.Inf(-1))
		}
		return
	}
	var sum float64
	for _, v := range x {
		sum += math.Exp(float64(v - maxv))
	}
	lse := float64(maxv) + math.Log(sum)
	for i, v := range x {
		dst[i] = float32(float64(v) - lse)
	}
}

// ApplyRoPE rotates consecutive feature pairs of each of nHead heads in x
// by pos times the matching inverse frequency.
func ApplyRoPE(x []float32, nHead, headDim, pos int, invFreq []float64) {
	if headDim%2 != 0 {
		panic("tensor: RoPE needs an even head dim")
	}
	for h := range nHead {
		head := x[h*headDim : (h+1)*headDim]
		for i, f := range invFreq[:headDim/2] {
			sin, cos := math.Sincos(float64(pos) * f)
			a, b := head[2*i], head[2*i+1]
			head[2*i] = a*float32(cos) - b*float32(sin)
			head[2*i+1] = a*float32(sin) + b*float32(cos)
		}
	}
}

// RoPEFrequencies returns the inverse frequencies for a head dimension.
func RoPEFrequencies(headDim int, theta float64) []float64 {
	out := make([]float64, headDim/2)
	for i := range out {
		out[i] = 1.0 / math.Pow(theta, float64(2*i)/float64(headDim))
	}
	return out
}
