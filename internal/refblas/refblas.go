// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package refblas has naive, column-major, reference implementations of the level 3 routines,
// used by tests to check the results of the kernels. They are not meant to be fast.
package refblas

import (
	"math/rand/v2"

	"github.com/gomlx/gpublas/pkg/core/dtypes"
)

// Op is the operation applied to a matrix operand.
type Op int

const (
	NoTrans Op = iota
	Trans
	ConjTrans
)

func conj[T dtypes.Supported](v T) T {
	switch x := any(v).(type) {
	case complex64:
		return any(complex(real(x), -imag(x))).(T)
	case complex128:
		return any(complex(real(x), -imag(x))).(T)
	}
	return v
}

// at returns op(A)[i, j] of a column-major A.
func at[T dtypes.Supported](a []T, lda int, op Op, i, j int) T {
	switch op {
	case Trans:
		return a[j+i*lda]
	case ConjTrans:
		return conj(a[j+i*lda])
	}
	return a[i+j*lda]
}

// Gemm computes C = alpha * op(A) * op(B) + beta * C, with C m x n and K the inner dimension.
func Gemm[T dtypes.Supported](opA, opB Op, m, n, k int, alpha T, a []T, lda int, b []T, ldb int, beta T, c []T, ldc int) {
	for j := range n {
		for i := range m {
			var sum T
			for l := range k {
				sum += at(a, lda, opA, i, l) * at(b, ldb, opB, l, j)
			}
			c[i+j*ldc] = alpha*sum + beta*c[i+j*ldc]
		}
	}
}

// triangular returns op(A)[i, j] of a triangular matrix stored in the upper or lower triangle.
func triangular[T dtypes.Supported](a []T, lda int, upper bool, op Op, unit bool, i, j int) T {
	if i == j && unit {
		return T(1)
	}
	// Indices in the stored matrix.
	si, sj := i, j
	if op != NoTrans {
		si, sj = j, i
	}
	if (upper && si > sj) || (!upper && si < sj) {
		return T(0)
	}
	return at(a, lda, op, i, j)
}

// Trsm solves op(A) * X = alpha * B (left) or X * op(A) = alpha * B (right) overwriting B (m x n)
// with X. A is triangular, stored in its upper or lower triangle.
func Trsm[T dtypes.Supported](left, upper bool, op Op, unit bool, m, n int, alpha T, a []T, lda int, b []T, ldb int) {
	get := func(i, j int) T { return triangular(a, lda, upper, op, unit, i, j) }
	// Whether op(A) is upper triangular.
	opUpper := upper == (op == NoTrans)
	for j := range n {
		for i := range m {
			b[i+j*ldb] *= alpha
		}
	}
	if left {
		// Solve column by column.
		for j := range n {
			col := b[j*ldb:]
			if opUpper {
				for i := m - 1; i >= 0; i-- {
					sum := col[i]
					for l := i + 1; l < m; l++ {
						sum -= get(i, l) * col[l]
					}
					col[i] = sum / get(i, i)
				}
			} else {
				for i := range m {
					sum := col[i]
					for l := range i {
						sum -= get(i, l) * col[l]
					}
					col[i] = sum / get(i, i)
				}
			}
		}
		return
	}
	// Right side: X * op(A) = B, solve row by row; X[i, j] depends on X[i, l] for l before j in
	// the order of op(A).
	for i := range m {
		if opUpper {
			for j := range n {
				sum := b[i+j*ldb]
				for l := range j {
					sum -= b[i+l*ldb] * get(l, j)
				}
				b[i+j*ldb] = sum / get(j, j)
			}
		} else {
			for j := n - 1; j >= 0; j-- {
				sum := b[i+j*ldb]
				for l := j + 1; l < n; l++ {
					sum -= b[i+l*ldb] * get(l, j)
				}
				b[i+j*ldb] = sum / get(j, j)
			}
		}
	}
}

// Syrk updates the upper or lower triangle of C (n x n) with alpha * op(A) * op(A)^T + beta * C,
// where op(A) is n x k. If hermitian, the product is op(A) * op(A)^H (op is NoTrans or ConjTrans),
// alpha and beta are taken as real, and the imaginary parts of the diagonal are zeroed.
func Syrk[T dtypes.Supported](upper bool, op Op, hermitian bool, n, k int, alpha T, a []T, lda int, beta T, c []T, ldc int) {
	second := Trans
	if hermitian {
		second = ConjTrans
		alpha, beta = realOnly(alpha), realOnly(beta)
	}
	// op(A)^T (or ^H) of element [l, j] is conj?(op(A)[j, l]).
	for j := range n {
		for i := range n {
			if (upper && i > j) || (!upper && i < j) {
				continue
			}
			var sum T
			for l := range k {
				right := at(a, lda, op, j, l)
				if second == ConjTrans {
					right = conj(right)
				}
				sum += at(a, lda, op, i, l) * right
			}
			v := alpha*sum + beta*c[i+j*ldc]
			if hermitian && i == j {
				v = realOnly(v)
			}
			c[i+j*ldc] = v
		}
	}
}

// Symm computes C = alpha * A * B + beta * C (left) or alpha * B * A + beta * C (right), where A is
// symmetric (or Hermitian) and only its upper or lower triangle is read. C and B are m x n.
func Symm[T dtypes.Supported](left, upper, hermitian bool, m, n int, alpha T, a []T, lda int, b []T, ldb int, beta T, c []T, ldc int) {
	full := func(i, j int) T {
		if (upper && i <= j) || (!upper && i >= j) {
			v := a[i+j*lda]
			if hermitian && i == j {
				v = realOnly(v)
			}
			return v
		}
		v := a[j+i*lda]
		if hermitian {
			v = conj(v)
		}
		return v
	}
	for j := range n {
		for i := range m {
			var sum T
			if left {
				for l := range m {
					sum += full(i, l) * b[l+j*ldb]
				}
			} else {
				for l := range n {
					sum += b[i+l*ldb] * full(l, j)
				}
			}
			c[i+j*ldc] = alpha*sum + beta*c[i+j*ldc]
		}
	}
}

func realOnly[T dtypes.Supported](v T) T {
	switch x := any(v).(type) {
	case complex64:
		return any(complex(real(x), 0)).(T)
	case complex128:
		return any(complex(real(x), 0)).(T)
	}
	return v
}

// fromFloat converts a real value to T.
func fromFloat[T dtypes.Supported](f float64) T {
	var v any
	switch any(T(0)).(type) {
	case float32:
		v = float32(f)
	case float64:
		v = f
	case complex64:
		v = complex(float32(f), 0)
	case complex128:
		v = complex(f, 0)
	}
	return v.(T)
}

// Random returns a slice of n random values in [-1, 1) (real and imaginary parts).
func Random[T dtypes.Supported](rng *rand.Rand, n int) []T {
	out := make([]T, n)
	for ii := range out {
		re, im := 2*rng.Float64()-1, 2*rng.Float64()-1
		var v any
		switch any(out[ii]).(type) {
		case float32:
			v = float32(re)
		case float64:
			v = re
		case complex64:
			v = complex(float32(re), float32(im))
		case complex128:
			v = complex(re, im)
		}
		out[ii] = v.(T)
	}
	return out
}

// WellConditionedTriangular returns a random column-major order x order matrix (leading dimension
// lda) whose diagonal is dominant, so triangular solves are stable.
func WellConditionedTriangular[T dtypes.Supported](rng *rand.Rand, order, lda int) []T {
	a := Random[T](rng, lda*order)
	for ii := range order {
		a[ii+ii*lda] += fromFloat[T](float64(order) + 2)
	}
	return a
}
