// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hostdev

import (
	"github.com/gomlx/gpublas/pkg/core/dtypes"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/gonum"
)

// gonumOps are the row-major gonum routines used by the executors, for one dtype.
//
// For real dtypes herk and hemm are the same as syrk and symm.
type gonumOps[T dtypes.Supported] struct {
	gemm func(tA, tB blas.Transpose, m, n, k int, alpha T, a []T, lda int, b []T, ldb int, beta T, c []T, ldc int)
	trsm func(s blas.Side, ul blas.Uplo, tA blas.Transpose, d blas.Diag, m, n int, alpha T, a []T, lda int, b []T, ldb int)
	syrk func(ul blas.Uplo, tA blas.Transpose, n, k int, alpha T, a []T, lda int, beta T, c []T, ldc int)
	herk func(ul blas.Uplo, tA blas.Transpose, n, k int, alpha T, a []T, lda int, beta T, c []T, ldc int)
	symm func(s blas.Side, ul blas.Uplo, m, n int, alpha T, a []T, lda int, b []T, ldb int, beta T, c []T, ldc int)
	hemm func(s blas.Side, ul blas.Uplo, m, n int, alpha T, a []T, lda int, b []T, ldb int, beta T, c []T, ldc int)
}

var impl gonum.Implementation

func gonumOpsFor[T dtypes.Supported]() gonumOps[T] {
	var zero T
	var ops any
	switch any(zero).(type) {
	case float32:
		ops = gonumOps[float32]{
			gemm: impl.Sgemm, trsm: impl.Strsm,
			syrk: impl.Ssyrk, herk: impl.Ssyrk,
			symm: impl.Ssymm, hemm: impl.Ssymm,
		}
	case float64:
		ops = gonumOps[float64]{
			gemm: impl.Dgemm, trsm: impl.Dtrsm,
			syrk: impl.Dsyrk, herk: impl.Dsyrk,
			symm: impl.Dsymm, hemm: impl.Dsymm,
		}
	case complex64:
		ops = gonumOps[complex64]{
			gemm: impl.Cgemm, trsm: impl.Ctrsm,
			syrk: impl.Csyrk,
			herk: func(ul blas.Uplo, tA blas.Transpose, n, k int, alpha complex64, a []complex64, lda int, beta complex64, c []complex64, ldc int) {
				impl.Cherk(ul, tA, n, k, real(alpha), a, lda, real(beta), c, ldc)
			},
			symm: impl.Csymm, hemm: impl.Chemm,
		}
	case complex128:
		ops = gonumOps[complex128]{
			gemm: impl.Zgemm, trsm: impl.Ztrsm,
			syrk: impl.Zsyrk,
			herk: func(ul blas.Uplo, tA blas.Transpose, n, k int, alpha complex128, a []complex128, lda int, beta complex128, c []complex128, ldc int) {
				impl.Zherk(ul, tA, n, k, real(alpha), a, lda, real(beta), c, ldc)
			},
			symm: impl.Zsymm, hemm: impl.Zhemm,
		}
	}
	return ops.(gonumOps[T])
}

// colMajor exposes the gonum routines for column-major operands.
//
// A column-major matrix with leading dimension ld is, read row-major with stride ld, its
// transpose. So every call is rewritten on the transposed problem: operands of products swap,
// sides and triangles flip, and for SYRK/HERK the transposition of A flips.
type colMajor[T dtypes.Supported] struct {
	ops gonumOps[T]
}

func flipUplo(ul blas.Uplo) blas.Uplo {
	if ul == blas.Upper {
		return blas.Lower
	}
	return blas.Upper
}

func flipSide(s blas.Side) blas.Side {
	if s == blas.Left {
		return blas.Right
	}
	return blas.Left
}

// gemm computes C = alpha * op(A) * op(B) + beta * C, with C m x n.
func (cm colMajor[T]) gemm(tA, tB blas.Transpose, m, n, k int, alpha T, a []T, lda int, b []T, ldb int, beta T, c []T, ldc int) {
	cm.ops.gemm(tB, tA, n, m, k, alpha, b, ldb, a, lda, beta, c, ldc)
}

// trsm solves op(A) * X = alpha * B (left) or X * op(A) = alpha * B (right), B is m x n.
func (cm colMajor[T]) trsm(s blas.Side, ul blas.Uplo, tA blas.Transpose, d blas.Diag, m, n int, alpha T, a []T, lda int, b []T, ldb int) {
	cm.ops.trsm(flipSide(s), flipUplo(ul), tA, d, n, m, alpha, a, lda, b, ldb)
}

// syrk computes the ul triangle of C = alpha * op(A) * op(A)^T + beta * C, or of the Hermitian
// version if hermitian is set (then tA is NoTrans or ConjTrans).
func (cm colMajor[T]) syrk(ul blas.Uplo, tA blas.Transpose, hermitian bool, n, k int, alpha T, a []T, lda int, beta T, c []T, ldc int) {
	fn, transOp := cm.ops.syrk, blas.Trans
	if hermitian {
		fn, transOp = cm.ops.herk, blas.ConjTrans
	}
	flipped := transOp
	if tA != blas.NoTrans {
		flipped = blas.NoTrans
	}
	fn(flipUplo(ul), flipped, n, k, alpha, a, lda, beta, c, ldc)
}

// symm computes C = alpha * A * B + beta * C (left) or C = alpha * B * A + beta * C (right), with
// A symmetric (or Hermitian) and C m x n.
func (cm colMajor[T]) symm(s blas.Side, ul blas.Uplo, hermitian bool, m, n int, alpha T, a []T, lda int, b []T, ldb int, beta T, c []T, ldc int) {
	fn := cm.ops.symm
	if hermitian {
		fn = cm.ops.hemm
	}
	fn(flipSide(s), flipUplo(ul), n, m, alpha, a, lda, b, ldb, beta, c, ldc)
}
