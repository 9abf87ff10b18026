// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package blas

import (
	"github.com/gomlx/gpublas/pkg/core/dtypes"
	"github.com/gomlx/gpublas/pkg/core/kernels"
	"github.com/gomlx/gpublas/pkg/decomp"
	"github.com/gomlx/gpublas/pkg/device"
	"github.com/pkg/errors"
	gblas "gonum.org/v1/gonum/blas"
)

// Order of the elements of the matrices of a call.
type Order int

const (
	// ColMajor stores columns contiguously: element (i, j) is at i + j*ld.
	ColMajor Order = iota

	// RowMajor stores rows contiguously: element (i, j) is at i*ld + j.
	RowMajor
)

// The operation modifiers are the ones of the gonum BLAS interface.
type (
	Transpose = gblas.Transpose
	Uplo      = gblas.Uplo
	Diag      = gblas.Diag
	Side      = gblas.Side
)

const (
	NoTrans   = gblas.NoTrans
	Trans     = gblas.Trans
	ConjTrans = gblas.ConjTrans
	Upper     = gblas.Upper
	Lower     = gblas.Lower
	NonUnit   = gblas.NonUnit
	Unit      = gblas.Unit
	Left      = gblas.Left
	Right     = gblas.Right
)

func flipUplo(ul Uplo) Uplo {
	if ul == Upper {
		return Lower
	}
	return Upper
}

func flipSide(side Side) Side {
	if side == Left {
		return Right
	}
	return Left
}

func checkOrder(order Order) error {
	if order != ColMajor && order != RowMajor {
		return errors.Errorf("invalid order %d", order)
	}
	return nil
}

func checkTranspose(name string, t Transpose) error {
	if t != NoTrans && t != Trans && t != ConjTrans {
		return errors.Errorf("invalid transpose %q for %s", rune(t), name)
	}
	return nil
}

func checkUplo(ul Uplo) error {
	if ul != Upper && ul != Lower {
		return errors.Errorf("invalid uplo %q", rune(ul))
	}
	return nil
}

func checkSide(side Side) error {
	if side != Left && side != Right {
		return errors.Errorf("invalid side %q", rune(side))
	}
	return nil
}

func checkSizes(sizes ...int) error {
	for _, size := range sizes {
		if size < 0 {
			return errors.Errorf("negative dimension %d", size)
		}
	}
	return nil
}

// checkMatrix checks that flat holds a column-major rows x cols matrix with leading dimension ld.
func checkMatrix[T any](name string, flat []T, rows, cols, ld int) error {
	if ld < max(1, rows) {
		return errors.Errorf("leading dimension of %s is %d, it must be >= %d", name, ld, max(1, rows))
	}
	if rows == 0 || cols == 0 {
		return nil
	}
	if need := (cols-1)*ld + rows; len(flat) < need {
		return errors.Errorf("%s has %d elements, %d needed for %dx%d with leading dimension %d",
			name, len(flat), need, rows, cols, ld)
	}
	return nil
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// opDims returns the stored dimensions of a matrix whose op() is rows x cols.
func opDims(t Transpose, rows, cols int) (int, int) {
	if t == NoTrans {
		return rows, cols
	}
	return cols, rows
}

// transFlags maps a transpose to the flags of operand A or B.
func transFlags(t Transpose, trans, conj kernels.ExtraFlags) kernels.ExtraFlags {
	switch t {
	case Trans:
		return trans
	case ConjTrans:
		return trans | conj
	}
	return 0
}

func realTranspose(t Transpose) Transpose {
	if t == ConjTrans {
		return Trans
	}
	return t
}

func conjugate[T dtypes.Supported](v T) T {
	switch x := any(v).(type) {
	case complex64:
		return any(complex(real(x), -imag(x))).(T)
	case complex128:
		return any(complex(real(x), -imag(x))).(T)
	}
	return v
}

func realPart[T dtypes.Supported](v T) T {
	switch x := any(v).(type) {
	case complex64:
		return any(complex(real(x), 0)).(T)
	case complex128:
		return any(complex(real(x), 0)).(T)
	}
	return v
}

// scale sets the rows x cols matrix C to beta*C. A zero beta clears C, NaNs included.
func scale[T dtypes.Supported](c []T, rows, cols, ldc int, beta T) {
	var zero T
	for j := range cols {
		col := c[j*ldc : j*ldc+rows]
		if beta == zero {
			clear(col)
			continue
		}
		for i := range col {
			col[i] *= beta
		}
	}
}

// scaleTriangle sets the upper or lower triangle of the n x n matrix C to beta*C. If hermitian,
// the imaginary parts of the diagonal are zeroed.
func scaleTriangle[T dtypes.Supported](c []T, n, ldc int, upper bool, beta T, hermitian bool) {
	var zero T
	for j := range n {
		r0, r1 := j, n
		if upper {
			r0, r1 = 0, j+1
		}
		for i := r0; i < r1; i++ {
			if beta == zero {
				c[i+j*ldc] = zero
			} else {
				c[i+j*ldc] *= beta
			}
		}
		if hermitian {
			c[j+j*ldc] = realPart(c[j+j*ldc])
		}
	}
}

// materialize returns op(B), with B stored as a column-major matrix, as a dense column-major
// rows x cols matrix.
func materialize[T dtypes.Supported](t Transpose, b []T, ldb, rows, cols int) []T {
	out := make([]T, rows*cols)
	for j := range cols {
		for i := range rows {
			v := b[j+i*ldb]
			if t == ConjTrans {
				v = conjugate(v)
			}
			out[i+j*rows] = v
		}
	}
	return out
}

// Gemm computes C = alpha * op(A) * op(B) + beta * C, where op(A) is m x k, op(B) is k x n and C
// is m x n.
func Gemm[T dtypes.Supported](s *Session, order Order, tA, tB Transpose, m, n, k int,
	alpha T, a []T, lda int, b []T, ldb int, beta T, c []T, ldc int) error {
	const routine = "gemm"
	if err := s.checkAlive(routine); err != nil {
		return err
	}
	if err := firstError(checkOrder(order), checkTranspose("A", tA), checkTranspose("B", tB), checkSizes(m, n, k)); err != nil {
		return newError(routine, StageArguments, err)
	}
	if !dtypes.FromGenericsType[T]().IsComplex() {
		// Conjugation is the identity on real values: share the kernel of Trans.
		tA, tB = realTranspose(tA), realTranspose(tB)
	}
	if order == RowMajor {
		// C^T = op(B)^T * op(A)^T, and a row-major matrix is its column-major transpose.
		tA, tB = tB, tA
		a, b = b, a
		lda, ldb = ldb, lda
		m, n = n, m
	}
	rowsA, colsA := opDims(tA, m, k)
	rowsB, colsB := opDims(tB, k, n)
	if err := firstError(
		checkMatrix("A", a, rowsA, colsA, lda),
		checkMatrix("B", b, rowsB, colsB, ldb),
		checkMatrix("C", c, m, n, ldc)); err != nil {
		return newError(routine, StageArguments, err)
	}
	var zero T
	if m == 0 || n == 0 {
		return nil
	}
	if k == 0 || alpha == zero {
		scale(c, m, n, ldc, beta)
		return nil
	}
	if tA != NoTrans && tB != NoTrans {
		// No template reads both operands transposed.
		b = materialize(tB, b, ldb, k, n)
		tB, ldb = NoTrans, k
	}
	shape := decomp.CallShape{
		Family: kernels.FamilyGemm,
		DType:  dtypes.FromGenericsType[T](),
		Flags:  transFlags(tA, kernels.TransA, kernels.ConjA) | transFlags(tB, kernels.TransB, kernels.ConjB),
		M:      m, N: n, K: k,
	}
	return execute(s, routine, shape, [][]T{a, b, c}, func(bufs []device.Buffer) []any {
		return []any{m, n, k, alpha, beta, bufs[0], bufs[1], bufs[2], lda, ldb, ldc, 0, 0, 0}
	})
}

// Trsm solves op(A) * X = alpha * B (side Left) or X * op(A) = alpha * B (side Right) for X,
// overwriting B (m x n). A is triangular, only its uplo triangle is read, and its diagonal is
// taken as ones if diag is Unit.
func Trsm[T dtypes.Supported](s *Session, order Order, side Side, uplo Uplo, tA Transpose, diag Diag, m, n int,
	alpha T, a []T, lda int, b []T, ldb int) error {
	const routine = "trsm"
	if err := s.checkAlive(routine); err != nil {
		return err
	}
	if err := firstError(checkOrder(order), checkSide(side), checkUplo(uplo), checkTranspose("A", tA), checkSizes(m, n)); err != nil {
		return newError(routine, StageArguments, err)
	}
	if diag != Unit && diag != NonUnit {
		return newError(routine, StageArguments, errors.Errorf("invalid diag %q", rune(diag)))
	}
	if order == RowMajor {
		// X^T * op(A)^T = alpha * B^T: the side and the stored triangle flip.
		side, uplo = flipSide(side), flipUplo(uplo)
		m, n = n, m
	}
	orderA := m
	if side == Right {
		orderA = n
	}
	if err := firstError(
		checkMatrix("A", a, orderA, orderA, lda),
		checkMatrix("B", b, m, n, ldb)); err != nil {
		return newError(routine, StageArguments, err)
	}
	var zero T
	if m == 0 || n == 0 {
		return nil
	}
	if alpha == zero {
		scale(b, m, n, ldb, zero)
		return nil
	}
	flags := transFlags(tA, kernels.TransA, kernels.ConjA)
	flags = flags.With(kernels.SideRight, side == Right)
	flags = flags.With(kernels.Upper, uplo == Upper)
	flags = flags.With(kernels.UnitDiag, diag == Unit)
	shape := decomp.CallShape{Family: kernels.FamilyTrsm, DType: dtypes.FromGenericsType[T](), Flags: flags, M: m, N: n}
	return execute(s, routine, shape, [][]T{a, b}, func(bufs []device.Buffer) []any {
		return []any{m, n, alpha, bufs[0], bufs[1], lda, ldb, 0, 0}
	})
}

// Syrk updates the uplo triangle of C (n x n) with alpha * op(A) * op(A)^T + beta * C, where
// op(A) is n x k. trans is NoTrans or Trans (ConjTrans is taken as Trans for real types).
func Syrk[T dtypes.Supported](s *Session, order Order, uplo Uplo, trans Transpose, n, k int,
	alpha T, a []T, lda int, beta T, c []T, ldc int) error {
	if trans == ConjTrans && !dtypes.FromGenericsType[T]().IsComplex() {
		trans = Trans
	}
	return rankK(s, "syrk", false, order, uplo, trans, n, k, alpha, a, lda, beta, c, ldc)
}

// Herk updates the uplo triangle of the Hermitian C (n x n) with alpha * op(A) * op(A)^H + beta * C,
// where op(A) is n x k. trans is NoTrans or ConjTrans. alpha and beta are real: their imaginary
// parts are ignored. The imaginary parts of the diagonal of C are zeroed.
func Herk[T dtypes.Complex](s *Session, order Order, uplo Uplo, trans Transpose, n, k int,
	alpha T, a []T, lda int, beta T, c []T, ldc int) error {
	return rankK(s, "herk", true, order, uplo, trans, n, k, realPart(alpha), a, lda, realPart(beta), c, ldc)
}

func rankK[T dtypes.Supported](s *Session, routine string, hermitian bool, order Order, uplo Uplo, trans Transpose, n, k int,
	alpha T, a []T, lda int, beta T, c []T, ldc int) error {
	if err := s.checkAlive(routine); err != nil {
		return err
	}
	transposed := Trans
	if hermitian {
		transposed = ConjTrans
	}
	if err := firstError(checkOrder(order), checkUplo(uplo), checkSizes(n, k)); err != nil {
		return newError(routine, StageArguments, err)
	}
	if trans != NoTrans && trans != transposed {
		return newError(routine, StageArguments, errors.Errorf("invalid transpose %q, %s takes %q or %q",
			rune(trans), routine, rune(NoTrans), rune(transposed)))
	}
	if order == RowMajor {
		// C^T = op(A^T)^T * op(A^T) for syrk, conj(C) = C^T for herk: the triangle and the
		// transpose flip.
		uplo = flipUplo(uplo)
		if trans == NoTrans {
			trans = transposed
		} else {
			trans = NoTrans
		}
	}
	rowsA, colsA := opDims(trans, n, k)
	if err := firstError(
		checkMatrix("A", a, rowsA, colsA, lda),
		checkMatrix("C", c, n, n, ldc)); err != nil {
		return newError(routine, StageArguments, err)
	}
	var zero T
	if n == 0 {
		return nil
	}
	if k == 0 || alpha == zero {
		scaleTriangle(c, n, ldc, uplo == Upper, beta, hermitian)
		return nil
	}
	var flags kernels.ExtraFlags
	flags = flags.With(kernels.Upper, uplo == Upper)
	flags = flags.With(kernels.TransA, trans != NoTrans)
	flags = flags.With(kernels.ConjA, hermitian)
	shape := decomp.CallShape{Family: kernels.FamilySyrk, DType: dtypes.FromGenericsType[T](), Flags: flags, N: n, K: k}
	return execute(s, routine, shape, [][]T{a, c}, func(bufs []device.Buffer) []any {
		return []any{n, k, alpha, beta, bufs[0], bufs[1], lda, ldc, 0, 0}
	})
}

// Symm computes C = alpha * A * B + beta * C (side Left) or C = alpha * B * A + beta * C (side
// Right), where A is symmetric with only its uplo triangle read, and B and C are m x n.
func Symm[T dtypes.Supported](s *Session, order Order, side Side, uplo Uplo, m, n int,
	alpha T, a []T, lda int, b []T, ldb int, beta T, c []T, ldc int) error {
	return symmetric(s, "symm", false, order, side, uplo, m, n, alpha, a, lda, b, ldb, beta, c, ldc)
}

// Hemm is Symm for a Hermitian A: the imaginary parts of its diagonal are taken as zero.
func Hemm[T dtypes.Complex](s *Session, order Order, side Side, uplo Uplo, m, n int,
	alpha T, a []T, lda int, b []T, ldb int, beta T, c []T, ldc int) error {
	return symmetric(s, "hemm", true, order, side, uplo, m, n, alpha, a, lda, b, ldb, beta, c, ldc)
}

func symmetric[T dtypes.Supported](s *Session, routine string, hermitian bool, order Order, side Side, uplo Uplo, m, n int,
	alpha T, a []T, lda int, b []T, ldb int, beta T, c []T, ldc int) error {
	if err := s.checkAlive(routine); err != nil {
		return err
	}
	if err := firstError(checkOrder(order), checkSide(side), checkUplo(uplo), checkSizes(m, n)); err != nil {
		return newError(routine, StageArguments, err)
	}
	if order == RowMajor {
		// C^T = B^T * A^T, and A^T is symmetric (Hermitian) stored in the other triangle.
		side, uplo = flipSide(side), flipUplo(uplo)
		m, n = n, m
	}
	orderA := m
	if side == Right {
		orderA = n
	}
	if err := firstError(
		checkMatrix("A", a, orderA, orderA, lda),
		checkMatrix("B", b, m, n, ldb),
		checkMatrix("C", c, m, n, ldc)); err != nil {
		return newError(routine, StageArguments, err)
	}
	var zero T
	if m == 0 || n == 0 {
		return nil
	}
	if alpha == zero {
		scale(c, m, n, ldc, beta)
		return nil
	}
	var flags kernels.ExtraFlags
	flags = flags.With(kernels.SideRight, side == Right)
	flags = flags.With(kernels.Upper, uplo == Upper)
	flags = flags.With(kernels.ConjA, hermitian)
	shape := decomp.CallShape{Family: kernels.FamilySymm, DType: dtypes.FromGenericsType[T](), Flags: flags, M: m, N: n}
	return execute(s, routine, shape, [][]T{a, b, c}, func(bufs []device.Buffer) []any {
		return []any{m, n, alpha, beta, bufs[0], bufs[1], bufs[2], lda, ldb, ldc, 0, 0, 0}
	})
}
