// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hostdev

import (
	"strings"

	"github.com/gomlx/gpublas/pkg/core/dtypes"
	"github.com/gomlx/gpublas/pkg/device"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
)

// launch holds the parameters of one kernel execution.
type launch struct {
	ctx    *Context
	kernel *Kernel
	nd     device.NDRange
	args   []any
}

// executor is the host implementation of a kernel, called once per Enqueue.
type executor func(l *launch) error

// ProbeEntryPoint is the name of the strided-read micro-benchmark kernel.
const ProbeEntryPoint = "probe_stride_read"

// newExecutor finds the host implementation for the entry point.
//
// BLAS entry points are named "<prefix><family>_<variant>", e.g. "sgemm_nt" or "zherk_lc", where
// prefix is the dtype's BLAS prefix. The kernel's #define switches (TRANS_A, CONJ_A, ...) and tile
// sizes (WG_TILE_Y, WG_TILE_X) complete the description.
func newExecutor(entryPoint string, program *Program) (executor, error) {
	if entryPoint == ProbeEntryPoint {
		return probeExecutor, nil
	}
	if len(entryPoint) < 2 {
		return nil, errors.Errorf("unknown kernel %q", entryPoint)
	}
	dtype, err := dtypes.FromName(entryPoint[:1])
	if err != nil || !dtype.IsBLAS() {
		return nil, errors.Errorf("unknown dtype prefix in kernel name %q", entryPoint)
	}
	family, variant, found := strings.Cut(entryPoint[1:], "_")
	if !found || len(variant) != 2 {
		return nil, errors.Errorf("kernel name %q is not formatted as <prefix><family>_<variant>", entryPoint)
	}
	switch dtype {
	case dtypes.Float32:
		return newBLASExecutor[float32](family, variant, program)
	case dtypes.Float64:
		return newBLASExecutor[float64](family, variant, program)
	case dtypes.Complex64:
		return newBLASExecutor[complex64](family, variant, program)
	default:
		return newBLASExecutor[complex128](family, variant, program)
	}
}

// kernelConfig holds what the executors read from the kernel name and the program macros.
type kernelConfig struct {
	tileY, tileX int
	first        byte // First letter of the variant.
	second       byte // Second letter of the variant.
	transA       bool
	conjA        bool
	conjB        bool
	unitDiag     bool
}

func newBLASExecutor[T dtypes.Supported](family, variant string, program *Program) (executor, error) {
	var cfg kernelConfig
	var err error
	if cfg.tileY, err = program.IntMacro("WG_TILE_Y"); err != nil {
		return nil, err
	}
	if cfg.tileX, err = program.IntMacro("WG_TILE_X"); err != nil {
		return nil, err
	}
	if cfg.tileY <= 0 || cfg.tileX <= 0 {
		return nil, errors.Errorf("invalid work-group tile %dx%d", cfg.tileY, cfg.tileX)
	}
	cfg.first, cfg.second = variant[0], variant[1]
	cfg.transA = program.Defined("TRANS_A")
	cfg.conjA = program.Defined("CONJ_A")
	cfg.conjB = program.Defined("CONJ_B")
	cfg.unitDiag = program.Defined("UNIT_DIAG")
	ops := colMajor[T]{gonumOpsFor[T]()}

	valid := func(firsts, seconds string) error {
		if !strings.ContainsRune(firsts, rune(cfg.first)) || !strings.ContainsRune(seconds, rune(cfg.second)) {
			return errors.Errorf("unknown %s variant %q", family, variant)
		}
		return nil
	}
	switch family {
	case "gemm":
		if err := valid("nt", "nt"); err != nil {
			return nil, err
		}
		return func(l *launch) error { return runGemm(ops, cfg, l) }, nil
	case "trsm":
		if err := valid("lr", "ul"); err != nil {
			return nil, err
		}
		return func(l *launch) error { return runTrsm(ops, cfg, l) }, nil
	case "syrk", "herk":
		hermitian := family == "herk"
		seconds := "nt"
		if hermitian {
			seconds = "nc"
		}
		if err := valid("ul", seconds); err != nil {
			return nil, err
		}
		return func(l *launch) error { return runSyrk(ops, cfg, hermitian, l) }, nil
	case "symm", "hemm":
		if err := valid("lr", "ul"); err != nil {
			return nil, err
		}
		hermitian := family == "hemm"
		return func(l *launch) error { return runSymm(ops, cfg, hermitian, l) }, nil
	}
	return nil, errors.Errorf("unknown kernel family %q", family)
}

// argReader consumes the arguments of a launch in order.
type argReader struct {
	args []any
	pos  int
	err  error
}

func (r *argReader) next(what string) any {
	if r.err != nil {
		return nil
	}
	if r.pos >= len(r.args) {
		r.err = errors.Errorf("missing argument #%d (%s): only %d given", r.pos, what, len(r.args))
		return nil
	}
	arg := r.args[r.pos]
	r.pos++
	return arg
}

func (r *argReader) integer(what string) int {
	arg := r.next(what)
	if r.err != nil {
		return 0
	}
	v, ok := arg.(int)
	if !ok {
		r.err = errors.Errorf("argument #%d (%s) must be an int, got %T", r.pos-1, what, arg)
	}
	return v
}

func (r *argReader) done() error {
	if r.err == nil && r.pos != len(r.args) {
		r.err = errors.Errorf("kernel takes %d arguments, %d given", r.pos, len(r.args))
	}
	return r.err
}

func argScalar[T dtypes.Supported](r *argReader, what string) T {
	arg := r.next(what)
	if r.err != nil {
		var zero T
		return zero
	}
	v, ok := arg.(T)
	if !ok {
		r.err = errors.Errorf("argument #%d (%s) must be a %s, got %T", r.pos-1, what, dtypes.FromGenericsType[T](), arg)
	}
	return v
}

func argFlat[T dtypes.Supported](r *argReader, what string) []T {
	arg := r.next(what)
	if r.err != nil {
		return nil
	}
	buf, ok := arg.(*Buffer)
	if !ok {
		r.err = errors.Errorf("argument #%d (%s) must be a buffer, got %T", r.pos-1, what, arg)
		return nil
	}
	if buf.released.Load() {
		r.err = errors.Errorf("argument #%d (%s) is a released buffer", r.pos-1, what)
		return nil
	}
	flat, ok := buf.flat.([]T)
	if !ok {
		var zero T
		r.err = errors.Errorf("argument #%d (%s) must be a buffer of %T, got %s", r.pos-1, what, zero, buf.dtype)
	}
	return flat
}

// checkMatrix checks that flat holds a column-major rows x cols matrix starting at offset.
func checkMatrix[T any](name string, flat []T, offset, rows, cols, ld int) error {
	if ld < max(1, rows) {
		return errors.Errorf("leading dimension of %s is %d < %d rows", name, ld, rows)
	}
	if offset < 0 {
		return errors.Errorf("negative offset %d for %s", offset, name)
	}
	if rows == 0 || cols == 0 {
		return nil
	}
	if need := offset + ld*(cols-1) + rows; len(flat) < need {
		return errors.Errorf("buffer of %s has %d elements, %d needed", name, len(flat), need)
	}
	return nil
}

// coverage checks that numGroups tiles cover extent.
func coverage(axis string, numGroups, tile, extent int) error {
	if numGroups*tile < extent {
		return errors.Errorf("NDRange does not cover %s: %d groups of %d < %d", axis, numGroups, tile, extent)
	}
	return nil
}

func transpose(trans, conj bool) blas.Transpose {
	switch {
	case !trans:
		return blas.NoTrans
	case conj:
		return blas.ConjTrans
	default:
		return blas.Trans
	}
}

func uplo(upper bool) blas.Uplo {
	if upper {
		return blas.Upper
	}
	return blas.Lower
}

func runGemm[T dtypes.Supported](ops colMajor[T], cfg kernelConfig, l *launch) error {
	r := &argReader{args: l.args}
	m, n, k := r.integer("M"), r.integer("N"), r.integer("K")
	alpha, beta := argScalar[T](r, "alpha"), argScalar[T](r, "beta")
	a, b, c := argFlat[T](r, "A"), argFlat[T](r, "B"), argFlat[T](r, "C")
	lda, ldb, ldc := r.integer("lda"), r.integer("ldb"), r.integer("ldc")
	offA, offB, offC := r.integer("offA"), r.integer("offB"), r.integer("offC")
	if err := r.done(); err != nil {
		return err
	}
	tA := transpose(cfg.first == 't', cfg.conjA)
	tB := transpose(cfg.second == 't', cfg.conjB)
	rowsA, colsA := m, k
	if tA != blas.NoTrans {
		rowsA, colsA = k, m
	}
	rowsB, colsB := k, n
	if tB != blas.NoTrans {
		rowsB, colsB = n, k
	}
	if err := firstError(
		checkMatrix("A", a, offA, rowsA, colsA, lda),
		checkMatrix("B", b, offB, rowsB, colsB, ldb),
		checkMatrix("C", c, offC, m, n, ldc)); err != nil {
		return err
	}
	groups := l.nd.NumGroups()
	if err := firstError(
		coverage("M", groups[0], cfg.tileY, m),
		coverage("N", groups[1], cfg.tileX, n)); err != nil {
		return err
	}
	return l.runGroups(func(group int) error {
		r0, c0 := (group%groups[0])*cfg.tileY, (group/groups[0])*cfg.tileX
		if r0 >= m || c0 >= n {
			return nil
		}
		r1, c1 := min(m, r0+cfg.tileY), min(n, c0+cfg.tileX)
		subA := offA + r0
		if tA != blas.NoTrans {
			subA = offA + r0*lda
		}
		subB := offB + c0*ldb
		if tB != blas.NoTrans {
			subB = offB + c0
		}
		ops.gemm(tA, tB, r1-r0, c1-c0, k, alpha, from(a, subA), lda, from(b, subB), ldb, beta, from(c, offC+r0+c0*ldc), ldc)
		return nil
	})
}

func runTrsm[T dtypes.Supported](ops colMajor[T], cfg kernelConfig, l *launch) error {
	r := &argReader{args: l.args}
	m, n := r.integer("M"), r.integer("N")
	alpha := argScalar[T](r, "alpha")
	a, b := argFlat[T](r, "A"), argFlat[T](r, "B")
	lda, ldb := r.integer("lda"), r.integer("ldb")
	offA, offB := r.integer("offA"), r.integer("offB")
	if err := r.done(); err != nil {
		return err
	}
	side := blas.Left
	order := m
	if cfg.first == 'r' {
		side = blas.Right
		order = n
	}
	// The variant names the triangle of op(A): with TRANS_A the stored triangle is the other one.
	upper := cfg.second == 'u'
	if cfg.transA {
		upper = !upper
	}
	tA := transpose(cfg.transA, cfg.conjA)
	diag := blas.NonUnit
	if cfg.unitDiag {
		diag = blas.Unit
	}
	if err := firstError(
		checkMatrix("A", a, offA, order, order, lda),
		checkMatrix("B", b, offB, m, n, ldb)); err != nil {
		return err
	}
	groups := l.nd.NumGroups()
	numGroups := groups[0] * groups[1]
	if side == blas.Left {
		// Columns of B are independent.
		if err := coverage("N", numGroups, cfg.tileX, n); err != nil {
			return err
		}
		return l.runGroups(func(group int) error {
			c0 := group * cfg.tileX
			if c0 >= n {
				return nil
			}
			c1 := min(n, c0+cfg.tileX)
			ops.trsm(side, uplo(upper), tA, diag, m, c1-c0, alpha, from(a, offA), lda, from(b, offB+c0*ldb), ldb)
			return nil
		})
	}
	// Rows of B are independent.
	if err := coverage("M", numGroups, cfg.tileY, m); err != nil {
		return err
	}
	return l.runGroups(func(group int) error {
		r0 := group * cfg.tileY
		if r0 >= m {
			return nil
		}
		r1 := min(m, r0+cfg.tileY)
		ops.trsm(side, uplo(upper), tA, diag, r1-r0, n, alpha, from(a, offA), lda, from(b, offB+r0), ldb)
		return nil
	})
}

func runSyrk[T dtypes.Supported](ops colMajor[T], cfg kernelConfig, hermitian bool, l *launch) error {
	r := &argReader{args: l.args}
	n, k := r.integer("N"), r.integer("K")
	alpha, beta := argScalar[T](r, "alpha"), argScalar[T](r, "beta")
	a, c := argFlat[T](r, "A"), argFlat[T](r, "C")
	lda, ldc := r.integer("lda"), r.integer("ldc")
	offA, offC := r.integer("offA"), r.integer("offC")
	if err := r.done(); err != nil {
		return err
	}
	upper := cfg.first == 'u'
	trans := cfg.second != 'n'
	transOp := blas.Trans
	if hermitian {
		transOp = blas.ConjTrans
		alpha, beta = realPart(alpha), realPart(beta)
	}
	rowsA, colsA := n, k
	if trans {
		rowsA, colsA = k, n
	}
	if err := firstError(
		checkMatrix("A", a, offA, rowsA, colsA, lda),
		checkMatrix("C", c, offC, n, n, ldc)); err != nil {
		return err
	}
	groups := l.nd.NumGroups()
	numGroups := groups[0] * groups[1]
	if err := coverage("N", numGroups, cfg.tileX, n); err != nil {
		return err
	}
	// rowsOf returns the offset in A of the rows [i, ...) of op(A).
	rowsOf := func(i int) int {
		if trans {
			return offA + i*lda
		}
		return offA + i
	}
	return l.runGroups(func(group int) error {
		c0 := group * cfg.tileX
		if c0 >= n {
			return nil
		}
		c1 := min(n, c0+cfg.tileX)
		tr := blas.NoTrans
		if trans {
			tr = transOp
		}
		// Diagonal block.
		ops.syrk(uplo(upper), tr, hermitian, c1-c0, k, alpha, from(a, rowsOf(c0)), lda, beta, from(c, offC+c0+c0*ldc), ldc)

		// Off-diagonal rectangle of the column block: rows [r0, r1).
		r0, r1 := 0, c0
		if !upper {
			r0, r1 = c1, n
		}
		if r1 <= r0 {
			return nil
		}
		tA, tB := blas.NoTrans, transOp
		if trans {
			tA, tB = transOp, blas.NoTrans
		}
		ops.gemm(tA, tB, r1-r0, c1-c0, k, alpha, from(a, rowsOf(r0)), lda, from(a, rowsOf(c0)), lda, beta, from(c, offC+r0+c0*ldc), ldc)
		return nil
	})
}

func runSymm[T dtypes.Supported](ops colMajor[T], cfg kernelConfig, hermitian bool, l *launch) error {
	r := &argReader{args: l.args}
	m, n := r.integer("M"), r.integer("N")
	alpha, beta := argScalar[T](r, "alpha"), argScalar[T](r, "beta")
	a, b, c := argFlat[T](r, "A"), argFlat[T](r, "B"), argFlat[T](r, "C")
	lda, ldb, ldc := r.integer("lda"), r.integer("ldb"), r.integer("ldc")
	offA, offB, offC := r.integer("offA"), r.integer("offB"), r.integer("offC")
	if err := r.done(); err != nil {
		return err
	}
	side := blas.Left
	order := m
	if cfg.first == 'r' {
		side = blas.Right
		order = n
	}
	ul := uplo(cfg.second == 'u')
	if err := firstError(
		checkMatrix("A", a, offA, order, order, lda),
		checkMatrix("B", b, offB, m, n, ldb),
		checkMatrix("C", c, offC, m, n, ldc)); err != nil {
		return err
	}
	groups := l.nd.NumGroups()
	numGroups := groups[0] * groups[1]
	if side == blas.Left {
		if err := coverage("N", numGroups, cfg.tileX, n); err != nil {
			return err
		}
		return l.runGroups(func(group int) error {
			c0 := group * cfg.tileX
			if c0 >= n {
				return nil
			}
			c1 := min(n, c0+cfg.tileX)
			ops.symm(side, ul, hermitian, m, c1-c0, alpha, from(a, offA), lda, from(b, offB+c0*ldb), ldb, beta, from(c, offC+c0*ldc), ldc)
			return nil
		})
	}
	if err := coverage("M", numGroups, cfg.tileY, m); err != nil {
		return err
	}
	return l.runGroups(func(group int) error {
		r0 := group * cfg.tileY
		if r0 >= m {
			return nil
		}
		r1 := min(m, r0+cfg.tileY)
		ops.symm(side, ul, hermitian, r1-r0, n, alpha, from(a, offA), lda, from(b, offB+r0), ldb, beta, from(c, offC+r0), ldc)
		return nil
	})
}

// probeExecutor runs the strided-read micro-benchmark: arguments are (n, stride, iterations,
// src, dst). It reads src[0:n:stride] iterations times and stores the sum in dst[0], so the
// reads cannot be optimized away.
func probeExecutor(l *launch) error {
	r := &argReader{args: l.args}
	n, stride, iterations := r.integer("n"), r.integer("stride"), r.integer("iterations")
	src, dst := argFlat[float32](r, "src"), argFlat[float32](r, "dst")
	if err := r.done(); err != nil {
		return err
	}
	if n > len(src) || stride <= 0 || len(dst) == 0 {
		return errors.Errorf("invalid probe arguments n=%d, stride=%d, len(src)=%d, len(dst)=%d", n, stride, len(src), len(dst))
	}
	var sum float32
	for range iterations {
		for idx := 0; idx < n; idx += stride {
			sum += src[idx]
		}
	}
	dst[0] = sum
	return nil
}

// from returns flat[offset:], or an empty slice if offset is past its end.
func from[T any](flat []T, offset int) []T {
	return flat[min(offset, len(flat)):]
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// realPart returns v with its imaginary part zeroed.
func realPart[T dtypes.Supported](v T) T {
	switch x := any(v).(type) {
	case complex64:
		return any(complex(real(x), 0)).(T)
	case complex128:
		return any(complex(real(x), 0)).(T)
	}
	return v
}
