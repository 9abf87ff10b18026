// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kgen

// Kernel templates.
//
// Placeholders are "%" followed by an upper-case name, replaced verbatim by the generator.
// The modulo operator is always followed by a space so it is never mistaken for one.

// template is the source of one variant: a header with the variant-specific access macros and
// helpers, and the family body shared by the variants.
type template struct {
	header, body string
}

// realArithmetic is the prologue fragment of real dtypes.
var realArithmetic = `
#define ZERO %ZERO
#define MUL(a, b) ((a) * (b))
#ifdef USE_FMA
#define MAD(acc, a, b) fma(a, b, acc)
#else
#define MAD(acc, a, b) ((acc) + (a) * (b))
#endif
#define MSUB(acc, a, b) MAD(acc, -(a), b)
#define DIV(a, b) ((a) / (b))
#define CONJ(a) (a)
#define REAL_DIAG(a) (a)
`

// complexArithmetic is the prologue fragment of complex dtypes: elements are stored as
// (real, imaginary) vectors of two components.
var complexArithmetic = `
#define ZERO %ZERO
#define MUL(a, b) ((%TYPE)((a).x * (b).x - (a).y * (b).y, (a).x * (b).y + (a).y * (b).x))
#ifdef USE_FMA
#define MAD(acc, a, b) ((%TYPE)(fma((a).x, (b).x, fma(-(a).y, (b).y, (acc).x)), fma((a).x, (b).y, fma((a).y, (b).x, (acc).y))))
#else
#define MAD(acc, a, b) ((acc) + MUL(a, b))
#endif
#define MSUB(acc, a, b) ((acc) - MUL(a, b))
#define DIV(a, b) cdiv(a, b)
#define CONJ(a) ((%TYPE)((a).x, -(a).y))
#define REAL_DIAG(a) ((%TYPE)((a).x, 0))

inline %TYPE cdiv(%TYPE a, %TYPE b)
{
    const %PTYPE d = b.x * b.x + b.y * b.y;
    return (%TYPE)((a.x * b.x + a.y * b.y) / d, (a.y * b.x - a.x * b.y) / d);
}
`

// commonMacros follows the arithmetic: operand modifiers, tail guards and vector access.
var commonMacros = `
#ifdef CONJ_A
#define OPA(x) CONJ(x)
#else
#define OPA(x) (x)
#endif
#ifdef CONJ_B
#define OPB(x) CONJ(x)
#else
#define OPB(x) (x)
#endif

#ifdef M_TAIL_PRESENT
#define IN_M(r) ((r) < M)
#else
#define IN_M(r) 1
#endif
#ifdef N_TAIL_PRESENT
#define IN_N(c) ((c) < N)
#else
#define IN_N(c) 1
#endif
#ifdef K_TAIL_PRESENT
#define IN_K(k) ((k) < K)
#else
#define IN_K(k) 1
#endif

// vloadn only needs the alignment of the scalar type, so any leading dimension and offset work.
#if VEC_LEN > 1
#define VLOAD(ptr, idx) vload%VN(0, (const __global %PTYPE *)((ptr).s + (idx)))
#endif
`

// gemmAAlongRows loads op(A) = A (M x K): a column of the item block is contiguous, and is
// read as WIDTH vectors.
var gemmAAlongRows = `
#define A_AT(row, k) uA.s[(row) + (k) * lda]

inline void load_a(%TYPE a[ITEM_Y][BWIDTH], GPtr uA, uint lda, uint row0, uint k0, uint M, uint K)
{
    for (uint kk = 0; kk < BWIDTH; kk++) {
#if VEC_LEN > 1
        if (IN_M(row0 + ITEM_Y - 1) && IN_K(k0 + kk)) {
            for (uint w = 0; w < %WIDTH; w++) {
                PVec pv;
                pv.v = VLOAD(uA, row0 + w * VEC_LEN + (k0 + kk) * lda);
                for (uint e = 0; e < VEC_LEN; e++) {
                    a[w * VEC_LEN + e][kk] = OPA(pv.s[e]);
                }
            }
            continue;
        }
#endif
        for (uint i = 0; i < ITEM_Y; i++) {
            a[i][kk] = (IN_M(row0 + i) && IN_K(k0 + kk)) ? OPA(A_AT(row0 + i, k0 + kk)) : ZERO;
        }
    }
}
`

// gemmAAlongK loads op(A) = A^T, A stored K x M: a row of the item block is contiguous along
// K, and is read as PANEL_BY_V vectors.
var gemmAAlongK = `
#define A_AT(row, k) uA.s[(k) + (row) * lda]

inline void load_a(%TYPE a[ITEM_Y][BWIDTH], GPtr uA, uint lda, uint row0, uint k0, uint M, uint K)
{
    for (uint i = 0; i < ITEM_Y; i++) {
#if VEC_LEN > 1
        if (IN_M(row0 + i) && IN_K(k0 + BWIDTH - 1)) {
            for (uint p = 0; p < %PANEL_BY_V; p++) {
                PVec pv;
                pv.v = VLOAD(uA, k0 + p * VEC_LEN + (row0 + i) * lda);
                for (uint e = 0; e < VEC_LEN; e++) {
                    a[i][p * VEC_LEN + e] = OPA(pv.s[e]);
                }
            }
            continue;
        }
#endif
        for (uint kk = 0; kk < BWIDTH; kk++) {
            a[i][kk] = (IN_M(row0 + i) && IN_K(k0 + kk)) ? OPA(A_AT(row0 + i, k0 + kk)) : ZERO;
        }
    }
}
`

// gemmBAlongK loads op(B) = B (K x N): columns are contiguous along K.
var gemmBAlongK = `
#define B_AT(k, col) uB.s[(k) + (col) * ldb]

inline void load_b(%TYPE b[BWIDTH][ITEM_X], GPtr uB, uint ldb, uint k0, uint col0, uint K, uint N)
{
    for (uint j = 0; j < ITEM_X; j++) {
#if VEC_LEN > 1
        if (IN_K(k0 + BWIDTH - 1) && IN_N(col0 + j)) {
            for (uint p = 0; p < %PANEL_BY_V; p++) {
                PVec pv;
                pv.v = VLOAD(uB, k0 + p * VEC_LEN + (col0 + j) * ldb);
                for (uint e = 0; e < VEC_LEN; e++) {
                    b[p * VEC_LEN + e][j] = OPB(pv.s[e]);
                }
            }
            continue;
        }
#endif
        for (uint kk = 0; kk < BWIDTH; kk++) {
            b[kk][j] = (IN_K(k0 + kk) && IN_N(col0 + j)) ? OPB(B_AT(k0 + kk, col0 + j)) : ZERO;
        }
    }
}
`

// gemmBTransposed loads op(B) = B^T, B stored N x K, with scalar reads.
var gemmBTransposed = `
#define B_AT(k, col) uB.s[(col) + (k) * ldb]

inline void load_b(%TYPE b[BWIDTH][ITEM_X], GPtr uB, uint ldb, uint k0, uint col0, uint K, uint N)
{
    for (uint kk = 0; kk < BWIDTH; kk++) {
        for (uint j = 0; j < ITEM_X; j++) {
            b[kk][j] = (IN_K(k0 + kk) && IN_N(col0 + j)) ? OPB(B_AT(k0 + kk, col0 + j)) : ZERO;
        }
    }
}
`

var gemmBody = `
__attribute__((reqd_work_group_size(%WGY, %WGX, 1)))
__kernel void %ENTRY(
    uint M,
    uint N,
    uint K,
    const %TYPE alpha,
    const %TYPE beta,
    const __global %VTYPE *restrict A,
    const __global %VTYPE *restrict B,
    __global %TYPE *C,
    uint lda,
    uint ldb,
    uint ldc,
    uint offA,
    uint offB,
    uint offC)
{
    const uint row0 = get_group_id(0) * WG_TILE_Y + get_local_id(0) * ITEM_Y;
    const uint col0 = get_group_id(1) * WG_TILE_X + get_local_id(1) * ITEM_X;
    %TYPE a[ITEM_Y][BWIDTH];
    %TYPE b[BWIDTH][ITEM_X];
    %TYPE c[ITEM_Y][ITEM_X];
    GPtr uA, uB;
#ifdef USE_LDS
    __local %TYPE ldsB[BWIDTH][WG_TILE_X];
    const uint lid = get_local_id(0) + get_local_id(1) * WG_SIZE_Y;
    const uint tileCol0 = get_group_id(1) * WG_TILE_X;
#endif

    uA.%VFIELD = (__global %VTYPE *)A;
    uB.%VFIELD = (__global %VTYPE *)B;
    uA.s += offA;
    uB.s += offB;
    C += offC;

    for (uint i = 0; i < ITEM_Y; i++) {
        for (uint j = 0; j < ITEM_X; j++) {
            c[i][j] = ZERO;
        }
    }

    for (uint k0 = 0; k0 < K; k0 += BWIDTH) {
        load_a(a, uA, lda, row0, k0, M, K);
#ifdef USE_LDS
        barrier(CLK_LOCAL_MEM_FENCE);
        for (uint idx = lid; idx < BWIDTH * WG_TILE_X; idx += WG_SIZE) {
            const uint kk = idx % BWIDTH;
            const uint j = idx / BWIDTH;
            ldsB[kk][j] = (IN_K(k0 + kk) && IN_N(tileCol0 + j)) ? OPB(B_AT(k0 + kk, tileCol0 + j)) : ZERO;
        }
        barrier(CLK_LOCAL_MEM_FENCE);
        for (uint kk = 0; kk < BWIDTH; kk++) {
            for (uint j = 0; j < ITEM_X; j++) {
                b[kk][j] = ldsB[kk][get_local_id(1) * ITEM_X + j];
            }
        }
#else
        load_b(b, uB, ldb, k0, col0, K, N);
#endif
        for (uint kk = 0; kk < BWIDTH; kk++) {
            for (uint i = 0; i < ITEM_Y; i++) {
                for (uint j = 0; j < ITEM_X; j++) {
                    c[i][j] = MAD(c[i][j], a[i][kk], b[kk][j]);
                }
            }
        }
    }

    for (uint j = 0; j < ITEM_X; j++) {
        for (uint i = 0; i < ITEM_Y; i++) {
            if (IN_M(row0 + i) && IN_N(col0 + j)) {
                __global %TYPE *dst = C + (row0 + i) + (col0 + j) * ldc;
                *dst = MAD(MUL(alpha, c[i][j]), beta, *dst);
            }
        }
    }
}
`

// trsmHeader reads op(A), with the transposition folded into the access.
var trsmHeader = `
#ifdef TRANS_A
#define OPA_AT(i, k) OPA(uA.s[(k) + (i) * lda])
#else
#define OPA_AT(i, k) OPA(uA.s[(i) + (k) * lda])
#endif
#define STEP(s, n) %STEP
`

// trsmLeftBody solves op(A) * X = alpha * B: each work-item solves whole columns of B.
var trsmLeftBody = `
__kernel void %ENTRY(
    uint M,
    uint N,
    const %TYPE alpha,
    const __global %VTYPE *restrict A,
    __global %VTYPE *B,
    uint lda,
    uint ldb,
    uint offA,
    uint offB)
{
    const uint group = get_group_id(0) + get_group_id(1) * get_num_groups(0);
    const uint lid = get_local_id(0) + get_local_id(1) * get_local_size(0);
    const uint colEnd = min(N, (group + 1) * WG_TILE_X);
    GPtr uA, uB;

    uA.%VFIELD = (__global %VTYPE *)A;
    uB.%VFIELD = B;
    uA.s += offA;
    uB.s += offB;

    for (uint j = group * WG_TILE_X + lid; j < colEnd; j += WG_SIZE) {
        __global %TYPE *x = uB.s + j * ldb;
        for (uint i = 0; i < M; i++) {
            x[i] = MUL(alpha, x[i]);
        }
        for (uint s = 0; s < M; s++) {
            const uint i = STEP(s, M);
#ifndef UNIT_DIAG
            x[i] = DIV(x[i], OPA_AT(i, i));
#endif
            for (uint t = s + 1; t < M; t++) {
                const uint r = STEP(t, M);
                x[r] = MSUB(x[r], OPA_AT(r, i), x[i]);
            }
        }
    }
}
`

// trsmRightBody solves X * op(A) = alpha * B: each work-item solves whole rows of B.
var trsmRightBody = `
__kernel void %ENTRY(
    uint M,
    uint N,
    const %TYPE alpha,
    const __global %VTYPE *restrict A,
    __global %VTYPE *B,
    uint lda,
    uint ldb,
    uint offA,
    uint offB)
{
    const uint group = get_group_id(0) + get_group_id(1) * get_num_groups(0);
    const uint lid = get_local_id(0) + get_local_id(1) * get_local_size(0);
    const uint rowEnd = min(M, (group + 1) * WG_TILE_Y);
    GPtr uA, uB;

    uA.%VFIELD = (__global %VTYPE *)A;
    uB.%VFIELD = B;
    uA.s += offA;
    uB.s += offB;

    for (uint i = group * WG_TILE_Y + lid; i < rowEnd; i += WG_SIZE) {
        __global %TYPE *x = uB.s + i;
        for (uint j = 0; j < N; j++) {
            x[j * ldb] = MUL(alpha, x[j * ldb]);
        }
        for (uint s = 0; s < N; s++) {
            const uint j = STEP(s, N);
#ifndef UNIT_DIAG
            x[j * ldb] = DIV(x[j * ldb], OPA_AT(j, j));
#endif
            for (uint t = s + 1; t < N; t++) {
                const uint c = STEP(t, N);
                x[c * ldb] = MSUB(x[c * ldb], x[j * ldb], OPA_AT(j, c));
            }
        }
    }
}
`

// syrkHeader defines the two factors of the rank-k update and the updated triangle.
var syrkHeader = `
#define LEFT(i, k) %CONJL(uA.s[%LEFT_INDEX])
#define RIGHT(k, j) %CONJR(uA.s[%RIGHT_INDEX])
#define IN_TRIANGLE(i, j) ((i) %TRI_OP (j))
`

var syrkBody = `
__kernel void %ENTRY(
    uint N,
    uint K,
    const %TYPE alpha,
    const %TYPE beta,
    const __global %VTYPE *restrict A,
    __global %TYPE *C,
    uint lda,
    uint ldc,
    uint offA,
    uint offC)
{
    const uint group = get_group_id(0) + get_group_id(1) * get_num_groups(0);
    const uint lid = get_local_id(0) + get_local_id(1) * get_local_size(0);
    GPtr uA;

    uA.%VFIELD = (__global %VTYPE *)A;
    uA.s += offA;
    C += offC;

    for (uint idx = lid; idx < WG_TILE_X * N; idx += WG_SIZE) {
        const uint i = idx % N;
        const uint j = group * WG_TILE_X + idx / N;
        if (j >= N || !IN_TRIANGLE(i, j)) {
            continue;
        }
        %TYPE acc = ZERO;
        for (uint k = 0; k < K; k++) {
            acc = MAD(acc, LEFT(i, k), RIGHT(k, j));
        }
        __global %TYPE *dst = C + i + j * ldc;
        *dst = MAD(MUL(alpha, acc), beta, *dst);
#ifdef HERMITIAN
        if (i == j) {
            *dst = REAL_DIAG(*dst);
        }
#endif
    }
}
`

// symmHeader reads the full symmetric (or Hermitian) matrix from its stored triangle.
var symmHeader = `
#define A_AT(r, c) uA.s[(r) + (c) * lda]
#ifdef HERMITIAN
#define SYM_AT(r, c) (((r) == (c)) ? REAL_DIAG(A_AT(r, r)) : ((r) %TRI_OP (c)) ? A_AT(r, c) : CONJ(A_AT(c, r)))
#else
#define SYM_AT(r, c) (((r) %TRI_OP (c)) ? A_AT(r, c) : A_AT(c, r))
#endif
`

// symmLeftBody computes C = alpha * A * B + beta * C: groups split the columns.
var symmLeftBody = `
__kernel void %ENTRY(
    uint M,
    uint N,
    const %TYPE alpha,
    const %TYPE beta,
    const __global %VTYPE *restrict A,
    const __global %VTYPE *restrict B,
    __global %TYPE *C,
    uint lda,
    uint ldb,
    uint ldc,
    uint offA,
    uint offB,
    uint offC)
{
    const uint group = get_group_id(0) + get_group_id(1) * get_num_groups(0);
    const uint lid = get_local_id(0) + get_local_id(1) * get_local_size(0);
    GPtr uA, uB;

    uA.%VFIELD = (__global %VTYPE *)A;
    uB.%VFIELD = (__global %VTYPE *)B;
    uA.s += offA;
    uB.s += offB;
    C += offC;

    for (uint idx = lid; idx < M * WG_TILE_X; idx += WG_SIZE) {
        const uint i = idx % M;
        const uint j = group * WG_TILE_X + idx / M;
        if (j >= N) {
            continue;
        }
        %TYPE acc = ZERO;
        for (uint k = 0; k < M; k++) {
            acc = MAD(acc, SYM_AT(i, k), uB.s[k + j * ldb]);
        }
        __global %TYPE *dst = C + i + j * ldc;
        *dst = MAD(MUL(alpha, acc), beta, *dst);
    }
}
`

// symmRightBody computes C = alpha * B * A + beta * C: groups split the rows.
var symmRightBody = `
__kernel void %ENTRY(
    uint M,
    uint N,
    const %TYPE alpha,
    const %TYPE beta,
    const __global %VTYPE *restrict A,
    const __global %VTYPE *restrict B,
    __global %TYPE *C,
    uint lda,
    uint ldb,
    uint ldc,
    uint offA,
    uint offB,
    uint offC)
{
    const uint group = get_group_id(0) + get_group_id(1) * get_num_groups(0);
    const uint lid = get_local_id(0) + get_local_id(1) * get_local_size(0);
    GPtr uA, uB;

    uA.%VFIELD = (__global %VTYPE *)A;
    uB.%VFIELD = (__global %VTYPE *)B;
    uA.s += offA;
    uB.s += offB;
    C += offC;

    for (uint idx = lid; idx < WG_TILE_Y * N; idx += WG_SIZE) {
        const uint i = group * WG_TILE_Y + idx % WG_TILE_Y;
        const uint j = idx / WG_TILE_Y;
        if (i >= M) {
            continue;
        }
        %TYPE acc = ZERO;
        for (uint k = 0; k < N; k++) {
            acc = MAD(acc, uB.s[i + k * ldb], SYM_AT(k, j));
        }
        __global %TYPE *dst = C + i + j * ldc;
        *dst = MAD(MUL(alpha, acc), beta, *dst);
    }
}
`

// probeBody times strided reads: the sum is stored so the reads are not optimized away.
var probeBody = `
__kernel void %ENTRY(
    int n,
    int stride,
    int iterations,
    __global const float *src,
    __global float *dst)
{
    float sum = 0.0f;
    for (int it = 0; it < iterations; it++) {
        for (int idx = 0; idx < n; idx += stride) {
            sum += src[idx];
        }
    }
    dst[0] = sum;
}
`
