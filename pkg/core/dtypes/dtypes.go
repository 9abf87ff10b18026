// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes includes the DType enum for the data types handled by the BLAS kernels.
//
// Only the four classical BLAS types (S, D, C and Z) are renderable by the kernel generator.
// Float16 is known as a storage type, so buffers can be described, but the generator and the
// tuning table reject it.
//
// It includes converters to/from Go native types (and reflect.Type), and the constraint
// interfaces to be used with generics (Supported, Real).
package dtypes

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType is an enum represents the data type of a buffer or a scalar.
type DType int32

const (
	// InvalidDType serves as the zero value.
	InvalidDType DType = iota

	// Float16 is an IEEE half-precision float. Storage only: no kernels are generated for it.
	Float16

	// Float32 is the "S" BLAS type.
	Float32

	// Float64 is the "D" BLAS type.
	Float64

	// Complex64 is the "C" BLAS type: paired float32 (real, imag).
	Complex64

	// Complex128 is the "Z" BLAS type: paired float64 (real, imag).
	Complex128

	// NumDTypes is the number of entries of the enum, including InvalidDType.
	NumDTypes
)

// BLASTypes lists the dtypes with kernels, in BLAS prefix order (S, D, C, Z).
var BLASTypes = []DType{Float32, Float64, Complex64, Complex128}

// Supported lists the Go types that can be used with the generic BLAS entry points.
type Supported interface {
	float32 | float64 | complex64 | complex128
}

// Real lists the real-valued Go types.
type Real interface {
	float32 | float64
}

// Complex lists the complex-valued Go types.
type Complex interface {
	complex64 | complex128
}

// panicf panics with the formatted description.
//
// It is only used for "bugs in the code" -- when callers break the documented contract.
func panicf(format string, args ...any) {
	panic(errors.Errorf(format, args...))
}

var dtypeNames = [NumDTypes]string{
	InvalidDType: "InvalidDType",
	Float16:      "Float16",
	Float32:      "Float32",
	Float64:      "Float64",
	Complex64:    "Complex64",
	Complex128:   "Complex128",
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if dtype < 0 || dtype >= NumDTypes {
		return "DType(" + strconv.Itoa(int(dtype)) + ")"
	}
	return dtypeNames[dtype]
}

// MapOfNames maps lower-case names and BLAS prefixes to dtypes. E.g.: "float32", "s", "z".
var MapOfNames = map[string]DType{
	"float16":    Float16,
	"half":       Float16,
	"float32":    Float32,
	"float":      Float32,
	"s":          Float32,
	"float64":    Float64,
	"double":     Float64,
	"d":          Float64,
	"complex64":  Complex64,
	"c":          Complex64,
	"complex128": Complex128,
	"z":          Complex128,
}

// FromName returns the dtype for the given name (see MapOfNames), case-insensitive.
func FromName(name string) (DType, error) {
	dtype, found := MapOfNames[strings.ToLower(strings.TrimSpace(name))]
	if !found {
		return InvalidDType, errors.Errorf("unknown dtype name %q", name)
	}
	return dtype, nil
}

// FromGenericsType returns the DType enum for the given type that this package knows about.
func FromGenericsType[T Supported]() DType {
	var t T
	switch (any(t)).(type) {
	case float32:
		return Float32
	case float64:
		return Float64
	case complex64:
		return Complex64
	case complex128:
		return Complex128
	}
	return InvalidDType
}

// Pre-generate constant reflect.TypeOf for convenience.
var (
	float16Type    = reflect.TypeOf(float16.Float16(0))
	float32Type    = reflect.TypeOf(float32(0))
	float64Type    = reflect.TypeOf(float64(0))
	complex64Type  = reflect.TypeOf(complex64(0))
	complex128Type = reflect.TypeOf(complex128(0))
)

// FromGoType returns the DType for the given "reflect.Type", or InvalidDType.
func FromGoType(t reflect.Type) DType {
	if t == float16Type {
		return Float16
	}
	switch t.Kind() {
	case reflect.Float32:
		return Float32
	case reflect.Float64:
		return Float64
	case reflect.Complex64:
		return Complex64
	case reflect.Complex128:
		return Complex128
	default:
		return InvalidDType
	}
}

// FromAny introspects the underlying type of any and returns the corresponding DType.
func FromAny(value any) DType {
	return FromGoType(reflect.TypeOf(value))
}

// FromFlat returns the DType of the elements of a flat slice, or InvalidDType if flat is not a slice.
func FromFlat(flat any) DType {
	t := reflect.TypeOf(flat)
	if t == nil || t.Kind() != reflect.Slice {
		return InvalidDType
	}
	return FromGoType(t.Elem())
}

// GoType returns the Go `reflect.Type` corresponding to the DType.
func (dtype DType) GoType() reflect.Type {
	switch dtype {
	case Float16:
		return float16Type
	case Float32:
		return float32Type
	case Float64:
		return float64Type
	case Complex64:
		return complex64Type
	case Complex128:
		return complex128Type
	default:
		panicf("unknown dtype %q (%d) in DType.GoType", dtype, dtype)
		panic(nil)
	}
}

// Size returns the number of bytes for the given DType.
func (dtype DType) Size() int {
	return int(dtype.GoType().Size())
}

// IsComplex returns whether dtype is a complex number type.
func (dtype DType) IsComplex() bool {
	return dtype == Complex64 || dtype == Complex128
}

// IsBLAS returns whether the kernel generator can render kernels for dtype.
func (dtype DType) IsBLAS() bool {
	return dtype >= Float32 && dtype <= Complex128
}

// IsDouble returns whether the dtype needs double-precision support on the device.
func (dtype DType) IsDouble() bool {
	return dtype == Float64 || dtype == Complex128
}

// RealDType returns the real component of complex dtypes. For real dtypes it returns itself.
func (dtype DType) RealDType() DType {
	switch dtype {
	case Complex64:
		return Float32
	case Complex128:
		return Float64
	}
	return dtype
}

// Components is the number of scalar components of one element: 2 for complex types, 1 otherwise.
func (dtype DType) Components() int {
	if dtype.IsComplex() {
		return 2
	}
	return 1
}

// Prefix is the BLAS naming prefix: "s", "d", "c" or "z". It returns "h" for Float16.
func (dtype DType) Prefix() string {
	switch dtype {
	case Float16:
		return "h"
	case Float32:
		return "s"
	case Float64:
		return "d"
	case Complex64:
		return "c"
	case Complex128:
		return "z"
	}
	return "?"
}

// KernelScalar is the name of the underlying real scalar type in the kernel language: "float", "double" or "half".
func (dtype DType) KernelScalar() string {
	switch dtype.RealDType() {
	case Float16:
		return "half"
	case Float32:
		return "float"
	case Float64:
		return "double"
	}
	return "void"
}

// KernelType returns the kernel-language type holding vecLen elements of dtype.
// E.g.: (Float32, 4) -> "float4", (Complex64, 1) -> "float2", (Complex128, 2) -> "double4".
func (dtype DType) KernelType(vecLen int) string {
	n := vecLen * dtype.Components()
	if n <= 1 {
		return dtype.KernelScalar()
	}
	return dtype.KernelScalar() + strconv.Itoa(n)
}
