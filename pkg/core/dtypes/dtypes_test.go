// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestKernelType(t *testing.T) {
	assert.Equal(t, "float", Float32.KernelType(1))
	assert.Equal(t, "float4", Float32.KernelType(4))
	assert.Equal(t, "double2", Float64.KernelType(2))
	assert.Equal(t, "float2", Complex64.KernelType(1))
	assert.Equal(t, "float8", Complex64.KernelType(4))
	assert.Equal(t, "double4", Complex128.KernelType(2))
}

func TestGoTypes(t *testing.T) {
	for _, dtype := range BLASTypes {
		require.Equal(t, dtype, FromGoType(dtype.GoType()), "dtype=%s", dtype)
		require.True(t, dtype.IsBLAS())
	}
	assert.Equal(t, Float16, FromAny(float16.Fromfloat32(1)))
	assert.False(t, Float16.IsBLAS())
	assert.Equal(t, 2, Float16.Size())
	assert.Equal(t, 16, Complex128.Size())
	assert.Equal(t, Complex64, FromFlat([]complex64{1}))
	assert.Equal(t, InvalidDType, FromFlat(3))
	assert.Equal(t, InvalidDType, FromGoType(reflect.TypeOf(int32(0))))
	assert.Equal(t, Float64, FromGenericsType[float64]())
}

func TestFromName(t *testing.T) {
	dtype, err := FromName(" Z ")
	require.NoError(t, err)
	assert.Equal(t, Complex128, dtype)
	_, err = FromName("int8")
	require.Error(t, err)
	assert.Equal(t, "c", Complex64.Prefix())
	assert.Equal(t, Float32, Complex64.RealDType())
}
