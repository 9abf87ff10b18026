// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions(" chip=tahiti, wgsize=256,fp64 ,")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"chip": "tahiti", "wgsize": "256", "fp64": ""}, opts)

	_, err = ParseOptions("a=1,a=2")
	require.Error(t, err)
	_, err = ParseOptions("=3")
	require.Error(t, err)
}

func TestNDRange(t *testing.T) {
	nd := NDRange{Dims: 2, Global: [2]int{64, 32}, Local: [2]int{16, 8}}
	assert.Equal(t, [2]int{4, 4}, nd.NumGroups())
	nd = NDRange{Dims: 1, Global: [2]int{64}, Local: [2]int{16}}
	assert.Equal(t, [2]int{4, 1}, nd.NumGroups())
	assert.Equal(t, "global=[64] local=[16]", nd.String())

	start := time.Now()
	ev := Event{Queued: start, Start: start, End: start.Add(time.Millisecond)}
	assert.Equal(t, time.Millisecond, ev.Duration())
}

func TestRegistry(t *testing.T) {
	var gotConfig string
	Register("fake-for-test", func(config string) (Device, error) {
		gotConfig = config
		return nil, errors.New("fake device cannot be created")
	})
	assert.Contains(t, List(), "fake-for-test")

	_, err := NewWithConfig("fake-for-test:a=1")
	require.Error(t, err)
	assert.Equal(t, "a=1", gotConfig)

	_, err = NewWithConfig("fake-for-test")
	require.Error(t, err)
	assert.Equal(t, "", gotConfig)

	_, err = NewWithConfig("unknown-runtime:x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown-runtime")
	assert.Equal(t, "MaxWorkGroupSize", MaxWorkGroupSize.String())
}
