// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decomp

import (
	"sync"

	"github.com/gomlx/gpublas/pkg/device"
	"github.com/gomlx/gpublas/pkg/probe"
)

// capsCache maps device.Device handles to their probe.Capabilities.
var capsCache sync.Map

// Capabilities returns the capabilities of dev, querying the device only the first time it is
// seen. Errors are not cached.
func Capabilities(dev device.Device) (probe.Capabilities, error) {
	if caps, found := capsCache.Load(dev); found {
		return caps.(probe.Capabilities), nil
	}
	caps, err := probe.Query(dev)
	if err != nil {
		return probe.Capabilities{}, err
	}
	actual, _ := capsCache.LoadOrStore(dev, caps)
	return actual.(probe.Capabilities), nil
}

// SetCapabilities replaces the cached capabilities of dev, e.g. after measuring its cache sizes.
func SetCapabilities(dev device.Device, caps probe.Capabilities) {
	capsCache.Store(dev, caps)
}

// ForgetCapabilities drops dev from the cache. It should be called when the device is finalized.
func ForgetCapabilities(dev device.Device) {
	capsCache.Delete(dev)
}
