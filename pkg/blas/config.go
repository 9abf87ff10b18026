// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package blas

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gpublas/pkg/device"
	"github.com/gomlx/gpublas/pkg/kcache"
	"github.com/pkg/errors"
)

const (
	// CacheLimitEnvVar holds the kernel cache byte budget, in human-readable units ("64MiB",
	// "100 MB") or "unlimited".
	CacheLimitEnvVar = "GPUBLAS_CACHE_LIMIT"

	// MeasureCachesEnvVar enables the L1/L2 cache-size micro-benchmarks at session creation
	// when set to a true value ("1", "true", ...).
	MeasureCachesEnvVar = "GPUBLAS_MEASURE_CACHES"

	// DefaultCacheLimit is the kernel cache byte budget used if none is configured.
	DefaultCacheLimit int64 = 64 << 20
)

// Config of a Session.
type Config struct {
	// Device configuration "<device_name>:<options>", see device.NewWithConfig.
	// If empty, device.New is used, which reads device.ConfigEnvVar.
	Device string

	// CacheLimit is the byte budget of the kernel cache, or kcache.Unlimited.
	CacheLimit int64

	// EvictionLookAhead is the multiple of an incoming kernel size freed when the cache is full.
	EvictionLookAhead float64

	// RetainSource accounts the kernel source text in the cache sizes.
	RetainSource bool

	// MeasureCaches runs the cache-size micro-benchmarks when the session is created, and feeds
	// the results to the decomposition selector.
	MeasureCaches bool
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		CacheLimit:        DefaultCacheLimit,
		EvictionLookAhead: kcache.DefaultEvictionLookAhead,
	}
}

// ConfigFromEnv returns DefaultConfig overridden by the environment variables
// device.ConfigEnvVar, CacheLimitEnvVar and MeasureCachesEnvVar.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if v, found := os.LookupEnv(device.ConfigEnvVar); found {
		cfg.Device = v
	}
	if v, found := os.LookupEnv(CacheLimitEnvVar); found {
		limit, err := ParseCacheLimit(v)
		if err != nil {
			return cfg, errors.WithMessagef(err, "parsing $%s", CacheLimitEnvVar)
		}
		cfg.CacheLimit = limit
	}
	if v, found := os.LookupEnv(MeasureCachesEnvVar); found && v != "" {
		measure, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, errors.Wrapf(err, "parsing $%s=%q", MeasureCachesEnvVar, v)
		}
		cfg.MeasureCaches = measure
	}
	return cfg, nil
}

// ParseCacheLimit parses a cache byte budget: a size as accepted by humanize.ParseBytes, or
// "unlimited" (also "none" and "-1") for kcache.Unlimited.
func ParseCacheLimit(s string) (int64, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "unlimited", "none", "-1":
		return kcache.Unlimited, nil
	}
	size, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid cache limit %q", s)
	}
	if size > 1<<62 {
		return 0, errors.Errorf("cache limit %q too large", s)
	}
	return int64(size), nil
}

// String implements fmt.Stringer.
func (c Config) String() string {
	limit := "unlimited"
	if c.CacheLimit != kcache.Unlimited {
		limit = humanize.IBytes(uint64(c.CacheLimit))
	}
	dev := c.Device
	if dev == "" {
		dev = "<default>"
	}
	return fmt.Sprintf("device=%s cache=%s lookAhead=%g retainSource=%v measureCaches=%v",
		dev, limit, c.EvictionLookAhead, c.RetainSource, c.MeasureCaches)
}
