// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"os"
	"strings"

	"github.com/gomlx/gpublas/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Constructor takes a config string (optionally empty) and returns a Device.
type Constructor func(config string) (Device, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a device runtime with the given name, and a constructor that takes as input a
// configuration string that is passed along to it.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List the names of the registered device runtimes, sorted.
func List() []string {
	return xslices.SortedKeys(registeredConstructors)
}

// DefaultConfig is the default device configuration to use if the environment variable ConfigEnvVar is not set.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default device configuration to use.
//
// The format of config is "<device_name>:<options>", where "<device_name>" is the name of a
// registered runtime (e.g.: "host") and "<options>" is runtime specific.
const ConfigEnvVar = "GPUBLAS_DEVICE"

// New returns a new default Device.
//
// The default is:
//
//  1. The environment variable ConfigEnvVar is used as a configuration if defined.
//  2. Next the variable DefaultConfig is used as a configuration if defined.
//  3. The first registered runtime is used with an empty configuration.
func New() (Device, error) {
	config, found := os.LookupEnv(ConfigEnvVar)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// MustNew calls New and panics if it returns an error.
func MustNew() Device {
	dev, err := New()
	if err != nil {
		panic(err)
	}
	return dev
}

// NewWithConfig takes a configurations string formatted as "<device_name>:<options>".
// If "<device_name>" is omitted, the first registered runtime is used.
func NewWithConfig(config string) (Device, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.New(`no registered device runtimes -- maybe import the host one with import _ "github.com/gomlx/gpublas/pkg/device/hostdev"?`)
	}
	deviceName := firstRegistered
	deviceConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		deviceName = config[:idx]
		deviceConfig = config[idx+1:]
	} else if _, found := registeredConstructors[config]; found {
		deviceName = config
		deviceConfig = ""
	}
	constructor, found := registeredConstructors[deviceName]
	if !found {
		return nil, errors.Errorf("can't find device runtime %q for configuration %q given, registered runtimes are %q",
			deviceName, config, List())
	}
	dev, err := constructor(deviceConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "while creating device %q", deviceName)
	}
	return dev, nil
}

// ParseOptions splits options formatted as "key1=value1,key2,key3=value3" into a map.
// Keys without a value map to "".
func ParseOptions(options string) (map[string]string, error) {
	parsed := make(map[string]string)
	for _, part := range strings.Split(options, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, errors.Errorf("invalid option %q in %q: empty key", part, options)
		}
		if _, dup := parsed[key]; dup {
			return nil, errors.Errorf("option %q given more than once in %q", key, options)
		}
		parsed[key] = strings.TrimSpace(value)
	}
	return parsed, nil
}
