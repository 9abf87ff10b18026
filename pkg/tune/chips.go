// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tune

import (
	"fmt"
	"strings"
	"sync"
	"unicode"
)

// Chip identifies a device model with rows in the tuning table.
type Chip int

const (
	// ChipUnknown is the fallback identity: the tuning table has an entry for every call type and
	// dtype under it.
	ChipUnknown Chip = iota
	ChipCypress
	ChipCayman
	ChipTahiti
	ChipHawaii
	ChipFiji
	ChipVega
	ChipHost

	// NumChips is the number of chips known to the table.
	NumChips
)

var chipNames = [NumChips]string{
	ChipUnknown: "CHIP_UNKNOWN",
	ChipCypress: "Cypress",
	ChipCayman:  "Cayman",
	ChipTahiti:  "Tahiti",
	ChipHawaii:  "Hawaii",
	ChipFiji:    "Fiji",
	ChipVega:    "Vega",
	ChipHost:    "Host",
}

// String implements fmt.Stringer.
func (c Chip) String() string {
	if c < 0 || c >= NumChips {
		return fmt.Sprintf("Chip(%d)", int(c))
	}
	return chipNames[c]
}

var (
	chipNamesMu sync.RWMutex

	// chipByName maps normalized device identity strings to chips. See normalizeName.
	chipByName = map[string]Chip{
		"cypress":       ChipCypress,
		"radeonhd5870":  ChipCypress,
		"radeonhd5850":  ChipCypress,
		"cayman":        ChipCayman,
		"radeonhd6970":  ChipCayman,
		"tahiti":        ChipTahiti,
		"radeonhd7970":  ChipTahiti,
		"radeonhd7950":  ChipTahiti,
		"firepros9000":  ChipTahiti,
		"hawaii":        ChipHawaii,
		"radeonr9290x":  ChipHawaii,
		"radeonr9290":   ChipHawaii,
		"firepros9150":  ChipHawaii,
		"fiji":          ChipFiji,
		"radeonr9fury":  ChipFiji,
		"radeonr9furyx": ChipFiji,
		"gfx900":        ChipVega,
		"vega10":        ChipVega,
		"radeonrxvega":  ChipVega,
		"host":          ChipHost,
		"hostcpu":       ChipHost,
	}
)

// normalizeName lower-cases s and drops everything that is not a letter or a digit.
func normalizeName(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// ChipFromName maps the device name reported by a runtime (and optionally its vendor) to a Chip.
//
// The full normalized name is tried first, then the vendor-prefixed name, and then each word of
// the name (so "AMD Radeon HD 7970 (Tahiti)" resolves through "tahiti"). It returns ChipUnknown if
// nothing matches: new devices are supported by RegisterChipName or by adding rows to the table,
// never by changing the lookup.
func ChipFromName(vendor, name string) Chip {
	chipNamesMu.RLock()
	defer chipNamesMu.RUnlock()
	if chip, found := chipByName[normalizeName(name)]; found {
		return chip
	}
	if chip, found := chipByName[normalizeName(vendor+name)]; found {
		return chip
	}
	words := strings.FieldsFunc(name, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, word := range words {
		if chip, found := chipByName[normalizeName(word)]; found {
			return chip
		}
	}
	return ChipUnknown
}

// RegisterChipName adds (or replaces) a device identity string mapping to chip.
func RegisterChipName(name string, chip Chip) {
	chipNamesMu.Lock()
	defer chipNamesMu.Unlock()
	chipByName[normalizeName(name)] = chip
}

// ChipFromString parses the chip names as printed by Chip.String, case-insensitive.
func ChipFromString(s string) (Chip, bool) {
	norm := normalizeName(s)
	for c, name := range chipNames {
		if normalizeName(name) == norm {
			return Chip(c), true
		}
	}
	if norm == "unknown" {
		return ChipUnknown, true
	}
	return ChipUnknown, false
}
