// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package wallet

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// MinLeafPathLen is the minimum number of components in a leaf path (purpose/coin/account).
const MinLeafPathLen = 3

// DerivationPath is a BIP32 path in binary form.
type DerivationPath []uint32

// ParseDerivationPath parses "m/84'/1'/0'" or the relative "0/5".
// Hardened components are marked with ' or h.
func ParseDerivationPath(path string) (DerivationPath, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: empty derivation path", ErrInvalidPath)
	}
	components := strings.Split(path, "/")
	if strings.TrimSpace(components[0]) == "m" {
		components = components[1:]
	}
	if len(components) == 0 {
		return nil, fmt.Errorf("%w: empty derivation path", ErrInvalidPath)
	}

	result := make(DerivationPath, 0, len(components))
	for _, component := range components {
		component = strings.TrimSpace(component)
		var value uint32
		if strings.HasSuffix(component, "'") || strings.HasSuffix(component, "h") {
			value = hdkeychain.HardenedKeyStart
			component = component[:len(component)-1]
		}
		n, err := strconv.ParseUint(component, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid component %q", ErrInvalidPath, component)
		}
		if n > math.MaxUint32-uint64(value) {
			return nil, fmt.Errorf("%w: component %d out of range", ErrInvalidPath, n)
		}
		result = append(result, value+uint32(n))
	}
	return result, nil
}

// ParseLeafPath parses a leaf path and enforces MinLeafPathLen.
func ParseLeafPath(path string) (DerivationPath, error) {
	p, err := ParseDerivationPath(path)
	if err != nil {
		return nil, err
	}
	if len(p) < MinLeafPathLen {
		return nil, fmt.Errorf("%w: leaf path %q needs at least %d components", ErrInvalidPath, path, MinLeafPathLen)
	}
	return p, nil
}

// Hardened reports whether any component is hardened.
func (p DerivationPath) Hardened() bool {
	for _, c := range p {
		if c >= hdkeychain.HardenedKeyStart {
			return true
		}
	}
	return false
}

// String returns the canonical "m/..." form.
func (p DerivationPath) String() string {
	var b strings.Builder
	b.WriteString("m")
	for _, c := range p {
		b.WriteString("/")
		if c >= hdkeychain.HardenedKeyStart {
			b.WriteString(strconv.FormatUint(uint64(c-hdkeychain.HardenedKeyStart), 10))
			b.WriteString("'")
		} else {
			b.WriteString(strconv.FormatUint(uint64(c), 10))
		}
	}
	return b.String()
}

// Derive walks node down path.
func Derive(node *hdkeychain.ExtendedKey, path DerivationPath) (*hdkeychain.ExtendedKey, error) {
	key := node
	for _, index := range path {
		child, err := key.Derive(index)
		if err != nil {
			return nil, fmt.Errorf("failed to derive %s: %w", path, err)
		}
		key = child
	}
	return key, nil
}
