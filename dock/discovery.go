// SPDX-License-Identifier: GPL-3.0-only

// Package dock implements the command protocol of CRT-family USB-HID
// macro keypad controllers: device discovery and connection, brightness
// and power commands, page-chunked image upload with a write-then-flush
// staging cache, and exact-once lazy device initialization. Raw input
// reports are turned into edge-triggered button and encoder events by an
// injected per-family report classifier.
package dock

import (
	"fmt"
	"sort"

	"github.com/openstreamdock/streamdock/transport"
)

// Descriptor identifies one enumerated device.
type Descriptor struct {
	VendorID  uint16
	ProductID uint16
	Serial    string
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%04x:%04x (%s)", d.VendorID, d.ProductID, d.Serial)
}

// ListOption configures a List call.
type ListOption func(*listConfig)

type listConfig struct {
	enumerate transport.Enumerator
}

// WithListEnumerator sets a custom device enumerator for testing.
func WithListEnumerator(fn transport.Enumerator) ListOption {
	return func(c *listConfig) {
		c.enumerate = fn
	}
}

// List enumerates currently visible devices matching any of the given
// vendor IDs. Devices without a serial number are dropped and duplicate
// identities collapse. The result is sorted for determinism.
func List(vendorIDs []uint16, opts ...ListOption) ([]Descriptor, error) {
	cfg := listConfig{enumerate: transport.Enumerate}
	for _, opt := range opts {
		opt(&cfg)
	}

	infos, err := cfg.enumerate(0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	wanted := make(map[uint16]struct{}, len(vendorIDs))
	for _, vid := range vendorIDs {
		wanted[vid] = struct{}{}
	}

	seen := make(map[Descriptor]struct{})
	var out []Descriptor
	for _, info := range infos {
		if _, ok := wanted[info.VendorID]; !ok {
			continue
		}

		serial, err := extractString([]byte(info.Serial))
		if err != nil || serial == "" {
			continue
		}

		desc := Descriptor{VendorID: info.VendorID, ProductID: info.ProductID, Serial: serial}
		if _, dup := seen[desc]; dup {
			continue
		}
		seen[desc] = struct{}{}
		out = append(out, desc)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.VendorID != b.VendorID {
			return a.VendorID < b.VendorID
		}
		if a.ProductID != b.ProductID {
			return a.ProductID < b.ProductID
		}
		return a.Serial < b.Serial
	})

	return out, nil
}
