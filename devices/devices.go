// SPDX-License-Identifier: GPL-3.0-only

// Package devices describes the known macro keypad families: their
// capability values, the image format their key screens expect, the key
// remap between wire order and the left-to-right logical order, and the
// classifier that decodes their input report bytes.
package devices

import (
	"fmt"

	"github.com/openstreamdock/streamdock/dock"
	"github.com/openstreamdock/streamdock/imaging"
)

// MiraboxVendorID is the USB vendor ID shared by the supported families.
const MiraboxVendorID uint16 = 0x0300

// Input report index ranges. Key presses use the 1-based key index;
// encoder presses and twists use dedicated ranges. Pulse-only devices
// cannot carry direction in the state byte, so left and right twists
// have separate index bases.
const (
	keyIndexBase        byte = 0x01
	encoderPressBase    byte = 0x30
	encoderRightBase    byte = 0x50
	encoderLeftBase     byte = 0x60
	encoderPressedState byte = 0x01
)

// Profile is the full static description of one device family.
type Profile struct {
	Name         string
	VendorID     uint16
	ProductID    uint16
	Capabilities dock.Capabilities
	ImageFormat  imaging.Format

	// keyToDevice and keyFromDevice translate between the logical
	// left-to-right key order and the device's wire order. Empty slices
	// mean the identity mapping.
	keyToDevice   []uint8
	keyFromDevice []uint8
}

// Profiles lists every known device family.
var Profiles = []Profile{
	{
		Name:      "Ajazz AKP03",
		VendorID:  MiraboxVendorID,
		ProductID: 0x1003,
		Capabilities: dock.Capabilities{
			KeyCount:     9,
			EncoderCount: 3,
			ProtocolV2:   true,
		},
		ImageFormat: imaging.Format{
			Mode:   imaging.ModeJPEG,
			Width:  60,
			Height: 60,
		},
	},
	{
		Name:      "Ajazz AKP153",
		VendorID:  MiraboxVendorID,
		ProductID: 0x1020,
		Capabilities: dock.Capabilities{
			KeyCount: 18,
		},
		ImageFormat: imaging.Format{
			Mode:     imaging.ModeJPEG,
			Width:    85,
			Height:   85,
			Rotation: imaging.Rotate90,
			Mirror:   imaging.MirrorBoth,
		},
		// The AKP153 wires its keys column by column, right to left.
		keyToDevice:   []uint8{12, 9, 6, 3, 0, 15, 13, 10, 7, 4, 1, 16, 14, 11, 8, 5, 2, 17},
		keyFromDevice: []uint8{4, 10, 16, 3, 9, 15, 2, 8, 14, 1, 7, 13, 0, 6, 12, 5, 11, 17},
	},
}

// Lookup returns the profile for a product ID, failing with
// ErrUnrecognizedPID for unknown products.
func Lookup(vid, pid uint16) (Profile, error) {
	for _, p := range Profiles {
		if p.VendorID == vid && p.ProductID == pid {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("%w: %04x:%04x", dock.ErrUnrecognizedPID, vid, pid)
}

// Connect opens the device with the given serial using this profile's
// capability values.
func (p Profile) Connect(serial string, opts ...dock.ConnectOption) (*dock.Connection, error) {
	return dock.Connect(p.VendorID, p.ProductID, serial, p.Capabilities, opts...)
}

// DeviceKey translates a logical key index into the device's wire order,
// for image writes.
func (p Profile) DeviceKey(key uint8) uint8 {
	if int(key) < len(p.keyToDevice) {
		return p.keyToDevice[key]
	}
	return key
}

// logicalKey translates a 0-based wire key index back into logical order.
func (p Profile) logicalKey(key uint8) uint8 {
	if int(key) < len(p.keyFromDevice) {
		return p.keyFromDevice[key]
	}
	return key
}

// Classifier returns the report classifier for this family. It maps the
// raw index/state bytes into full snapshot or twist vectors sized to the
// family's key and encoder counts.
func (p Profile) Classifier() dock.Classifier {
	return dock.ClassifierFunc(func(index, state byte) (dock.Input, error) {
		keyCount := p.Capabilities.KeyCount
		encoderCount := p.Capabilities.EncoderCount

		switch {
		case index >= keyIndexBase && int(index) < int(keyIndexBase)+keyCount:
			states := make([]bool, keyCount)
			if state != 0 {
				states[p.logicalKey(index-keyIndexBase)] = true
			}
			return dock.ButtonStates(states), nil

		case encoderCount > 0 && index >= encoderPressBase && int(index) < int(encoderPressBase)+encoderCount:
			states := make([]bool, encoderCount)
			states[index-encoderPressBase] = state != 0
			return dock.EncoderStates(states), nil

		case encoderCount > 0 && index >= encoderRightBase && int(index) < int(encoderRightBase)+encoderCount:
			if state != encoderPressedState {
				return dock.Input{}, dock.ErrBadData
			}
			deltas := make([]int8, encoderCount)
			deltas[index-encoderRightBase] = 1
			return dock.EncoderTwists(deltas), nil

		case encoderCount > 0 && index >= encoderLeftBase && int(index) < int(encoderLeftBase)+encoderCount:
			if state != encoderPressedState {
				return dock.Input{}, dock.ErrBadData
			}
			deltas := make([]int8, encoderCount)
			deltas[index-encoderLeftBase] = -1
			return dock.EncoderTwists(deltas), nil

		default:
			return dock.Input{}, dock.ErrBadData
		}
	})
}
