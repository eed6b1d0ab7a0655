// SPDX-License-Identifier: GPL-3.0-only

package dock

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// ErrDeviceNotFound is returned when no enumerated device matches the
// requested vendor/product/serial triple.
var ErrDeviceNotFound = errors.New("no device found for the provided identity")

// ErrInvalidDevice is returned when an enumerated device cannot be used
// as a macro keypad.
var ErrInvalidDevice = errors.New("invalid device")

// ErrConnectionClosed is returned when an operation is attempted on a
// closed connection.
var ErrConnectionClosed = errors.New("connection is closed")

// ErrNoScreen is returned when an image operation targets a device
// without per-key displays.
var ErrNoScreen = errors.New("device has no screen to write the image to")

// ErrInvalidKeyIndex is returned when a key index is outside the range
// reported by the device capabilities.
var ErrInvalidKeyIndex = errors.New("key index is out of range")

// ErrUnrecognizedPID is returned when a product ID does not match any
// known device family.
var ErrUnrecognizedPID = errors.New("unrecognized product ID")

// ErrUnsupportedOperation is returned when the device does not support
// the requested operation.
var ErrUnsupportedOperation = errors.New("operation not supported by this device")

// ErrBadData is returned when the device sends a report that cannot be
// classified.
var ErrBadData = errors.New("device sent unexpected data")

// extractString decodes a NUL-padded byte region reported by a device
// into a string. Invalid UTF-8 surfaces as ErrBadData.
func extractString(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", ErrBadData
	}
	return strings.ReplaceAll(string(b), "\x00", ""), nil
}
