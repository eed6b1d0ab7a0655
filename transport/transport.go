// Package transport abstracts raw USB-HID report I/O for macro keypad
// controllers. It hides the concrete HID backend behind small interfaces
// so the protocol layer can be tested against mocks.
package transport

//go:generate mockgen -source=transport.go -destination=mocks/transport_mock.go -package=mocks

// Info describes an enumerated HID device.
type Info struct {
	Path         string
	VendorID     uint16
	ProductID    uint16
	Serial       string
	Manufacturer string
	Product      string
	UsagePage    uint16
	Usage        uint16
}

// Device represents an open HID device handle.
// The first byte of every buffer is the report ID.
type Device interface {
	// Write sends one output report to the device.
	Write(data []byte) (int, error)

	// Read blocks until one input report is available and copies it
	// into data, returning the number of bytes read.
	Read(data []byte) (int, error)

	// Close closes the device handle.
	Close() error

	// Info returns the descriptor the device was opened from.
	Info() Info
}

// Enumerator lists currently visible HID devices. Zero vendor or product
// IDs act as wildcards.
type Enumerator func(vendorID, productID uint16) ([]Info, error)

// Opener opens a device previously returned by an Enumerator.
type Opener func(info Info) (Device, error)
