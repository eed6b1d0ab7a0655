package transport

import (
	"fmt"

	karalabehid "github.com/karalabe/hid"
)

// HIDAPIDevice wraps a karalabe/hid device to implement the Device interface.
type HIDAPIDevice struct {
	device karalabehid.Device // karalabe/hid.Device is an interface
	info   Info
}

// Verify HIDAPIDevice implements Device interface.
var _ Device = (*HIDAPIDevice)(nil)

// NewHIDAPIDevice creates a new HIDAPIDevice from an open hid.Device.
func NewHIDAPIDevice(device karalabehid.Device, info Info) *HIDAPIDevice {
	return &HIDAPIDevice{
		device: device,
		info:   info,
	}
}

// Write sends an output report to the device.
func (d *HIDAPIDevice) Write(data []byte) (int, error) {
	return d.device.Write(data)
}

// Read reads an input report from the device.
func (d *HIDAPIDevice) Read(data []byte) (int, error) {
	return d.device.Read(data)
}

// Close closes the device handle.
func (d *HIDAPIDevice) Close() error {
	return d.device.Close()
}

// Info returns information about the device.
func (d *HIDAPIDevice) Info() Info {
	return d.info
}

func toInfo(device karalabehid.DeviceInfo) Info {
	return Info{
		Path:         device.Path,
		VendorID:     device.VendorID,
		ProductID:    device.ProductID,
		Serial:       device.Serial,
		Manufacturer: device.Manufacturer,
		Product:      device.Product,
		UsagePage:    device.UsagePage,
		Usage:        device.Usage,
	}
}

// Enumerate returns descriptors of all visible HID devices matching the
// given vendor and product IDs. A zero value matches any.
func Enumerate(vendorID, productID uint16) ([]Info, error) {
	devices, err := karalabehid.Enumerate(vendorID, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate HID devices: %w", err)
	}

	infos := make([]Info, 0, len(devices))
	for _, device := range devices {
		infos = append(infos, toInfo(device))
	}

	return infos, nil
}

// Open opens the HID device matching the given descriptor by path, falling
// back to the vendor/product/serial triple when the path is empty.
func Open(info Info) (Device, error) {
	devices, err := karalabehid.Enumerate(info.VendorID, info.ProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	for _, deviceInfo := range devices {
		if info.Path != "" && deviceInfo.Path != info.Path {
			continue
		}
		if info.Path == "" && deviceInfo.Serial != info.Serial {
			continue
		}

		device, err := deviceInfo.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open device %s: %w", deviceInfo.Serial, err)
		}

		return NewHIDAPIDevice(device, toInfo(deviceInfo)), nil
	}

	return nil, fmt.Errorf("device %04x:%04x (serial %q) not found", info.VendorID, info.ProductID, info.Serial)
}
