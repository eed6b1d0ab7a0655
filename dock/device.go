// SPDX-License-Identifier: GPL-3.0-only

package dock

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/openstreamdock/streamdock/imaging"
	"github.com/openstreamdock/streamdock/transport"
)

const (
	// inputReportLength is the fixed size of raw input reports.
	inputReportLength = 512

	// inputIndexOffset and inputStateOffset locate the key/encoder index
	// and state bytes inside a raw input report.
	inputIndexOffset = 9
	inputStateOffset = 10
)

// Capabilities are the fixed parameters of one connected device. They
// are a configuration value describing a device family, never mutated
// after Connect.
type Capabilities struct {
	// KeyCount is the number of keys on the device.
	KeyCount int

	// EncoderCount is the number of rotary encoders on the device.
	EncoderCount int

	// PacketSize is the report payload size, 512 or 1024. Zero selects
	// the default for the protocol variant.
	PacketSize int

	// ProtocolV2 selects the v2 protocol variant (1024-byte packets,
	// explicit commit after clearing the screen).
	ProtocolV2 bool

	// DualStateInput is set for devices whose reports distinguish press
	// from release. Others emit a momentary pulse per press.
	DualStateInput bool
}

// stagedImage is one image payload waiting for the next Flush.
type stagedImage struct {
	key  uint8
	data []byte
}

// Connection owns a single open transport handle to one device and
// exposes the full command surface. All methods are safe for concurrent
// use; writes are serialized and at most one raw read is in flight.
type Connection struct {
	dev    transport.Device
	caps   Capabilities
	serial string
	framer framer

	initOnce sync.Once
	initErr  error

	writeMu sync.Mutex
	closed  bool

	cacheMu sync.Mutex
	staged  []stagedImage

	readMu  sync.Mutex
	pending chan readResult
}

type readResult struct {
	data []byte
	err  error
}

// ConnectOption is a functional option for configuring Connect.
type ConnectOption func(*connectConfig)

type connectConfig struct {
	enumerate transport.Enumerator
	open      transport.Opener
}

// WithEnumerator sets a custom device enumerator for testing.
func WithEnumerator(fn transport.Enumerator) ConnectOption {
	return func(c *connectConfig) {
		c.enumerate = fn
	}
}

// WithOpener sets a custom device opener for testing.
func WithOpener(fn transport.Opener) ConnectOption {
	return func(c *connectConfig) {
		c.open = fn
	}
}

// Connect looks up the live device matching the identity triple and
// opens it. It fails with ErrDeviceNotFound when no match exists.
func Connect(vid, pid uint16, serial string, caps Capabilities, opts ...ConnectOption) (*Connection, error) {
	cfg := connectConfig{enumerate: transport.Enumerate, open: transport.Open}
	for _, opt := range opts {
		opt(&cfg)
	}

	switch caps.PacketSize {
	case 0:
		caps.PacketSize = 512
		if caps.ProtocolV2 {
			caps.PacketSize = 1024
		}
	case 512, 1024:
	default:
		return nil, fmt.Errorf("%w: packet size %d", ErrInvalidDevice, caps.PacketSize)
	}

	infos, err := cfg.enumerate(vid, pid)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	for _, info := range infos {
		if info.VendorID != vid || info.ProductID != pid || info.Serial != serial {
			continue
		}

		dev, err := cfg.open(info)
		if err != nil {
			return nil, fmt.Errorf("failed to open device %s: %w", serial, err)
		}

		return &Connection{
			dev:    dev,
			caps:   caps,
			serial: serial,
			framer: framer{packetSize: caps.PacketSize},
		}, nil
	}

	return nil, ErrDeviceNotFound
}

// KeyCount returns the number of keys on the device.
func (c *Connection) KeyCount() int {
	return c.caps.KeyCount
}

// EncoderCount returns the number of encoders on the device.
func (c *Connection) EncoderCount() int {
	return c.caps.EncoderCount
}

// Serial returns the serial number the connection was opened with.
func (c *Connection) Serial() string {
	return c.serial
}

// SupportsDualState reports whether the device distinguishes press from
// release in its input reports.
func (c *Connection) SupportsDualState() bool {
	return c.caps.DualStateInput
}

// initialize sends the two handshake frames on first use. Every command
// calls it; the sync.Once guarantees exactly one execution even under
// concurrent first callers, and later callers observe its result.
func (c *Connection) initialize() error {
	c.initOnce.Do(func() {
		for _, frame := range c.framer.handshake() {
			if err := c.writeFrame(frame); err != nil {
				c.initErr = fmt.Errorf("device handshake: %w", err)
				return
			}
		}
	})
	return c.initErr
}

// writeFrame sends one report under the write lock.
func (c *Connection) writeFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeFrameLocked(frame)
}

func (c *Connection) writeFrameLocked(frame []byte) error {
	if c.closed {
		return ErrConnectionClosed
	}
	if _, err := c.dev.Write(frame); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// SetBrightness sets the display brightness. Values above 100 are
// clamped.
func (c *Connection) SetBrightness(percent int) error {
	if err := c.initialize(); err != nil {
		return err
	}

	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	return c.writeFrame(c.framer.brightness(byte(percent)))
}

// WriteImage stages an already encoded image payload for the given key.
// No device I/O happens until Flush; repeated writes for the same key
// are all kept and sent in submission order.
func (c *Connection) WriteImage(key uint8, data []byte) error {
	if int(key) >= c.caps.KeyCount {
		return ErrInvalidKeyIndex
	}

	staged := stagedImage{key: key, data: make([]byte, len(data))}
	copy(staged.data, data)

	c.cacheMu.Lock()
	c.staged = append(c.staged, staged)
	c.cacheMu.Unlock()

	return nil
}

// SetButtonImage renders the image for the device's screens and stages
// it for the given key. Flush commits it to the device.
func (c *Connection) SetButtonImage(key uint8, format imaging.Format, img image.Image) error {
	if int(key) >= c.caps.KeyCount {
		return ErrInvalidKeyIndex
	}
	if format.Mode == imaging.ModeNone {
		return ErrNoScreen
	}

	if err := c.initialize(); err != nil {
		return err
	}

	data, err := imaging.Convert(img, format)
	if err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}

	return c.WriteImage(key, data)
}

// ClearButtonImage blanks a single key.
func (c *Connection) ClearButtonImage(key uint8) error {
	if key != clearAllKeys && int(key) >= c.caps.KeyCount {
		return ErrInvalidKeyIndex
	}

	if err := c.initialize(); err != nil {
		return err
	}

	return c.writeFrame(c.framer.clear(key))
}

// ClearAllButtonImages blanks every key. The v2 variant requires an
// explicit commit for the clear to take effect.
func (c *Connection) ClearAllButtonImages() error {
	if err := c.ClearButtonImage(clearAllKeys); err != nil {
		return err
	}

	if c.caps.ProtocolV2 {
		return c.writeFrame(c.framer.commit())
	}

	return nil
}

// Flush commits every staged image to the device in submission order:
// one BAT announcement plus the payload pages per entry, then a single
// STP commit, then the cache is cleared. A transport failure aborts the
// remaining entries and leaves the cache intact, so a later Flush
// retries the whole batch from scratch.
func (c *Connection) Flush() error {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	if err := c.initialize(); err != nil {
		return err
	}

	if len(c.staged) == 0 {
		return nil
	}

	// Hold the write lock across the batch so pages from concurrent
	// commands cannot interleave with the image stream.
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for _, img := range c.staged {
		if err := c.writeFrameLocked(c.framer.imageBatch(img.key, len(img.data))); err != nil {
			return err
		}
		for _, page := range c.framer.pages(img.data) {
			if err := c.writeFrameLocked(page); err != nil {
				return err
			}
		}
	}

	if err := c.writeFrameLocked(c.framer.commit()); err != nil {
		return err
	}

	c.staged = nil
	return nil
}

// Sleep puts the device to sleep.
func (c *Connection) Sleep() error {
	if err := c.initialize(); err != nil {
		return err
	}

	return c.writeFrame(c.framer.sleep())
}

// KeepAlive sends the heartbeat some devices expect periodically.
func (c *Connection) KeepAlive() error {
	if err := c.initialize(); err != nil {
		return err
	}

	return c.writeFrame(c.framer.keepAlive())
}

// Shutdown powers the device down: a DC frame followed by HAN.
func (c *Connection) Shutdown() error {
	if err := c.initialize(); err != nil {
		return err
	}

	if err := c.writeFrame(c.framer.disconnect()); err != nil {
		return err
	}

	return c.writeFrame(c.framer.sleep())
}

// Reset restores full brightness and blanks every key.
func (c *Connection) Reset() error {
	if err := c.SetBrightness(100); err != nil {
		return err
	}

	return c.ClearAllButtonImages()
}

// ReadInput performs one raw report read and classifies it. A timeout
// <= 0 blocks until a report arrives; otherwise the read races a timer
// and an elapsed timer yields NoData rather than an error. Reports whose
// first byte is zero are heartbeats and also yield NoData.
func (c *Connection) ReadInput(timeout time.Duration, classify Classifier) (Input, error) {
	if err := c.initialize(); err != nil {
		return Input{}, err
	}

	data, err := c.readReport(timeout)
	if err != nil {
		return Input{}, err
	}

	if len(data) == 0 || data[0] == 0 {
		return NoData(), nil
	}

	if len(data) <= inputStateOffset {
		return Input{}, ErrBadData
	}

	state := byte(0x01)
	if c.caps.DualStateInput {
		state = data[inputStateOffset]
	}

	return classify.Classify(data[inputIndexOffset], state)
}

// readReport returns one raw input report, or nil when the timeout
// elapses first. Reads are single-flighted: when a timed-out read later
// completes, its report is handed to the next caller instead of being
// dropped, and the transport never sees two concurrent reads.
func (c *Connection) readReport(timeout time.Duration) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.pending == nil {
		ch := make(chan readResult, 1)
		dev := c.dev
		go func() {
			buf := make([]byte, inputReportLength)
			n, err := dev.Read(buf)
			if err != nil {
				ch <- readResult{err: fmt.Errorf("failed to read report: %w", err)}
				return
			}
			ch <- readResult{data: buf[:n]}
		}()
		c.pending = ch
	}

	if timeout <= 0 {
		res := <-c.pending
		c.pending = nil
		return res.data, res.err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-c.pending:
		c.pending = nil
		return res.data, res.err
	case <-timer.C:
		return nil, nil
	}
}

// Close closes the underlying transport handle.
func (c *Connection) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	return c.dev.Close()
}
