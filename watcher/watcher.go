// SPDX-License-Identifier: GPL-3.0-only

// Package watcher emits device lifecycle events for macro keypad
// controllers. A netlink/udev subscription triggers re-enumeration and
// the diff against the previous enumeration yields per-device
// Connected/Disconnected events.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pilebones/go-udev/netlink"
	"github.com/rs/zerolog/log"

	"github.com/openstreamdock/streamdock/dock"
	"github.com/openstreamdock/streamdock/transport"
)

// netlinkBufferSize is the receive buffer size for the netlink socket.
// USB hot-plug generates many netlink messages rapidly; 2MB prevents
// ENOBUFS for typical scenarios.
const netlinkBufferSize = 2 * 1024 * 1024

// settleDelay is how long to wait after a hot-plug trigger before
// re-enumerating. USB devices need time to enumerate all interfaces
// before HID is accessible.
const settleDelay = 500 * time.Millisecond

// ErrAlreadyInitialized is returned when a second watch is started on a
// watcher instance that already has an active one.
var ErrAlreadyInitialized = errors.New("watcher already has an active watch")

// EventType represents the type of device lifecycle event.
type EventType int

const (
	// Connected indicates a device appeared.
	Connected EventType = iota
	// Disconnected indicates a device went away.
	Disconnected
)

// Event is one device lifecycle event.
type Event struct {
	Type   EventType
	Device dock.Descriptor
}

// Query selects the devices a watch reports on. Zero fields match any
// value.
type Query struct {
	UsagePage uint16
	UsageID   uint16
	VendorID  uint16
	ProductID uint16
}

func (q Query) matches(info transport.Info) bool {
	if q.VendorID != 0 && info.VendorID != q.VendorID {
		return false
	}
	if q.ProductID != 0 && info.ProductID != q.ProductID {
		return false
	}
	if q.UsagePage != 0 && info.UsagePage != q.UsagePage {
		return false
	}
	if q.UsageID != 0 && info.Usage != q.UsageID {
		return false
	}
	return true
}

// Trigger delivers a pulse whenever the set of connected devices may
// have changed. The channel must be closed when ctx is done.
type Trigger func(ctx context.Context, queries []Query) (<-chan struct{}, error)

// Watcher produces lifecycle event sequences. Only one watch may be
// active per instance at a time.
type Watcher struct {
	active    atomic.Bool
	enumerate transport.Enumerator
	trigger   Trigger
	settle    time.Duration
}

// Option is a functional option for configuring a Watcher.
type Option func(*Watcher)

// WithEnumerator sets a custom device enumerator for testing.
func WithEnumerator(fn transport.Enumerator) Option {
	return func(w *Watcher) {
		w.enumerate = fn
	}
}

// WithTrigger replaces the netlink hot-plug subscription, for testing or
// for polling setups.
func WithTrigger(fn Trigger) Option {
	return func(w *Watcher) {
		w.trigger = fn
	}
}

// WithSettleDelay overrides the post-trigger settle delay.
func WithSettleDelay(d time.Duration) Option {
	return func(w *Watcher) {
		w.settle = d
	}
}

// New creates a watcher backed by the real HID enumeration and a udev
// netlink subscription.
func New(opts ...Option) *Watcher {
	w := &Watcher{
		enumerate: transport.Enumerate,
		trigger:   netlinkTrigger,
		settle:    settleDelay,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Watch emits Connected events for all matching devices currently
// present, then Connected/Disconnected events as the enumeration
// changes, until ctx is cancelled. It fails with ErrAlreadyInitialized
// while a previous watch on this instance is still running.
func (w *Watcher) Watch(ctx context.Context, queries []Query) (<-chan Event, error) {
	if !w.active.CompareAndSwap(false, true) {
		return nil, ErrAlreadyInitialized
	}

	trigger, err := w.trigger(ctx, queries)
	if err != nil {
		w.active.Store(false)
		return nil, fmt.Errorf("failed to start hot-plug trigger: %w", err)
	}

	out := make(chan Event)

	go func() {
		defer close(out)
		defer w.active.Store(false)

		known := make(map[dock.Descriptor]struct{})
		w.refresh(ctx, queries, known, out)

		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-trigger:
				if !ok {
					return
				}
				if w.settle > 0 {
					select {
					case <-ctx.Done():
						return
					case <-time.After(w.settle):
					}
				}
				w.refresh(ctx, queries, known, out)
			}
		}
	}()

	return out, nil
}

// refresh re-enumerates, diffs against the known descriptor set and
// emits the resulting events.
func (w *Watcher) refresh(ctx context.Context, queries []Query, known map[dock.Descriptor]struct{}, out chan<- Event) {
	current, err := w.snapshot(queries)
	if err != nil {
		log.Warn().Err(err).Msg("device enumeration failed, keeping previous state")
		return
	}

	var events []Event
	for desc := range current {
		if _, ok := known[desc]; !ok {
			events = append(events, Event{Type: Connected, Device: desc})
		}
	}
	for desc := range known {
		if _, ok := current[desc]; !ok {
			events = append(events, Event{Type: Disconnected, Device: desc})
		}
	}

	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.Device.VendorID != b.Device.VendorID {
			return a.Device.VendorID < b.Device.VendorID
		}
		if a.Device.ProductID != b.Device.ProductID {
			return a.Device.ProductID < b.Device.ProductID
		}
		return a.Device.Serial < b.Device.Serial
	})

	for _, ev := range events {
		if ev.Type == Connected {
			known[ev.Device] = struct{}{}
		} else {
			delete(known, ev.Device)
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// snapshot enumerates the devices matching any query, keyed by identity.
// Devices without a serial number are skipped.
func (w *Watcher) snapshot(queries []Query) (map[dock.Descriptor]struct{}, error) {
	infos, err := w.enumerate(0, 0)
	if err != nil {
		return nil, err
	}

	current := make(map[dock.Descriptor]struct{})
	for _, info := range infos {
		if info.Serial == "" {
			continue
		}
		for _, q := range queries {
			if q.matches(info) {
				current[dock.Descriptor{
					VendorID:  info.VendorID,
					ProductID: info.ProductID,
					Serial:    info.Serial,
				}] = struct{}{}
				break
			}
		}
	}

	return current, nil
}

// netlinkTrigger subscribes to udev add/remove events for the queried
// vendor/product pairs and converts them into refresh pulses.
func netlinkTrigger(ctx context.Context, queries []Query) (<-chan struct{}, error) {
	conn := &netlink.UEventConn{}
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return nil, fmt.Errorf("failed to connect to netlink: %w", err)
	}

	// A larger receive buffer prevents ENOBUFS during rapid hot-plug
	// event bursts. The default buffer may still work, so failure here
	// is not fatal.
	if err := setSocketBufferSize(conn.Fd, netlinkBufferSize); err != nil {
		log.Warn().Err(err).Int("size", netlinkBufferSize).Msg("Failed to set netlink buffer size")
	}

	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	quit := conn.Monitor(queue, errs, matcherFor(queries))

	pulses := make(chan struct{}, 1)

	go func() {
		defer close(pulses)
		defer conn.Close()

		for {
			select {
			case <-ctx.Done():
				select {
				case quit <- struct{}{}:
				default:
				}
				return

			case uevent, ok := <-queue:
				if !ok {
					return
				}
				// REMOVE events may lack DEVTYPE since the device is
				// already gone; only ADD events are filtered on it.
				if uevent.Action == netlink.ADD && uevent.Env["DEVTYPE"] != "usb_device" {
					continue
				}
				log.Debug().
					Str("action", string(uevent.Action)).
					Str("product", uevent.Env["PRODUCT"]).
					Msg("USB device event")
				pulse(pulses)

			case err, ok := <-errs:
				if !ok {
					return
				}
				// On a netlink buffer overflow events may have been
				// dropped; force a refresh to resynchronize.
				if errors.Is(err, syscall.ENOBUFS) {
					log.Warn().Msg("Netlink buffer overflow, forcing refresh")
					pulse(pulses)
					continue
				}
				log.Error().Err(err).Msg("udev monitor error")
			}
		}
	}()

	return pulses, nil
}

// pulse delivers a refresh signal without blocking; a pending pulse
// already covers the new change.
func pulse(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// matcherFor builds udev match rules for the queried vendor/product
// pairs. The PRODUCT env var format is "vendorId/productId/bcdDevice"
// in lower-case hex without leading zeros.
func matcherFor(queries []Query) *netlink.RuleDefinitions {
	rules := &netlink.RuleDefinitions{}

	addAction := "add"
	removeAction := "remove"

	for _, q := range queries {
		vendor := "[0-9a-f]+"
		if q.VendorID != 0 {
			vendor = fmt.Sprintf("%x", q.VendorID)
		}
		product := "[0-9a-f]+"
		if q.ProductID != 0 {
			product = fmt.Sprintf("%x", q.ProductID)
		}

		// Anchored to prevent partial product ID matches.
		pattern := fmt.Sprintf("^%s/%s/[^/]+$", vendor, product)

		for _, action := range []*string{&addAction, &removeAction} {
			rules.AddRule(netlink.RuleDefinition{
				Action: action,
				Env: map[string]string{
					"SUBSYSTEM": "^usb$",
					"PRODUCT":   pattern,
				},
			})
		}
	}

	return rules
}

// setSocketBufferSize sets the receive buffer size for a socket. It
// first tries SO_RCVBUFFORCE (requires CAP_NET_ADMIN), then falls back
// to SO_RCVBUF which is capped by net.core.rmem_max.
func setSocketBufferSize(fd int, size int) error {
	err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_RCVBUFFORCE, size)
	if err == nil {
		return nil
	}
	return syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_RCVBUF, size)
}
