// Package usbio is the concrete USB bulk transport the rest of the flasher
// is written against (§4.1's connected/connect/read/write contract). It
// wraps github.com/google/gousb exactly the way egtool's dfu and picoboot
// packages do: OpenDevices with a descriptor predicate, SetAutoDetach,
// claim a config/interface, then resolve the bulk IN/OUT endpoint pair
// (see egtool/internal/picoboot/picoboot.go's Connect and
// egtool/internal/util/usb.go's OpenUSB).
package usbio

import (
	"context"
	"time"

	usb "github.com/google/gousb"

	"github.com/edltools/qdl/internal/qerr"
)

// VendorID and ProductID are the Qualcomm EDL (Sahara/Firehose) USB
// identifiers (§6).
const (
	VendorID  usb.ID = 0x05C6
	ProductID usb.ID = 0x9008
	class9008        = 0xFF

	// MaxOutChunk is the largest single bulk OUT transfer this package will
	// issue; larger writes are chunked (§4.1).
	MaxOutChunk = 16384
)

// Transport is the contract every protocol layer (Sahara, Firehose) is
// written against, matching §4.1 exactly.
type Transport interface {
	Connected() bool
	Connect() error
	Close() error
	// Read returns one packet (up to the endpoint's max packet size) when n
	// is 0, or aggregates reads until at least n bytes have been collected
	// when n>0.
	Read(n int) ([]byte, error)
	// ReadTimeout is like Read but bounds the whole operation by d.
	ReadTimeout(n int, d time.Duration) ([]byte, error)
	// Write chunks p into MaxOutChunk-sized bulk transfers. When wait is
	// false the final chunk is fire-and-forget (errors from it are
	// ignored) — used for the loader's configure handshake, which never
	// ACKs.
	Write(p []byte, wait bool) error
	// WriteTimeout is like Write but bounds the whole operation by d.
	WriteTimeout(p []byte, wait bool, d time.Duration) error
	// WriteZLP emits a zero-length bulk OUT packet (flow-control flush).
	WriteZLP() error
	MaxPacketSize() int
}

// Device is the real gousb-backed Transport.
type Device struct {
	ctx       *usb.Context
	dev       *usb.Device
	cfg       *usb.Config
	intf      *usb.Interface
	in        *usb.InEndpoint
	out       *usb.OutEndpoint
	connected bool
}

// New returns an unconnected Device; call Connect to open it.
func New() *Device {
	return &Device{}
}

// Connect is idempotent; it opens the USB context, finds the EDL device,
// claims its bulk interface, and resolves the IN/OUT endpoints.
func (d *Device) Connect() error {
	if d.connected {
		return nil
	}
	ctx := usb.NewContext()
	devs, err := ctx.OpenDevices(func(desc *usb.DeviceDesc) bool {
		return desc.Vendor == VendorID && desc.Product == ProductID
	})
	if err != nil {
		ctx.Close()
		return &qerr.USBError{Op: "open devices", Err: err}
	}
	if len(devs) == 0 {
		ctx.Close()
		return &qerr.USBError{Op: "connect", Err: errNoDevice}
	}
	dev := devs[0]
	for _, extra := range devs[1:] {
		extra.Close()
	}
	dev.SetAutoDetach(true)

	var cn, in, an int
	found := false
	for _, c := range dev.Desc.Configs {
		for _, id := range c.Interfaces {
			for _, is := range id.AltSettings {
				if is.Class != class9008 {
					continue
				}
				var hasIn, hasOut bool
				for _, ep := range is.Endpoints {
					if ep.Direction == usb.EndpointDirectionIn {
						hasIn = true
					} else {
						hasOut = true
					}
				}
				if hasIn && hasOut {
					cn, in, an = c.Number, id.Number, is.Alternate
					found = true
				}
			}
		}
	}
	if !found {
		dev.Close()
		ctx.Close()
		return &qerr.USBError{Op: "connect", Err: errNoInterface}
	}

	cfg, err := dev.Config(cn)
	if err != nil {
		dev.Close()
		ctx.Close()
		return &qerr.USBError{Op: "claim config", Err: err}
	}
	intf, err := cfg.Interface(in, an)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return &qerr.USBError{Op: "claim interface", Err: err}
	}

	var rxn, txn int
	for _, ep := range intf.Setting.Endpoints {
		if ep.Direction == usb.EndpointDirectionIn {
			rxn = ep.Number
		} else {
			txn = ep.Number
		}
	}
	ie, err := intf.InEndpoint(rxn)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return &qerr.USBError{Op: "open IN endpoint", Err: err}
	}
	oe, err := intf.OutEndpoint(txn)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return &qerr.USBError{Op: "open OUT endpoint", Err: err}
	}

	d.ctx, d.dev, d.cfg, d.intf, d.in, d.out = ctx, dev, cfg, intf, ie, oe
	d.connected = true
	return nil
}

func (d *Device) Connected() bool { return d.connected }

func (d *Device) Close() error {
	if !d.connected {
		return nil
	}
	d.connected = false
	if d.intf != nil {
		d.intf.Close()
	}
	if d.cfg != nil {
		d.cfg.Close()
	}
	if d.dev != nil {
		d.dev.Close()
	}
	if d.ctx != nil {
		return d.ctx.Close()
	}
	return nil
}

func (d *Device) MaxPacketSize() int {
	if d.in == nil {
		return 512
	}
	return d.in.Desc.MaxPacketSize
}

func (d *Device) Read(n int) ([]byte, error) {
	return d.ReadTimeout(n, 0)
}

// ReadTimeout aggregates reads until at least n bytes arrive (or, when
// n==0, returns a single packet), bounded by d if d>0.
func (d *Device) ReadTimeout(n int, timeout time.Duration) ([]byte, error) {
	if !d.connected {
		return nil, &qerr.USBError{Op: "read", Err: errNotConnected}
	}
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	packet := d.MaxPacketSize()
	if n == 0 {
		buf := make([]byte, packet)
		nr, err := d.in.ReadContext(ctx, buf)
		if err != nil {
			return nil, &qerr.USBError{Op: "bulk read", Err: err}
		}
		return buf[:nr], nil
	}
	out := make([]byte, 0, n)
	for len(out) < n {
		if ctx.Err() != nil {
			return out, &qerr.TimeoutError{Op: "read", Budget: timeout}
		}
		buf := make([]byte, packet)
		nr, err := d.in.ReadContext(ctx, buf)
		if err != nil {
			return out, &qerr.USBError{Op: "bulk read", Err: err}
		}
		out = append(out, buf[:nr]...)
	}
	return out, nil
}

func (d *Device) Write(p []byte, wait bool) error {
	return d.WriteTimeout(p, wait, 0)
}

// WriteTimeout chunks p to MaxOutChunk-sized bulk transfers (§4.1). When
// wait is false the final chunk's error is discarded — the loader's
// configure handshake never ACKs the write.
func (d *Device) WriteTimeout(p []byte, wait bool, timeout time.Duration) error {
	if !d.connected {
		return &qerr.USBError{Op: "write", Err: errNotConnected}
	}
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	for i := 0; i < len(p); i += MaxOutChunk {
		if ctx.Err() != nil {
			return &qerr.TimeoutError{Op: "write", Budget: timeout}
		}
		end := i + MaxOutChunk
		if end > len(p) {
			end = len(p)
		}
		last := end == len(p)
		_, err := d.out.WriteContext(ctx, p[i:end])
		if err != nil {
			if last && !wait {
				return nil
			}
			return &qerr.USBError{Op: "bulk write", Err: err}
		}
	}
	return nil
}

func (d *Device) WriteZLP() error {
	if !d.connected {
		return &qerr.USBError{Op: "write zlp", Err: errNotConnected}
	}
	_, err := d.out.Write(nil)
	if err != nil {
		return &qerr.USBError{Op: "write zlp", Err: err}
	}
	return nil
}
