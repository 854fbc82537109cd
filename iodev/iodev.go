// Package iodev provides the port-I/O side of exit handling. Real device
// models (console, disk, network) are separate collaborators; this
// package carries the dispatch plumbing and a few trivial devices.
package iodev

import (
	"io"

	"vmproc/hv"
)

// Device is an I/O-port device regardless of the bus it is attached to.
type Device interface {
	Read(port uint64, data []byte) error
	Write(port uint64, data []byte) error
	IOPort() uint64
	Size() uint64
}

// Mux dispatches port-I/O exits to the device claiming the port. Ports no
// device claims read as zero and swallow writes, so a probing guest does
// not kill its VCPU.
type Mux struct {
	devices []Device
}

func NewMux(devices ...Device) *Mux {
	return &Mux{devices: devices}
}

// Add attaches another device to the mux.
func (m *Mux) Add(d Device) {
	m.devices = append(m.devices, d)
}

// Handle services one exit. Exits that are not port I/O are left alone.
func (m *Mux) Handle(p *hv.RunParams) error {
	if p.ExitReason != hv.ExitIOReason {
		return nil
	}

	data := p.IO.Data[:p.IO.Size]
	port := uint64(p.IO.Port)

	for _, d := range m.devices {
		base := d.IOPort()
		if port < base || port >= base+d.Size() {
			continue
		}

		if p.IO.In {
			return d.Read(port, data)
		}

		return d.Write(port, data)
	}

	if p.IO.In {
		for i := range data {
			data[i] = 0
		}
	}

	return nil
}

// Noop claims a port range and does nothing with it.
type Noop struct {
	Port  uint64
	Psize uint64
}

func (n *Noop) Read(port uint64, data []byte) error  { return nil }
func (n *Noop) Write(port uint64, data []byte) error { return nil }
func (n *Noop) IOPort() uint64                       { return n.Port }
func (n *Noop) Size() uint64                         { return n.Psize }

// PostCode forwards firmware POST codes written to port 0x80 to w, one
// byte at a time.
type PostCode struct {
	W io.Writer
}

func (p *PostCode) Read(port uint64, data []byte) error { return nil }

func (p *PostCode) Write(port uint64, data []byte) error {
	if len(data) != 1 {
		return nil
	}

	if data[0] == 0 {
		_, err := p.W.Write([]byte{'\r', '\n'})

		return err
	}

	_, err := p.W.Write(data[:1])

	return err
}

func (p *PostCode) IOPort() uint64 { return 0x80 }
func (p *PostCode) Size() uint64   { return 1 }
