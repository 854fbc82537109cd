package iodev

import (
	"io"
	"sync"
)

// COM1Addr is the base port of the guest console UART.
const COM1Addr = 0x3f8

// consoleVector is the interrupt the console raises (legacy IRQ 4 behind
// a PIC remapped to 0x20).
const consoleVector = 0x24

// Console is a minimal 16550-style UART at COM1. Transmit bytes go to W;
// received bytes are queued through Input. It doubles as the guest's
// interrupt source: Pending and Ack report queued receive interrupts to
// the execution engine.
type Console struct {
	W io.Writer

	mu  sync.Mutex
	ier byte
	lcr byte

	input chan byte
}

func NewConsole(w io.Writer) *Console {
	return &Console{
		W:     w,
		input: make(chan byte, 1024),
	}
}

// Input is where host-side console bytes are queued for the guest.
func (c *Console) Input() chan<- byte { return c.input }

// Pending reports whether a receive interrupt should be delivered: data
// is queued and the guest enabled receive interrupts.
func (c *Console) Pending() bool {
	c.mu.Lock()
	ier := c.ier
	c.mu.Unlock()

	return ier&0x1 != 0 && len(c.input) > 0
}

// Ack returns the console's vector. The interrupt condition is level
// style: it stays asserted until the guest drains the receive buffer.
func (c *Console) Ack() uint8 { return consoleVector }

func (c *Console) IOPort() uint64 { return COM1Addr }
func (c *Console) Size() uint64   { return 8 }

func (c *Console) dlab() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lcr&0x80 != 0
}

func (c *Console) Read(port uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	switch port - COM1Addr {
	case 0:
		if c.dlab() {
			data[0] = 0xc // divisor low, 9600 baud

			return nil
		}

		select {
		case b := <-c.input:
			data[0] = b
		default:
			data[0] = 0
		}

	case 1:
		if c.dlab() {
			data[0] = 0 // divisor high

			return nil
		}

		c.mu.Lock()
		data[0] = c.ier
		c.mu.Unlock()

	case 3:
		c.mu.Lock()
		data[0] = c.lcr
		c.mu.Unlock()

	case 5:
		data[0] = 0x60 // transmitter idle
		if len(c.input) > 0 {
			data[0] |= 0x1 // data ready
		}

	default:
		data[0] = 0
	}

	return nil
}

func (c *Console) Write(port uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	switch port - COM1Addr {
	case 0:
		if c.dlab() {
			return nil
		}

		if _, err := c.W.Write(data[:1]); err != nil {
			return err
		}

	case 1:
		if c.dlab() {
			return nil
		}

		c.mu.Lock()
		c.ier = data[0]
		c.mu.Unlock()

	case 3:
		c.mu.Lock()
		c.lcr = data[0]
		c.mu.Unlock()
	}

	return nil
}
