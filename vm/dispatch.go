package vm

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/rs/zerolog"
)

// Op identifies a control-channel request.
type Op int

const (
	OpShutdown Op = iota
	OpReboot
	OpPause
	OpUnpause
	OpSend
	OpSetVerbosity
	OpHostMAC
)

var (
	errBadNIC     = errors.New("no such nic")
	errNoGuestCtl = errors.New("no guest control channel attached")
)

// Request is one control operation delivered to the dispatch thread.
// Resp, when non-nil, receives exactly one Response.
type Request struct {
	Op Op

	// Stream is the migration target for OpSend. The caller keeps
	// ownership and closes it after the response arrives.
	Stream io.Writer

	Level zerolog.Level
	NIC   int
	MAC   net.HardwareAddr

	Resp chan<- Response
}

// Response reports the outcome of a Request.
type Response struct {
	VMID uint32
	Err  error
}

// serve is the event-dispatch thread body: it owns all control-channel
// traffic so that pause, resume and send never race each other. It
// returns nil only on the two legitimate endings, a completed outbound
// migration or a closed request channel; the supervisor treats any other
// return as a VM-fatal condition.
func (m *Machine) serve(reqs <-chan Request) error {
	for req := range reqs {
		var err error

		switch req.Op {
		case OpPause:
			m.Pause()

		case OpUnpause:
			m.Unpause()

		case OpSend:
			err = m.Send(req.Stream)
			if err == nil {
				// The guest now runs elsewhere; this process winds
				// down through the normal termination path. Waking
				// the paused workers lets them observe it.
				m.reply(req, nil)
				m.mu.Lock()
				m.shutdownOK = true
				m.mu.Unlock()
				m.Unpause()
				m.wakeAll()

				return nil
			}

			m.log.Warn().Err(err).Msg("send failed, vm still running")

		case OpShutdown:
			err = m.requestShutdown()

		case OpReboot:
			if m.cfg.Guest != nil {
				err = m.cfg.Guest.Reboot()
			} else {
				err = errNoGuestCtl
			}

		case OpSetVerbosity:
			zerolog.SetGlobalLevel(req.Level)
			m.log.Info().Stringer("level", req.Level).Msg("log verbosity changed")

		case OpHostMAC:
			err = m.setHostMAC(req.NIC, req.MAC)

		default:
			err = fmt.Errorf("unknown control op %d", req.Op)
		}

		m.reply(req, err)
	}

	// A closed channel means the parent is gone. Terminate the guest so
	// the VCPU workers converge and teardown stays orderly.
	m.mu.Lock()
	m.shutdownOK = true
	m.mu.Unlock()

	if err := m.dev.Terminate(m.params.ID); err != nil {
		return err
	}

	m.Unpause()
	m.wakeAll()

	return nil
}

// requestShutdown asks the guest to power down via its management
// channel when one is attached, and falls back to a hard terminate.
func (m *Machine) requestShutdown() error {
	if m.cfg.Guest != nil {
		if err := m.cfg.Guest.Shutdown(); err == nil {
			return nil
		}

		m.log.Warn().Msg("guest ignored shutdown request, terminating")
	}

	if err := m.dev.Terminate(m.params.ID); err != nil {
		return err
	}

	m.wakeAll()

	return nil
}

func (m *Machine) setHostMAC(nic int, mac net.HardwareAddr) error {
	if nic < 0 || nic >= m.cfg.NNICs {
		return fmt.Errorf("%w: %d", errBadNIC, nic)
	}

	m.mu.Lock()
	if m.nicMAC == nil {
		m.nicMAC = make([]net.HardwareAddr, m.cfg.NNICs)
	}

	m.nicMAC[nic] = mac
	m.mu.Unlock()

	return nil
}

// HostMAC returns the host-side address assigned to a NIC, or nil.
func (m *Machine) HostMAC(nic int) net.HardwareAddr {
	m.mu.Lock()
	defer m.mu.Unlock()

	if nic < 0 || nic >= len(m.nicMAC) {
		return nil
	}

	return m.nicMAC[nic]
}

func (m *Machine) reply(req Request, err error) {
	if req.Resp == nil {
		return
	}

	req.Resp <- Response{VMID: m.params.ID, Err: err}
}
