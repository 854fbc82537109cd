package vm

import (
	"fmt"
	"runtime"

	"vmproc/hv"
)

// vcpuThread is the top of one VCPU worker. The loop result is recorded
// and completion signaled under the VM-wide mutex in a single critical
// section, so the supervisor can never observe a done flag without its
// result.
func (m *Machine) vcpuThread(vrp *hv.RunParams) {
	// The kernel pins per-VCPU state to the calling thread.
	runtime.LockOSThread()

	err := m.runLoop(vrp)

	if err != nil {
		m.log.Error().Err(err).Uint32("vcpu", vrp.VCPUID).Msg("vcpu exited")
	}

	m.mu.Lock()
	m.results[vrp.VCPUID] = err
	m.done[vrp.VCPUID] = true
	m.doneCond.Broadcast()
	m.mu.Unlock()
}

// runLoop drives one VCPU until the guest terminates or an error occurs.
// Each iteration re-reads the halted and paused flags from scratch: any
// condition wakeup loops back here rather than assuming why it was woken.
func (m *Machine) runLoop(vrp *hv.RunParams) error {
	n := vrp.VCPUID

	for {
		// The run mutex is held across the flag read so that an
		// unhalt-and-signal pair from another thread cannot slip into
		// the window before a wait begins.
		m.runMtx[n].Lock()

		m.mu.Lock()
		halted := m.halted[n]
		paused := m.state&StatePaused != 0
		bar := m.pauseBarrier
		gen := m.pauseGen
		m.mu.Unlock()

		if halted && paused {
			m.runMtx[n].Unlock()

			// The coordinator cannot finish this cycle, publish a new
			// barrier or unpause until this VCPU arrives, so bar is
			// still the live one.
			bar.wait()

			m.unpauseMtx[n].Lock()
			for m.pauseActive(gen) {
				m.unpauseCond[n].Wait()
			}
			m.unpauseMtx[n].Unlock()

			continue
		}

		if halted {
			m.runCond[n].Wait()
			m.runMtx[n].Unlock()

			continue
		}

		m.runMtx[n].Unlock()

		m.prepareIntr(vrp)

		if err := m.dev.Run(vrp); err != nil {
			return fmt.Errorf("run vcpu %d: %w", n, err)
		}

		done, err := m.handleExit(vrp)
		if err != nil {
			return err
		}

		if done {
			return nil
		}
	}
}

// prepareIntr fills the injection fields for the next kernel entry: one
// interrupt is injected when the guest's window is open, and the pending
// flag tells the kernel whether to request a window exit for the rest.
func (m *Machine) prepareIntr(vrp *hv.RunParams) {
	vrp.Inject = hv.Injection{}
	vrp.IntrPending = false

	src := m.cfg.Intr
	if src == nil {
		return
	}

	if vrp.IrqReady && src.Pending() {
		vrp.Inject = hv.Injection{Type: hv.InjectIntr, Vector: src.Ack()}
	}

	vrp.IntrPending = src.Pending()
}

// handleExit dispatches one VCPU exit. It returns done=true when the
// guest has terminated and this worker should end with success.
func (m *Machine) handleExit(vrp *hv.RunParams) (bool, error) {
	if m.cfg.Trace {
		m.traceExit(vrp)
	}

	switch vrp.ExitReason {
	case hv.ExitNone, hv.ExitIntr:
		// Nothing to service; host interrupts just bounce the loop.
		return false, nil

	case hv.ExitIOReason, hv.ExitMMIOReason, hv.ExitHypercall:
		if m.cfg.Exits == nil {
			return false, nil
		}

		if err := m.cfg.Exits.Handle(vrp); err != nil {
			return false, fmt.Errorf("vcpu %d exit %s: %w", vrp.VCPUID, vrp.ExitReason, err)
		}

		return false, nil

	case hv.ExitHLT:
		m.mu.Lock()
		m.halted[vrp.VCPUID] = true
		m.mu.Unlock()

		return false, nil

	case hv.ExitShutdown:
		// Triple fault or guest-initiated shutdown ends the whole VM.
		if err := m.dev.Terminate(m.params.ID); err != nil {
			return false, fmt.Errorf("terminate after shutdown exit: %w", err)
		}

		m.wakeAll()

		return false, nil

	case hv.ExitTerminated:
		return true, nil

	default:
		return false, fmt.Errorf("%w: vcpu %d: %s", ErrUnexpectedExit, vrp.VCPUID, vrp.ExitReason)
	}
}

// Unhalt clears a VCPU's halted flag. Device emulation calls it together
// with SignalRun after asserting an interrupt for a sleeping guest CPU.
func (m *Machine) Unhalt(n uint32) {
	m.mu.Lock()
	m.halted[n] = false
	m.mu.Unlock()
}

// SignalRun wakes a VCPU worker that is waiting out a halt.
func (m *Machine) SignalRun(n uint32) {
	m.runMtx[n].Lock()
	m.runCond[n].Broadcast()
	m.runMtx[n].Unlock()
}

// wakeAll pulls every VCPU out of any halt wait. After the guest is
// terminated, each worker must reach the kernel once more to observe it.
func (m *Machine) wakeAll() {
	for n := range m.runCond {
		m.Unhalt(uint32(n))
		m.SignalRun(uint32(n))
	}
}
