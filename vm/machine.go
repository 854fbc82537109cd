// Package vm owns a single guest's lifecycle: memory allocation, kernel
// registration, the per-VCPU execution engine, the pause/resume protocol,
// and migration send/restore.
package vm

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"vmproc/hv"
	"vmproc/memory"
	"vmproc/sev"
)

// State is the guest's lifecycle bitmask, guarded by the VM-wide mutex.
type State uint8

const (
	StateRunning State = 1 << iota
	StatePaused
	StateReceived
)

var (
	// ErrEventLoopExit reports that the control dispatch thread ended
	// while the guest was still supposed to be running.
	ErrEventLoopExit = errors.New("event dispatch exited unexpectedly")

	ErrUnexpectedExit = errors.New("unexpected vcpu exit reason")

	errNoDevice = errors.New("no hypervisor device configured")
)

// FatalError tags an unrecoverable condition (a half-restored guest, a
// broken synchronization primitive). The supervisor still performs an
// orderly teardown before surfacing it; the process must exit afterwards.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "unrecoverable: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

func fatalf(format string, args ...any) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError

	return errors.As(err, &fe)
}

// ExitHandler services VCPU exits that need userspace assistance. Device
// emulation lives behind this interface.
type ExitHandler interface {
	Handle(p *hv.RunParams) error
}

// IntrSource tells the engine whether a guest interrupt is pending and
// acknowledges the highest-priority one.
type IntrSource interface {
	Pending() bool
	Ack() uint8
}

// DeviceCodec serializes the opaque device, PCI and virtio state blocks
// of the migration stream.
type DeviceCodec interface {
	SaveDevices() ([]byte, error)
	SavePCI() ([]byte, error)
	SaveVirtio() ([]byte, error)
	RestoreDevices(b []byte) error
	RestorePCI(b []byte) error
	RestoreVirtio(b []byte) error
}

// GuestCtl asks the guest itself to shut down or reboot (typically via an
// emulated power-management device).
type GuestCtl interface {
	Shutdown() error
	Reboot() error
}

// Config carries everything a Machine needs. Collaborator fields may be
// nil; sane no-op defaults are filled in by New.
type Config struct {
	Name      string
	NCPUs     int
	Memranges []memory.Range
	NDisks    int
	NNICs     int
	SEV       bool

	Device   hv.Device
	Platform sev.Platform
	Exits    ExitHandler
	Intr     IntrSource
	Devices  DeviceCodec
	Guest    GuestCtl
	Logger   zerolog.Logger

	// Restore, when set, is the migration stream this guest is rebuilt
	// from instead of booting fresh.
	Restore io.Reader

	// AttachID, when nonzero, names an already-registered guest whose
	// memory is remapped into this process instead of allocating and
	// creating a new one.
	AttachID uint32
	// BootRegs is the initial register state for a fresh boot. Zero
	// value means the architectural reset state.
	BootRegs *hv.Regs

	// OnPause/OnResume are platform-specific finalization hooks run
	// after the pause rendezvous completes / after resume.
	OnPause  func()
	OnResume func()

	// Trace logs a disassembled instruction on every assisted exit.
	Trace bool
}

// Machine is the runtime context of one guest. It is constructed by the
// supervisor before any worker starts and torn down only after every
// worker has joined; nothing about it is process-global.
type Machine struct {
	cfg    Config
	dev    hv.Device
	log    zerolog.Logger
	params hv.CreateParams

	// mu is the single source of truth for state, halted, done, results
	// and the event-thread bookkeeping below.
	mu       sync.Mutex
	state    State
	halted   []bool
	done     []bool
	results  []error
	doneCond *sync.Cond

	evDone     bool
	evErr      error
	shutdownOK bool
	nicMAC     []net.HardwareAddr

	// pauseBarrier is non-nil only for the duration of one pause cycle.
	// pauseGen counts cycles so resume waiters can tell them apart.
	pauseBarrier *barrier
	pauseGen     uint64

	// Per-VCPU signaling. Condition waits use these dedicated locks,
	// never mu, so pause bookkeeping and VCPU wakeups cannot invert.
	runMtx      []sync.Mutex
	runCond     []*sync.Cond
	unpauseMtx  []sync.Mutex
	unpauseCond []*sync.Cond
}

// New validates cfg and builds the runtime context. No kernel or host
// resource is committed yet; configuration errors are rejected here, fast.
func New(cfg Config) (*Machine, error) {
	if cfg.Device == nil {
		return nil, errNoDevice
	}

	if cfg.Platform == nil {
		cfg.Platform = sev.Disabled{}
	}

	if cfg.Devices == nil {
		cfg.Devices = nopCodec{}
	}

	m := &Machine{
		cfg: cfg,
		dev: cfg.Device,
		log: cfg.Logger,
		params: hv.CreateParams{
			Name:      cfg.Name,
			NCPUs:     uint32(cfg.NCPUs),
			Memranges: cfg.Memranges,
			NDisks:    uint32(cfg.NDisks),
			NNICs:     uint32(cfg.NNICs),
			SEV:       cfg.SEV,
		},
	}

	if err := m.params.Validate(); err != nil {
		return nil, err
	}

	n := cfg.NCPUs
	m.halted = make([]bool, n)
	m.done = make([]bool, n)
	m.results = make([]error, n)
	m.doneCond = sync.NewCond(&m.mu)

	m.runMtx = make([]sync.Mutex, n)
	m.runCond = make([]*sync.Cond, n)
	m.unpauseMtx = make([]sync.Mutex, n)
	m.unpauseCond = make([]*sync.Cond, n)

	for i := 0; i < n; i++ {
		m.runCond[i] = sync.NewCond(&m.runMtx[i])
		m.unpauseCond[i] = sync.NewCond(&m.unpauseMtx[i])
	}

	if cfg.Restore != nil {
		m.state |= StateReceived | StatePaused
	}

	return m, nil
}

// ID returns the kernel-assigned VM identifier (zero before Start).
func (m *Machine) ID() uint32 { return m.params.ID }

// Memranges exposes the guest memory layout to device collaborators. The
// host virtual addresses are read-only outside the allocator.
func (m *Machine) Memranges() []memory.Range { return m.params.Memranges }

// Start runs the guest to completion: allocate memory, register with the
// kernel, load or restore state, execute, tear down. reqs delivers
// control-channel requests for the lifetime of the guest; Start returns
// after every VCPU worker and the dispatch thread have ended.
func (m *Machine) Start(reqs <-chan Request) error {
	var (
		bootRegs []hv.Regs
		restore  *restoreState
		err      error
	)

	// Restore path: the register section seeds VCPU reset state, so it
	// is consumed before the kernel guest even exists.
	if m.cfg.Restore != nil {
		restore, err = m.beginRestore(m.cfg.Restore)
		if err != nil {
			return err
		}

		bootRegs = restore.regs
	} else {
		regs := hv.ResetRegs()
		if m.cfg.BootRegs != nil {
			regs = *m.cfg.BootRegs
		}

		bootRegs = make([]hv.Regs, m.cfg.NCPUs)
		for i := range bootRegs {
			bootRegs[i] = regs
		}
	}

	if m.cfg.AttachID != 0 {
		// The kernel guest already exists; map its memory here.
		m.params.ID = m.cfg.AttachID

		if err := memory.Remap(m.params.Memranges, func(rs []memory.Range) error {
			return m.dev.ShareMem(m.params.ID, rs)
		}); err != nil {
			return fmt.Errorf("remap guest memory: %w", err)
		}
	} else {
		if err := memory.Allocate(m.params.Memranges); err != nil {
			return err
		}

		if err := m.dev.Create(&m.params); err != nil {
			memory.Release(m.params.Memranges)

			return fmt.Errorf("create vm: %w", err)
		}
	}
	defer memory.Release(m.params.Memranges)

	// Crypto context teardown runs on every exit path, error or not.
	defer func() {
		if err := m.cfg.Platform.Shutdown(m.params.ID); err != nil {
			m.log.Warn().Err(err).Msg("could not shutdown platform crypto context")
		}
	}()

	if err := m.cfg.Platform.Init(m.params.ID, m.params.ASIDs); err != nil {
		return fmt.Errorf("init platform crypto context: %w", err)
	}

	if restore != nil {
		if err := m.finishRestore(restore); err != nil {
			return err
		}
	}

	m.log.Info().
		Str("name", m.cfg.Name).
		Uint32("id", m.params.ID).
		Int("vcpus", m.cfg.NCPUs).
		Msg("starting vm")

	return m.run(reqs, bootRegs)
}

// run launches one worker per VCPU plus the event-dispatch thread, then
// waits for completion. The first non-success VCPU result (in VCPU
// order) becomes the overall result once everything has joined.
func (m *Machine) run(reqs <-chan Request, bootRegs []hv.Regs) error {
	received := m.state&StateReceived != 0

	if err := m.cfg.Platform.EncryptMemory(m.params.Memranges); err != nil {
		return fmt.Errorf("encrypt guest memory: %w", err)
	}

	for i := 0; i < m.cfg.NCPUs; i++ {
		n := uint32(i)

		if err := m.dev.ResetVCPU(m.params.ID, n, bootRegs[i]); err != nil {
			return fmt.Errorf("reset vcpu %d: %w", n, err)
		}

		if err := m.cfg.Platform.Activate(m.params.ID, n); err != nil {
			return fmt.Errorf("activate vcpu %d: %w", n, err)
		}

		// Reset rewrites register state, so the received values go in
		// once more on top.
		if received {
			if err := m.dev.WriteRegs(m.params.ID, n, bootRegs[i]); err != nil {
				return fmt.Errorf("write regs vcpu %d: %w", n, err)
			}
		}

		// The interrupt window starts open; the kernel refreshes the
		// flag on every return.
		vrp := &hv.RunParams{VMID: m.params.ID, VCPUID: n, IrqReady: true}

		go m.vcpuThread(vrp)
	}

	m.mu.Lock()
	m.state |= StateRunning
	m.mu.Unlock()

	go m.eventThread(reqs)

	return m.wait()
}

func (m *Machine) eventThread(reqs <-chan Request) {
	err := m.serve(reqs)

	m.mu.Lock()
	m.evDone = true
	m.evErr = err
	m.doneCond.Broadcast()
	m.mu.Unlock()
}

func (m *Machine) wait() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		// Event dispatch ending is only legitimate after a completed
		// migration or an orderly shutdown.
		if m.evDone && (m.evErr != nil || !m.shutdownOK) {
			if m.evErr != nil {
				return fmt.Errorf("%w: %v", ErrEventLoopExit, m.evErr)
			}

			return ErrEventLoopExit
		}

		all := true

		for i := range m.done {
			if !m.done[i] {
				all = false

				break
			}
		}

		if all {
			for i := range m.results {
				if m.results[i] != nil {
					return m.results[i]
				}
			}

			return nil
		}

		m.doneCond.Wait()
	}
}

// nopCodec is the DeviceCodec used when no device collaborator is
// attached; it emits empty opaque blocks.
type nopCodec struct{}

func (nopCodec) SaveDevices() ([]byte, error) { return nil, nil }
func (nopCodec) SavePCI() ([]byte, error)     { return nil, nil }
func (nopCodec) SaveVirtio() ([]byte, error)  { return nil, nil }
func (nopCodec) RestoreDevices([]byte) error  { return nil }
func (nopCodec) RestorePCI([]byte) error      { return nil }
func (nopCodec) RestoreVirtio([]byte) error   { return nil }
