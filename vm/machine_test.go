package vm_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"vmproc/hv"
	"vmproc/memory"
	"vmproc/vm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ---- fake hypervisor device ----

const testVMID = 7

var errBoom = errors.New("boom")

// runScript decides the outcome of one Run call; call is the per-VCPU
// invocation count, starting at zero.
type runScript func(d *fakeDev, p *hv.RunParams, call int) error

type fakeDev struct {
	script runScript

	term     chan struct{}
	termOnce sync.Once
	termErr  error

	mu       sync.Mutex
	created  *hv.CreateParams
	runs     map[uint32]int
	regs     map[uint32]hv.Regs
	wrRegs   map[uint32]hv.Regs
	reset    map[uint32]hv.Regs
	params   map[uint32]hv.VCPUParams
	wrParams map[uint32]hv.VCPUParams
	shared   []memory.Range
}

func newFakeDev() *fakeDev {
	return &fakeDev{
		term:     make(chan struct{}),
		runs:     make(map[uint32]int),
		regs:     make(map[uint32]hv.Regs),
		wrRegs:   make(map[uint32]hv.Regs),
		reset:    make(map[uint32]hv.Regs),
		params:   make(map[uint32]hv.VCPUParams),
		wrParams: make(map[uint32]hv.VCPUParams),
	}
}

// runBlock parks the VCPU in the kernel until the guest is terminated.
func runBlock(d *fakeDev, p *hv.RunParams, _ int) error {
	<-d.term
	p.ExitReason = hv.ExitTerminated

	return nil
}

// runHaltThenBlock halts on the first slice and blocks on later ones.
func runHaltThenBlock(d *fakeDev, p *hv.RunParams, call int) error {
	if call == 0 {
		p.ExitReason = hv.ExitHLT

		return nil
	}

	return runBlock(d, p, call)
}

func (d *fakeDev) Create(p *hv.CreateParams) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p.ID = testVMID
	p.ASIDs = []uint32{1}
	d.created = p

	return nil
}

func (d *fakeDev) Terminate(uint32) error {
	d.termOnce.Do(func() { close(d.term) })

	return d.termErr
}

func (d *fakeDev) Run(p *hv.RunParams) error {
	d.mu.Lock()
	call := d.runs[p.VCPUID]
	d.runs[p.VCPUID] = call + 1
	script := d.script
	d.mu.Unlock()

	if script == nil {
		script = runBlock
	}

	return script(d, p, call)
}

func (d *fakeDev) Intr(_, _ uint32, _ uint8) error { return nil }

func (d *fakeDev) ReadRegs(_, vcpuID uint32) (hv.Regs, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.regs[vcpuID], nil
}

func (d *fakeDev) WriteRegs(_, vcpuID uint32, regs hv.Regs) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wrRegs[vcpuID] = regs

	return nil
}

func (d *fakeDev) ResetVCPU(_, vcpuID uint32, regs hv.Regs) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reset[vcpuID] = regs

	return nil
}

func (d *fakeDev) ReadVCPUParams(_, vcpuID uint32) (hv.VCPUParams, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.params[vcpuID], nil
}

func (d *fakeDev) WriteVCPUParams(_, vcpuID uint32, p hv.VCPUParams) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wrParams[vcpuID] = p

	return nil
}

func (d *fakeDev) ShareMem(_ uint32, ranges []memory.Range) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shared = ranges

	return nil
}

func (d *fakeDev) Close() error { return nil }

func (d *fakeDev) runCount(vcpu uint32) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.runs[vcpu]
}

// ---- helpers ----

func testConfig(t *testing.T, dev *fakeDev, ncpus int) vm.Config {
	t.Helper()

	ranges, err := memory.NewMap(2 << 20)
	require.NoError(t, err)

	return vm.Config{
		Name:      "test",
		NCPUs:     ncpus,
		Memranges: ranges,
		Device:    dev,
		Logger:    zerolog.Nop(),
	}
}

// startMachine runs the machine in the background and returns the
// channel its final result lands on.
func startMachine(t *testing.T, cfg vm.Config, reqs chan vm.Request) (*vm.Machine, <-chan error) {
	t.Helper()

	m, err := vm.New(cfg)
	require.NoError(t, err)

	res := make(chan error, 1)

	go func() { res <- m.Start(reqs) }()

	return m, res
}

func waitResult(t *testing.T, res <-chan error) error {
	t.Helper()

	select {
	case err := <-res:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("machine did not wind down")

		return nil
	}
}

// request sends one control request and returns its response.
func request(t *testing.T, reqs chan vm.Request, req vm.Request) vm.Response {
	t.Helper()

	resp := make(chan vm.Response, 1)
	req.Resp = resp

	select {
	case reqs <- req:
	case <-time.After(10 * time.Second):
		t.Fatal("dispatch thread did not accept request")
	}

	select {
	case r := <-resp:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("dispatch thread did not respond")

		return vm.Response{}
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(time.Millisecond)
	}

	t.Fatal(msg)
}

// ---- construction ----

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()

	ranges, err := memory.NewMap(2 << 20)
	require.NoError(t, err)

	tests := []struct {
		name string
		cfg  vm.Config
	}{
		{"no device", vm.Config{NCPUs: 1, Memranges: ranges}},
		{"zero cpus", vm.Config{NCPUs: 0, Memranges: ranges, Device: newFakeDev()}},
		{"too many cpus", vm.Config{NCPUs: hv.MaxVCPUs + 1, Memranges: ranges, Device: newFakeDev()}},
		{"no memory", vm.Config{NCPUs: 1, Device: newFakeDev()}},
		{"too many disks", vm.Config{NCPUs: 1, Memranges: ranges, NDisks: hv.MaxDisks + 1, Device: newFakeDev()}},
		{"too many nics", vm.Config{NCPUs: 1, Memranges: ranges, NNICs: hv.MaxNICs + 1, Device: newFakeDev()}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tt.cfg.Logger = zerolog.Nop()

			_, err := vm.New(tt.cfg)
			assert.Error(t, err)
		})
	}
}

// ---- termination convergence ----

func TestShutdownConvergesClean(t *testing.T) {
	t.Parallel()

	dev := newFakeDev()
	reqs := make(chan vm.Request)

	_, res := startMachine(t, testConfig(t, dev, 4), reqs)

	// Parent going away terminates the guest and winds everything down.
	close(reqs)

	require.NoError(t, waitResult(t, res))
}

func TestVCPUErrorBecomesResult(t *testing.T) {
	t.Parallel()

	dev := newFakeDev()
	dev.script = func(d *fakeDev, p *hv.RunParams, call int) error {
		if p.VCPUID == 2 {
			return errBoom
		}

		return runBlock(d, p, call)
	}

	reqs := make(chan vm.Request)
	_, res := startMachine(t, testConfig(t, dev, 4), reqs)

	eventually(t, func() bool { return dev.runCount(2) > 0 }, "vcpu 2 never ran")

	// The supervisor reports nothing until every worker has joined.
	close(reqs)

	err := waitResult(t, res)
	require.ErrorIs(t, err, errBoom)
}

func TestEventThreadFailureIsFatal(t *testing.T) {
	t.Parallel()

	dev := newFakeDev()
	dev.termErr = errBoom

	reqs := make(chan vm.Request)
	_, res := startMachine(t, testConfig(t, dev, 2), reqs)

	close(reqs)

	err := waitResult(t, res)
	require.ErrorIs(t, err, vm.ErrEventLoopExit)
}

func TestShutdownRequestTerminatesGuest(t *testing.T) {
	t.Parallel()

	dev := newFakeDev()
	reqs := make(chan vm.Request)

	_, res := startMachine(t, testConfig(t, dev, 2), reqs)

	// No guest control channel attached, so shutdown falls back to a
	// hard terminate.
	resp := request(t, reqs, vm.Request{Op: vm.OpShutdown})
	require.NoError(t, resp.Err)
	assert.Equal(t, uint32(testVMID), resp.VMID)

	close(reqs)
	require.NoError(t, waitResult(t, res))
}

// ---- halt and wakeup ----

func TestSignalRunResumesHaltedVCPU(t *testing.T) {
	t.Parallel()

	dev := newFakeDev()
	dev.script = runHaltThenBlock

	reqs := make(chan vm.Request)
	m, res := startMachine(t, testConfig(t, dev, 1), reqs)

	eventually(t, func() bool { return dev.runCount(0) == 1 }, "vcpu never halted")

	// A bare signal without unhalt must not run the guest.
	m.SignalRun(0)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dev.runCount(0))

	m.Unhalt(0)
	m.SignalRun(0)
	eventually(t, func() bool { return dev.runCount(0) >= 2 }, "vcpu did not resume")

	close(reqs)
	require.NoError(t, waitResult(t, res))
}
