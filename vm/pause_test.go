package vm_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmproc/hv"
	"vmproc/vm"
)

func TestPauseUnpauseCycle(t *testing.T) {
	t.Parallel()

	dev := newFakeDev()
	dev.script = runHaltThenBlock

	reqs := make(chan vm.Request)
	m, res := startMachine(t, testConfig(t, dev, 4), reqs)

	for i := uint32(0); i < 4; i++ {
		n := i
		eventually(t, func() bool { return dev.runCount(n) == 1 }, "vcpu never halted")
	}

	// Pause completes only once every VCPU has reached the rendezvous;
	// a response therefore proves the barrier worked.
	resp := request(t, reqs, vm.Request{Op: vm.OpPause})
	require.NoError(t, resp.Err)
	assert.True(t, m.Paused())

	// Pausing a paused guest is a no-op, not a second cycle.
	resp = request(t, reqs, vm.Request{Op: vm.OpPause})
	require.NoError(t, resp.Err)
	assert.True(t, m.Paused())

	resp = request(t, reqs, vm.Request{Op: vm.OpUnpause})
	require.NoError(t, resp.Err)
	assert.False(t, m.Paused())

	// Liveness after resume: the engine accepts work again.
	m.Unhalt(0)
	m.SignalRun(0)
	eventually(t, func() bool { return dev.runCount(0) >= 2 }, "vcpu did not resume after unpause")

	close(reqs)
	require.NoError(t, waitResult(t, res))
}

func TestRepeatedPauseCycles(t *testing.T) {
	t.Parallel()

	dev := newFakeDev()
	dev.script = runHaltThenBlock

	reqs := make(chan vm.Request)
	m, res := startMachine(t, testConfig(t, dev, 2), reqs)

	// Each cycle builds a fresh barrier; cycles must not interfere.
	for round := 0; round < 5; round++ {
		resp := request(t, reqs, vm.Request{Op: vm.OpPause})
		require.NoError(t, resp.Err, "round %d", round)
		require.True(t, m.Paused())

		resp = request(t, reqs, vm.Request{Op: vm.OpUnpause})
		require.NoError(t, resp.Err, "round %d", round)
		require.False(t, m.Paused())
	}

	close(reqs)
	require.NoError(t, waitResult(t, res))
}

func TestUnpauseWithoutPauseIsNoop(t *testing.T) {
	t.Parallel()

	dev := newFakeDev()
	reqs := make(chan vm.Request)

	m, res := startMachine(t, testConfig(t, dev, 1), reqs)

	resp := request(t, reqs, vm.Request{Op: vm.OpUnpause})
	require.NoError(t, resp.Err)
	assert.False(t, m.Paused())

	close(reqs)
	require.NoError(t, waitResult(t, res))
}

func TestPauseWaitsForRunningVCPU(t *testing.T) {
	t.Parallel()

	dev := newFakeDev()

	// VCPU 0 halts right away, VCPU 1 keeps running until released.
	release := make(chan struct{})
	dev.script = func(d *fakeDev, p *hv.RunParams, call int) error {
		if p.VCPUID == 0 {
			return runHaltThenBlock(d, p, call)
		}

		if call == 0 {
			<-release

			p.ExitReason = hv.ExitHLT

			return nil
		}

		return runBlock(d, p, call)
	}

	reqs := make(chan vm.Request)
	m, res := startMachine(t, testConfig(t, dev, 2), reqs)

	eventually(t, func() bool { return dev.runCount(0) == 1 }, "vcpu 0 never halted")

	done := make(chan vm.Response, 1)

	go func() {
		resp := make(chan vm.Response, 1)
		reqs <- vm.Request{Op: vm.OpPause, Resp: resp}
		done <- <-resp
	}()

	// Pause cannot complete while VCPU 1 is still executing guest code.
	select {
	case <-done:
		t.Fatal("pause completed before all vcpus halted")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	select {
	case resp := <-done:
		require.NoError(t, resp.Err)
	case <-time.After(10 * time.Second):
		t.Fatal("pause never completed")
	}

	require.True(t, m.Paused())

	resp := request(t, reqs, vm.Request{Op: vm.OpUnpause})
	require.NoError(t, resp.Err)

	close(reqs)
	require.NoError(t, waitResult(t, res))
}
