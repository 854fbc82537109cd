package vm

// Pause stops guest CPU time. It publishes the paused flag together with
// a fresh rendezvous barrier sized ncpus+1, wakes any halted VCPU off
// its run wait, and blocks until every VCPU has arrived at the barrier.
// A VCPU that is executing guest code arrives only at its next natural
// halt; pause completion can therefore wait on guest behavior. The
// barrier also counts VCPU workers that have already ended, so a guest
// with a failed or finished VCPU can no longer be paused; callers see
// the whole VM wind down instead.
//
// Pause is idempotent: pausing a paused guest returns immediately.
func (m *Machine) Pause() {
	m.mu.Lock()
	if m.state&StatePaused != 0 {
		m.mu.Unlock()

		return
	}

	m.state |= StatePaused
	m.pauseGen++
	bar := newBarrier(m.cfg.NCPUs + 1)
	m.pauseBarrier = bar
	m.mu.Unlock()

	// Halted VCPUs sit in a run-condition wait and would never observe
	// the flag on their own.
	for i := range m.runCond {
		m.runMtx[i].Lock()
		m.runCond[i].Broadcast()
		m.runMtx[i].Unlock()
	}

	bar.wait()

	m.mu.Lock()
	m.pauseBarrier = nil
	m.mu.Unlock()

	if m.cfg.OnPause != nil {
		m.cfg.OnPause()
	}

	m.log.Debug().Uint32("id", m.params.ID).Msg("vm paused")
}

// Unpause resumes guest CPU time by clearing the paused flag and waking
// every VCPU off its unpause wait. The broadcast is taken under each
// VCPU's unpause mutex, and the waiters re-check the flag in a loop, so
// a wakeup cannot be lost to a VCPU still on its way into the wait.
//
// Unpause is idempotent: unpausing a running guest returns immediately.
func (m *Machine) Unpause() {
	m.mu.Lock()
	if m.state&StatePaused == 0 {
		m.mu.Unlock()

		return
	}

	m.state &^= StatePaused
	m.mu.Unlock()

	for i := range m.unpauseCond {
		m.unpauseMtx[i].Lock()
		m.unpauseCond[i].Broadcast()
		m.unpauseMtx[i].Unlock()
	}

	if m.cfg.OnResume != nil {
		m.cfg.OnResume()
	}

	m.log.Debug().Uint32("id", m.params.ID).Msg("vm unpaused")
}

// Paused reports whether guest CPU time is currently stopped.
func (m *Machine) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state&StatePaused != 0
}

// pauseActive reports whether the pause cycle identified by gen is still
// in force. A VCPU waiting for resume leaves its wait either when the
// guest is unpaused or when a newer cycle has begun and expects it at a
// new barrier.
func (m *Machine) pauseActive(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state&StatePaused != 0 && m.pauseGen == gen
}
