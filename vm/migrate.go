package vm

import (
	"fmt"
	"io"

	"vmproc/hv"
	"vmproc/memory"
	"vmproc/migration"
)

// Send serializes the guest onto w in the fixed stream order: header,
// per-VCPU registers, RAM contents, the opaque device, PCI and virtio
// blocks, per-VCPU kernel parameters. The guest is paused for the
// duration; on success it is terminated (it now lives on the receiving
// side), on failure it is unpaused and keeps running here.
func (m *Machine) Send(w io.Writer) (err error) {
	s := migration.NewWriter(w)

	if err := s.WriteHeader(); err != nil {
		return fmt.Errorf("send header: %w", err)
	}

	m.Pause()

	defer func() {
		if err != nil {
			m.Unpause()
		}
	}()

	for i := 0; i < m.cfg.NCPUs; i++ {
		regs, err := m.dev.ReadRegs(m.params.ID, uint32(i))
		if err != nil {
			return fmt.Errorf("read vcpu %d regs: %w", i, err)
		}

		if err := s.WriteRegs(&regs); err != nil {
			return fmt.Errorf("send vcpu %d regs: %w", i, err)
		}
	}

	for i := range m.params.Memranges {
		r := &m.params.Memranges[i]
		if r.Kind != memory.RAM {
			continue
		}

		if err := s.WriteMemory(r); err != nil {
			return fmt.Errorf("send memory range %#x: %w", r.GPA, err)
		}
	}

	for _, b := range []struct {
		name string
		save func() ([]byte, error)
	}{
		{"device", m.cfg.Devices.SaveDevices},
		{"pci", m.cfg.Devices.SavePCI},
		{"virtio", m.cfg.Devices.SaveVirtio},
	} {
		blob, err := b.save()
		if err != nil {
			return fmt.Errorf("save %s state: %w", b.name, err)
		}

		if err := s.WriteBlock(blob); err != nil {
			return fmt.Errorf("send %s state: %w", b.name, err)
		}
	}

	for i := 0; i < m.cfg.NCPUs; i++ {
		p, err := m.dev.ReadVCPUParams(m.params.ID, uint32(i))
		if err != nil {
			return fmt.Errorf("read vcpu %d params: %w", i, err)
		}

		if err := s.WriteVCPUParams(&p); err != nil {
			return fmt.Errorf("send vcpu %d params: %w", i, err)
		}
	}

	// The guest belongs to the other end now. A terminate failure only
	// delays local cleanup, the transfer itself is complete.
	if err := m.dev.Terminate(m.params.ID); err != nil {
		m.log.Warn().Err(err).Msg("could not terminate vm after send")
	}

	m.log.Info().Uint32("id", m.params.ID).Msg("vm sent")

	return nil
}

// restoreState carries the parts of an inbound stream that are consumed
// before the kernel guest exists.
type restoreState struct {
	r    *migration.Reader
	regs []hv.Regs
}

// beginRestore consumes the header and register section. The registers
// seed VCPU reset state, so this runs before VM creation.
func (m *Machine) beginRestore(src io.Reader) (*restoreState, error) {
	r := migration.NewReader(src)

	if err := r.ReadHeader(); err != nil {
		return nil, fatalf("restore header: %w", err)
	}

	regs := make([]hv.Regs, m.cfg.NCPUs)
	for i := range regs {
		rr, err := r.ReadRegs()
		if err != nil {
			return nil, fatalf("restore vcpu %d regs: %w", i, err)
		}

		regs[i] = rr
	}

	return &restoreState{r: r, regs: regs}, nil
}

// finishRestore consumes the rest of the stream once the kernel guest
// exists and its memory is mapped. Any failure is unrecoverable: the
// guest is half-built and must not run.
func (m *Machine) finishRestore(st *restoreState) error {
	for i := range m.params.Memranges {
		r := &m.params.Memranges[i]
		if r.Kind != memory.RAM {
			continue
		}

		if err := st.r.ReadMemory(r); err != nil {
			return fatalf("restore memory range %#x: %w", r.GPA, err)
		}
	}

	for _, b := range []struct {
		name    string
		restore func([]byte) error
	}{
		{"device", m.cfg.Devices.RestoreDevices},
		{"pci", m.cfg.Devices.RestorePCI},
		{"virtio", m.cfg.Devices.RestoreVirtio},
	} {
		blob, err := st.r.ReadBlock()
		if err != nil {
			return fatalf("restore %s state: %w", b.name, err)
		}

		if err := b.restore(blob); err != nil {
			return fatalf("apply %s state: %w", b.name, err)
		}
	}

	for i := 0; i < m.cfg.NCPUs; i++ {
		p, err := st.r.ReadVCPUParams()
		if err != nil {
			return fatalf("restore vcpu %d params: %w", i, err)
		}

		if err := m.dev.WriteVCPUParams(m.params.ID, uint32(i), p); err != nil {
			return fatalf("write vcpu %d params: %w", i, err)
		}
	}

	// The guest was paused when it was sent; let it run here.
	m.Unpause()

	m.log.Info().Uint32("id", m.params.ID).Msg("vm restored")

	return nil
}
