package flag

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/pkg/profile"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"vmproc/hv"
	"vmproc/iodev"
	"vmproc/memory"
	"vmproc/probe"
	"vmproc/sev"
	"vmproc/term"
	"vmproc/vm"
)

// CLI is the command tree.
type CLI struct {
	Verbosity string `help:"Log level (trace, debug, info, warn, error)." default:"info"`

	Run     RunCMD     `cmd:"" help:"Boot a new guest."`
	Receive ReceiveCMD `cmd:"" help:"Rebuild a guest from a migration stream."`
	Attach  AttachCMD  `cmd:"" help:"Take over an already-registered guest."`
	Ctl     CtlCMD     `cmd:"" help:"Send a control command to a running guest."`
	Probe   ProbeCMD   `cmd:"" help:"Check that this host can run guests."`
}

type ProbeCMD struct {
	Dev string `short:"D" help:"Path of the hypervisor device." default:"/dev/vmm"`
}

func (p *ProbeCMD) Run() error {
	return probe.Device(p.Dev)
}

// guestArgs are the sizing knobs shared by every way of bringing up a
// guest.
type guestArgs struct {
	Name    string `help:"Guest name." default:"vm"`
	CPUs    int    `short:"c" help:"Number of vcpus." default:"1"`
	MemSize string `short:"m" help:"Guest memory: as number[gGmMkK], defaults to G." default:"1G"`
	Disks   int    `help:"Number of disks." default:"0"`
	NICs    int    `help:"Number of network interfaces." default:"0"`
	SEV     bool   `help:"Enable memory encryption."`
	Dev     string `short:"D" help:"Path of the hypervisor device." default:"/dev/vmm"`
	Socket  string `short:"s" help:"Control socket path (default derived from pid)."`
	Trace   bool   `short:"T" help:"Log a disassembled instruction on every assisted exit."`
	Profile bool   `help:"Write a CPU profile to the current directory."`
}

type RunCMD struct {
	guestArgs
}

type ReceiveCMD struct {
	guestArgs

	Listen string `short:"l" help:"TCP address to receive the stream on (host:port)." xor:"src"`
	File   string `short:"f" help:"File to read the stream from." xor:"src"`
}

type AttachCMD struct {
	guestArgs

	VMID uint32 `arg:"" help:"Kernel identifier of the guest to attach to."`
}

type CtlCMD struct {
	Socket  string   `arg:"" help:"Control socket of the target guest."`
	Command []string `arg:"" help:"Command and arguments (pause, unpause, shutdown, reboot, migrate <addr>, verbose <level>, nicaddr <n> <mac>)."`
}

// Parse runs the command line.
func Parse() error {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("vmproc"),
		kong.Description("vmproc runs one guest under the hypervisor device"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	setupLogging(c.Verbosity)

	return ctx.Run()
}

func setupLogging(verbosity string) {
	lvl, err := zerolog.ParseLevel(verbosity)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli})
}

// config builds the machine configuration common to all bring-up paths.
// The returned console is the guest's COM1; it doubles as the interrupt
// source.
func (a *guestArgs) config() (vm.Config, *iodev.Console, *hv.IoctlDevice, error) {
	size, err := ParseSize(a.MemSize, "g")
	if err != nil {
		return vm.Config{}, nil, nil, err
	}

	ranges, err := memory.NewMap(uint64(size))
	if err != nil {
		return vm.Config{}, nil, nil, err
	}

	dev, err := hv.Open(a.Dev)
	if err != nil {
		return vm.Config{}, nil, nil, err
	}

	console := iodev.NewConsole(os.Stdout)

	mux := iodev.NewMux(console)
	mux.Add(&iodev.PostCode{W: os.Stderr})

	cfg := vm.Config{
		Name:      a.Name,
		NCPUs:     a.CPUs,
		Memranges: ranges,
		NDisks:    a.Disks,
		NNICs:     a.NICs,
		SEV:       a.SEV,
		Device:    dev,
		Platform:  sev.Disabled{},
		Exits:     mux,
		Intr:      console,
		Logger:    log.With().Str("vm", a.Name).Logger(),
		Trace:     a.Trace,
	}

	return cfg, console, dev, nil
}

// launch runs the machine and its control socket together; it returns
// once both have wound down.
func (a *guestArgs) launch(cfg vm.Config, console *iodev.Console) error {
	if a.Profile {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	m, err := vm.New(cfg)
	if err != nil {
		return err
	}

	path := a.Socket
	if path == "" {
		path = controlSocketPath(os.Getpid())
	}

	ctl, err := newControlServer(path, cfg.Logger)
	if err != nil {
		return err
	}

	if console != nil && term.IsTerminal() {
		restore, err := term.SetRawMode()
		if err != nil {
			return err
		}
		defer restore()

		go pumpConsole(m, console)
	}

	cfg.Logger.Info().Str("socket", path).Msg("control socket ready")

	g := new(errgroup.Group)

	g.Go(func() error {
		defer ctl.Close()

		return m.Start(ctl.Requests())
	})

	g.Go(ctl.Serve)

	return g.Wait()
}

// pumpConsole feeds terminal input to the guest console. A sleeping
// guest CPU is kicked so it can take the receive interrupt.
func pumpConsole(m *vm.Machine, console *iodev.Console) {
	in := bufio.NewReader(os.Stdin)

	for {
		b, err := in.ReadByte()
		if err != nil {
			return
		}

		console.Input() <- b

		m.Unhalt(0)
		m.SignalRun(0)
	}
}

func (s *RunCMD) Run() error {
	cfg, console, dev, err := s.config()
	if err != nil {
		return err
	}
	defer dev.Close()

	return s.launch(cfg, console)
}

func (s *ReceiveCMD) Run() error {
	cfg, console, dev, err := s.config()
	if err != nil {
		return err
	}
	defer dev.Close()

	switch {
	case s.File != "":
		f, err := os.Open(s.File)
		if err != nil {
			return err
		}
		defer f.Close()

		cfg.Restore = f

		return s.launch(cfg, console)

	case s.Listen != "":
		l, err := net.Listen("tcp", s.Listen)
		if err != nil {
			return fmt.Errorf("listen %s: %w", s.Listen, err)
		}
		defer l.Close()

		log.Info().Str("addr", s.Listen).Msg("waiting for migration stream")

		conn, err := l.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		defer conn.Close()

		cfg.Restore = conn

		return s.launch(cfg, console)

	default:
		return fmt.Errorf("receive: %w", errNoSource)
	}
}

func (s *AttachCMD) Run() error {
	cfg, console, dev, err := s.config()
	if err != nil {
		return err
	}
	defer dev.Close()

	cfg.AttachID = s.VMID

	return s.launch(cfg, console)
}
