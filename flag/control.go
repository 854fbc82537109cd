package flag

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vmproc/vm"
)

const migrateDialTimeout = 30 * time.Second

var (
	errNoSource       = errors.New("neither --listen nor --file given")
	errUnknownCommand = errors.New("unknown command")
	errBadArgs        = errors.New("wrong number of arguments")
)

// controlSocketPath returns the Unix socket path for the given PID.
func controlSocketPath(pid int) string {
	return fmt.Sprintf("/tmp/vmproc-%d.sock", pid)
}

// controlServer listens on a Unix domain socket and translates
// newline-terminated commands into dispatch requests.
//
// Supported commands:
//
//	pause | unpause | shutdown | reboot
//	migrate <host:port>
//	verbose <level>
//	nicaddr <n> <mac>
type controlServer struct {
	l    net.Listener
	path string
	reqs chan vm.Request
	done chan struct{}
	log  zerolog.Logger

	closeOnce sync.Once
}

func newControlServer(path string, logger zerolog.Logger) (*controlServer, error) {
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control socket: %w", err)
	}

	return &controlServer{
		l:    l,
		path: path,
		reqs: make(chan vm.Request),
		done: make(chan struct{}),
		log:  logger,
	}, nil
}

// Requests is the channel the machine's dispatch thread consumes.
func (c *controlServer) Requests() <-chan vm.Request { return c.reqs }

// Serve accepts connections until Close. Closing the request channel on
// the way out tells the dispatch thread its parent is gone.
func (c *controlServer) Serve() error {
	defer os.Remove(c.path)

	var wg sync.WaitGroup

	for {
		conn, err := c.l.Accept()
		if err != nil {
			wg.Wait()
			close(c.reqs)

			return nil
		}

		wg.Add(1)

		go func() {
			defer wg.Done()
			c.handle(conn)
		}()
	}
}

// Close stops the listener and releases any handler still waiting on
// the machine.
func (c *controlServer) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.l.Close()
	})
}

func (c *controlServer) handle(conn net.Conn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}

	if err := c.dispatch(strings.Fields(strings.TrimSpace(line))); err != nil {
		fmt.Fprintf(conn, "ERROR %v\n", err)

		return
	}

	fmt.Fprintln(conn, "OK")
}

func (c *controlServer) dispatch(args []string) error {
	if len(args) == 0 {
		return errUnknownCommand
	}

	req := vm.Request{}

	switch args[0] {
	case "pause":
		req.Op = vm.OpPause

	case "unpause":
		req.Op = vm.OpUnpause

	case "shutdown":
		req.Op = vm.OpShutdown

	case "reboot":
		req.Op = vm.OpReboot

	case "migrate":
		if len(args) != 2 {
			return errBadArgs
		}

		conn, err := net.DialTimeout("tcp", args[1], migrateDialTimeout)
		if err != nil {
			return fmt.Errorf("dial %s: %w", args[1], err)
		}
		defer conn.Close()

		req.Op = vm.OpSend
		req.Stream = conn

	case "verbose":
		if len(args) != 2 {
			return errBadArgs
		}

		lvl, err := zerolog.ParseLevel(args[1])
		if err != nil {
			return err
		}

		req.Op = vm.OpSetVerbosity
		req.Level = lvl

	case "nicaddr":
		if len(args) != 3 {
			return errBadArgs
		}

		nic, err := strconv.Atoi(args[1])
		if err != nil {
			return err
		}

		mac, err := net.ParseMAC(args[2])
		if err != nil {
			return err
		}

		req.Op = vm.OpHostMAC
		req.NIC = nic
		req.MAC = mac

	default:
		return fmt.Errorf("%w: %q", errUnknownCommand, args[0])
	}

	return c.send(req)
}

// send hands a request to the dispatch thread and waits for its
// response. The done channel keeps a handler from blocking forever on a
// machine that has already wound down.
func (c *controlServer) send(req vm.Request) error {
	resp := make(chan vm.Response, 1)
	req.Resp = resp

	select {
	case c.reqs <- req:
	case <-c.done:
		return errors.New("vm is shutting down")
	}

	select {
	case r := <-resp:
		return r.Err
	case <-c.done:
		return errors.New("vm is shutting down")
	}
}

func (s *CtlCMD) Run() error {
	conn, err := net.Dial("unix", s.Socket)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := fmt.Fprintln(conn, strings.Join(s.Command, " ")); err != nil {
		return err
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return err
	}

	reply = strings.TrimSpace(reply)
	fmt.Println(reply)

	if strings.HasPrefix(reply, "ERROR") {
		return errors.New(strings.TrimSpace(strings.TrimPrefix(reply, "ERROR")))
	}

	return nil
}
