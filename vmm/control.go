package vmm

// Control socket: a Unix domain socket accepting newline-terminated
// commands from an operator or an external agent.
//
//	PAUSE            - quiesce all vCPUs
//	RESUME           - release a paused machine
//	SNAPSHOT <path>  - write manifest to <path> and memory to <path>.mem
//	SHUTDOWN         - stop the machine and exit the monitor
//
// Every command answers a single line: "OK" or "ERROR <reason>".

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
)

// ControlSocketPath is the default socket location for a monitor PID.
func ControlSocketPath(pid int) string {
	return fmt.Sprintf("/tmp/kuvisor-%d.sock", pid)
}

// ServeControl listens on a Unix socket at path and applies control
// commands to the controller until the listener is closed. The returned
// closer also removes the socket file.
func (c *Controller) ServeControl(path string) (func() error, error) {
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control socket: %w", err)
	}

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}

			go c.handleControl(conn)
		}
	}()

	closer := func() error {
		err := l.Close()
		os.Remove(path)

		return err
	}

	return closer, nil
}

func (c *Controller) handleControl(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if err := c.dispatchControl(line); err != nil {
			log.Printf("vmm: control %q: %v", line, err)
			fmt.Fprintf(conn, "ERROR %v\n", err)

			continue
		}

		fmt.Fprintln(conn, "OK")
	}
}

func (c *Controller) dispatchControl(line string) error {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToUpper(cmd) {
	case "PAUSE":
		return c.Pause()
	case "RESUME":
		return c.Resume()
	case "SNAPSHOT":
		if arg == "" {
			return fmt.Errorf("snapshot needs a path")
		}

		return c.Snapshot(arg, SnapshotOptions{})
	case "SHUTDOWN":
		return c.Shutdown()
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
