package flag

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/pkg/profile"

	"github.com/kuvisor/kuvisor/loader"
	"github.com/kuvisor/kuvisor/machine"
	"github.com/kuvisor/kuvisor/mmds"
	"github.com/kuvisor/kuvisor/probe"
	"github.com/kuvisor/kuvisor/ratelimit"
	"github.com/kuvisor/kuvisor/term"
	"github.com/kuvisor/kuvisor/vmm"
)

func (p *ProbeCMD) Run() error {
	return probe.KVMCapabilities(os.Stdout)
}

func (r *RunCMD) Run() error {
	cfg, cleanup, err := r.machineConfig()
	if err != nil {
		return err
	}
	defer cleanup()

	loadAddr, err := strconv.ParseUint(r.LoadAddr, 0, 64)
	if err != nil {
		return fmt.Errorf("load address %q: %w", r.LoadAddr, err)
	}

	img, err := loader.FlatFromFile(r.Image, loadAddr)
	if err != nil {
		return err
	}

	m, err := machine.New(cfg)
	if err != nil {
		return err
	}

	c := vmm.New(m, vmm.Config{})

	if err := c.Boot(img); err != nil {
		_ = m.Close()

		return err
	}

	return r.serve(c, m)
}

func (r *RestoreCMD) Run() error {
	cfg, cleanup, err := r.machineConfig()
	if err != nil {
		return err
	}
	defer cleanup()

	m, err := machine.New(cfg)
	if err != nil {
		return err
	}

	c := vmm.New(m, vmm.Config{})

	if err := c.Restore(r.Snapshot); err != nil {
		_ = m.Close()

		return err
	}

	// Restore parks the machine; the command-line flow wants it running.
	if err := c.Resume(); err != nil {
		_ = c.Shutdown()

		return err
	}

	return r.serve(c, m)
}

// machineConfig translates the shared flags into a machine description.
// The returned cleanup closes whatever files were opened along the way.
func (g *GuestFlags) machineConfig() (machine.Config, func(), error) {
	cleanup := func() {}

	memSize, err := ParseSize(g.Mem, "m")
	if err != nil {
		return machine.Config{}, cleanup, fmt.Errorf("memory size: %w", err)
	}

	cfg := machine.Config{
		NCPUs:      g.CPUs,
		MemSize:    memSize,
		SerialSink: os.Stdout,
	}

	if g.Disk != "" {
		disk, err := os.OpenFile(g.Disk, os.O_RDWR, 0)
		if err != nil {
			return machine.Config{}, cleanup, fmt.Errorf("disk image: %w", err)
		}

		cleanup = func() { _ = disk.Close() }

		st, err := disk.Stat()
		if err != nil {
			return machine.Config{}, cleanup, err
		}

		cfg.Disk = disk
		cfg.DiskSize = uint64(st.Size())

		bps, err := ParseSize(g.DiskBps, "")
		if err != nil {
			return machine.Config{}, cleanup, fmt.Errorf("disk-bps: %w", err)
		}

		if bps > 0 {
			cfg.DiskLimit = ratelimit.NewTokenBucket(bps, bps)
		}
	}

	if g.Metadata != "" {
		doc, err := os.ReadFile(g.Metadata)
		if err != nil {
			return machine.Config{}, cleanup, fmt.Errorf("metadata: %w", err)
		}

		store := mmds.NewStore()
		if err := store.Put("latest", doc); err != nil {
			return machine.Config{}, cleanup, err
		}

		cfg.Metadata = store
	}

	return cfg, cleanup, nil
}

// serve runs the started machine to completion: control socket, console
// input pump, optional profiling.
func (g *GuestFlags) serve(c *vmm.Controller, m *machine.Machine) error {
	if g.Profile {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	ctlPath := g.Control
	if ctlPath == "" {
		ctlPath = vmm.ControlSocketPath(os.Getpid())
	}

	ctlStop, err := c.ServeControl(ctlPath)
	if err != nil {
		_ = c.Shutdown()

		return err
	}
	defer func() { _ = ctlStop() }()

	if term.IsTerminal() {
		restoreMode, err := term.SetRawMode()
		if err != nil {
			return err
		}
		defer restoreMode()

		go pumpConsole(c, m)
	} else {
		fmt.Fprintln(os.Stderr, "stdin is not a terminal; console input disabled")
	}

	err = c.Wait()

	if sErr := c.Shutdown(); err == nil {
		err = sErr
	}

	return err
}

// pumpConsole feeds stdin to the guest serial port. Ctrl-A x shuts the
// machine down.
func pumpConsole(c *vmm.Controller, m *machine.Machine) {
	in := bufio.NewReader(os.Stdin)

	var before byte

	for {
		b, err := in.ReadByte()
		if err != nil {
			return
		}

		if before == 0x1 && b == 'x' {
			if err := c.Shutdown(); err != nil {
				log.Printf("shutdown: %v", err)
			}

			return
		}

		before = b

		m.Serial().InputChan() <- b

		if err := m.Serial().NotifyInput(); err != nil {
			log.Printf("serial input irq: %v", err)
		}
	}
}
