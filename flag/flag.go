// Package flag is the command-line surface of kuvisor.
package flag

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
)

// ParseSize parses a size string as number[gGmMkK]. The multiplier is
// optional, and if not set, the unit passed in is used. The number can be
// any base and size.
func ParseSize(s, unit string) (uint64, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return 0, fmt.Errorf("%q: can't parse as num[gGmMkK]: %w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 64)
	if err != nil {
		return 0, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return amt << 30, nil
	case "M", "m":
		return amt << 20, nil
	case "K", "k":
		return amt << 10, nil
	case "":
		return amt, nil
	}

	return 0, fmt.Errorf("can not parse %q as num[gGmMkK]: %w", s, strconv.ErrSyntax)
}

// CLI is the kong command tree.
type CLI struct {
	Run     RunCMD     `cmd:"" help:"Boot a guest image."`
	Restore RestoreCMD `cmd:"" help:"Restore a machine from a snapshot."`
	Probe   ProbeCMD   `cmd:"" help:"Print host KVM capabilities."`
}

// GuestFlags are the machine-shape options shared by run and restore.
type GuestFlags struct {
	CPUs     int    `name:"cpus" short:"c" default:"1" help:"Number of vCPUs."`
	Mem      string `name:"mem" short:"m" default:"128M" help:"Guest memory size as number[gGmMkK]."`
	Disk     string `name:"disk" short:"d" help:"Disk image backing the virtio block device."`
	DiskBps  string `name:"disk-bps" default:"0" help:"Disk throughput cap in bytes per second, 0 means unlimited."`
	Metadata string `name:"metadata" help:"JSON file served to the guest through the metadata port."`
	Control  string `name:"control" help:"Control socket path. Defaults to /tmp/kuvisor-<pid>.sock."`
	Profile  bool   `name:"profile" help:"Write a CPU profile for this run."`
}

type RunCMD struct {
	GuestFlags

	Image    string `arg:"" help:"Flat guest binary to load."`
	LoadAddr string `name:"load-addr" default:"0x100000" help:"Guest-physical load and entry address."`
}

type RestoreCMD struct {
	GuestFlags

	Snapshot string `arg:"" help:"Snapshot manifest path. The memory image is read from <path>.mem."`
}

type ProbeCMD struct{}

// Parse dispatches os.Args to the selected subcommand.
func Parse() error {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("kuvisor"),
		kong.Description("kuvisor is a small KVM microVM monitor with pause, snapshot and restore"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return ctx.Run()
}
