// Package probe reports what the host hypervisor supports.
package probe

import (
	"fmt"
	"io"
	"os"

	"github.com/kuvisor/kuvisor/kvm"
)

// capNames covers the extensions the monitor cares about.
var capNames = []struct {
	cap  kvm.Capability
	name string
}{
	{kvm.CapIRQChip, "KVM_CAP_IRQCHIP"},
	{kvm.CapUserMemory, "KVM_CAP_USER_MEMORY"},
	{kvm.CapNRVCPUs, "KVM_CAP_NR_VCPUS"},
	{kvm.CapNRMemSlots, "KVM_CAP_NR_MEMSLOTS"},
	{kvm.CapPIT2, "KVM_CAP_PIT2"},
	{kvm.CapImmediateExit, "KVM_CAP_IMMEDIATE_EXIT"},
}

// KVMCapabilities opens /dev/kvm and writes the API version plus the
// support status of every extension the monitor uses.
func KVMCapabilities(w io.Writer) error {
	kvmFile, err := os.Open("/dev/kvm")
	if err != nil {
		return err
	}
	defer kvmFile.Close()

	kvmFd := kvmFile.Fd()

	version, err := kvm.GetAPIVersion(kvmFd)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "KVM_API_VERSION: %d\n", version)

	for _, c := range capNames {
		val, err := kvm.CheckExtension(kvmFd, c.cap)
		if err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}

		status := "no"
		if val != 0 {
			status = fmt.Sprintf("yes (%d)", val)
		}

		fmt.Fprintf(w, "%-28s %s\n", c.name+":", status)
	}

	return nil
}
