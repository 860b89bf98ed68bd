package vcpu

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// DisasmWindow is how many code bytes at the fault are fetched for a
// report.
const DisasmWindow = 32

// DisasmContext renders the instruction stream at rip for fault reports.
// Decode errors stop the listing; whatever decoded before the error is
// still returned so a trashed tail does not hide the faulting head.
func DisasmContext(rip uint64, code []byte) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "code at %#x:", rip)

	pc := rip

	for len(code) > 0 {
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			fmt.Fprintf(&sb, "\n  %#x: %#02x (undecodable)", pc, code[0])

			break
		}

		fmt.Fprintf(&sb, "\n  %#x: %s", pc, x86asm.GNUSyntax(inst, pc, nil))

		code = code[inst.Len:]
		pc += uint64(inst.Len)
	}

	return sb.String()
}
