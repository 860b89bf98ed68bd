package device

// Noop absorbs accesses to legacy port ranges the guest probes but the
// monitor does not model (VGA, DMA page registers, secondary UARTs).
// Reads return zero, writes vanish.
type Noop struct {
	Label string
}

func (n *Noop) Name() string {
	if n.Label == "" {
		return "noop"
	}

	return n.Label
}

func (n *Noop) Read(off uint64, data []byte) error {
	for i := range data {
		data[i] = 0
	}

	return nil
}

func (n *Noop) Write(off uint64, data []byte) error {
	return nil
}

func (n *Noop) Save() ([]byte, error) {
	return nil, nil
}

func (n *Noop) Restore(data []byte) error {
	return nil
}

// I8042 answers the PS/2 controller status probe. Without it some guests
// spin forever polling port 0x64.
type I8042 struct{}

func (I8042) Name() string { return "i8042" }

func (I8042) Read(off uint64, data []byte) error {
	if len(data) == 0 {
		return errDataLenInvalid
	}

	// Status register: input buffer empty, system flag set.
	data[0] = 0x20

	return nil
}

func (I8042) Write(off uint64, data []byte) error { return nil }

func (I8042) Save() ([]byte, error) { return nil, nil }

func (I8042) Restore(data []byte) error { return nil }
