package kvm

import "unsafe"

type irqLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine sets the level of one interrupt line on the in-kernel irqchip.
// Edge-triggered devices pulse 0 then 1.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	irqLev := irqLevel{
		IRQ:   irq,
		Level: level,
	}

	_, err := Ioctl(vmFd, IIOW(kvmIRQLine, unsafe.Sizeof(irqLevel{})), uintptr(unsafe.Pointer(&irqLev)))

	return err
}

// CreateIRQChip creates the in-kernel PIC pair and IOAPIC.
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmCreateIRQChip), 0)

	return err
}

// IRQChip is the register state of one in-kernel interrupt chip:
// ChipID 0 = master PIC, 1 = slave PIC, 2 = IOAPIC.
type IRQChip struct {
	ChipID uint32
	_      uint32
	Chip   [512]byte
}

func GetIRQChip(vmFd uintptr, chip *IRQChip) error {
	_, err := Ioctl(vmFd, IIOWR(kvmGetIRQChip, unsafe.Sizeof(IRQChip{})), uintptr(unsafe.Pointer(chip)))

	return err
}

// SetIRQChip restores chip register state. The kernel header declares this
// ioctl _IOR; the encoding must match even though data flows into the kernel.
func SetIRQChip(vmFd uintptr, chip *IRQChip) error {
	_, err := Ioctl(vmFd, IIOR(kvmSetIRQChip, unsafe.Sizeof(IRQChip{})), uintptr(unsafe.Pointer(chip)))

	return err
}

type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CreatePIT2 creates the in-kernel i8254 programmable interval timer.
func CreatePIT2(vmFd uintptr) error {
	pit := pitConfig{}
	_, err := Ioctl(vmFd, IIOW(kvmCreatePIT2, unsafe.Sizeof(pitConfig{})), uintptr(unsafe.Pointer(&pit)))

	return err
}

// PITChannelState is one of the three i8254 counter channels.
type PITChannelState struct {
	Count         uint32
	LatchedCount  uint16
	CountLatched  uint8
	StatusLatched uint8
	Status        uint8
	ReadState     uint8
	WriteState    uint8
	WriteLatch    uint8
	RWMode        uint8
	Mode          uint8
	BCD           uint8
	Gate          uint8
	CountLoadTime int64
}

// PITState2 is the full i8254 state.
type PITState2 struct {
	Channels [3]PITChannelState
	Flags    uint32
	_        [9]uint32
}

func GetPIT2(vmFd uintptr, pit *PITState2) error {
	_, err := Ioctl(vmFd, IIOR(kvmGetPIT2, unsafe.Sizeof(PITState2{})), uintptr(unsafe.Pointer(pit)))

	return err
}

func SetPIT2(vmFd uintptr, pit *PITState2) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetPIT2, unsafe.Sizeof(PITState2{})), uintptr(unsafe.Pointer(pit)))

	return err
}
