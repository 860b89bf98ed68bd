package device

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"sync"
)

// COM1Addr is the base port of the first 16550 UART.
const COM1Addr = 0x3f8

// SerialIRQ is the legacy interrupt line for COM1.
const SerialIRQ = 4

// serialOutCap bounds the buffered console output retained for snapshots.
const serialOutCap = 64 << 10

const (
	ierRecvAvail = 1 << 0

	lcrDLAB = 1 << 7

	lsrDataReady = 1 << 0
	lsrTHREmpty  = 1 << 5
	lsrTSREmpty  = 1 << 6
)

// Serial emulates the register file of a 16550 UART on COM1. Output is
// buffered for snapshot capture and mirrored to a sink (the host
// console); input arrives on a channel fed by the controller.
type Serial struct {
	mu sync.Mutex

	ier byte
	lcr byte

	out  []byte
	sink io.Writer

	in  chan byte
	irq InterruptLine
}

// NewSerial returns a UART writing through to sink (may be nil) and
// raising irq when received data becomes available.
func NewSerial(sink io.Writer, irq InterruptLine) *Serial {
	return &Serial{
		sink: sink,
		in:   make(chan byte, 1024),
		irq:  irq,
	}
}

func (s *Serial) Name() string { return "serial" }

// InputChan is the write side of the receive FIFO. After queueing bytes
// the feeder calls NotifyInput to raise the interrupt.
func (s *Serial) InputChan() chan<- byte {
	return s.in
}

// NotifyInput raises the receive interrupt if the guest enabled it.
func (s *Serial) NotifyInput() error {
	s.mu.Lock()
	enabled := s.ier&ierRecvAvail != 0
	s.mu.Unlock()

	if !enabled || len(s.in) == 0 {
		return nil
	}

	return s.irq()
}

func (s *Serial) dlab() bool {
	return s.lcr&lcrDLAB != 0
}

func (s *Serial) Read(off uint64, data []byte) error {
	if len(data) == 0 {
		return errDataLenInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case off == 0 && !s.dlab(): // RBR
		select {
		case b := <-s.in:
			data[0] = b
		default:
			data[0] = 0
		}
	case off == 0 && s.dlab(): // DLL, 9600 baud
		data[0] = 0x0c
	case off == 1 && !s.dlab(): // IER
		data[0] = s.ier
	case off == 1 && s.dlab(): // DLM
		data[0] = 0x00
	case off == 2: // IIR
		data[0] = 0x01
	case off == 3: // LCR
		data[0] = s.lcr
	case off == 4: // MCR
		data[0] = 0x08
	case off == 5: // LSR
		data[0] = lsrTHREmpty | lsrTSREmpty
		if len(s.in) > 0 {
			data[0] |= lsrDataReady
		}
	default: // MSR, scratch
		data[0] = 0
	}

	return nil
}

func (s *Serial) Write(off uint64, data []byte) error {
	if len(data) == 0 {
		return errDataLenInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case off == 0 && !s.dlab(): // THR
		s.pushOut(data[0])
	case off == 1 && !s.dlab(): // IER
		s.ier = data[0]
	case off == 3: // LCR
		s.lcr = data[0]
	default:
		// FCR, MCR, divisor latch, scratch: accepted, not modelled.
	}

	return nil
}

func (s *Serial) pushOut(b byte) {
	s.out = append(s.out, b)
	if len(s.out) > serialOutCap {
		s.out = s.out[len(s.out)-serialOutCap:]
	}

	if s.sink != nil {
		_, _ = s.sink.Write([]byte{b})
	}
}

// OutputBytes returns a copy of the buffered console output.
func (s *Serial) OutputBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]byte(nil), s.out...)
}

type serialState struct {
	IER     byte
	LCR     byte
	Out     []byte
	Pending []byte
}

// Save captures the register file, the buffered output and any input not
// yet consumed by the guest. The machine is quiesced when this runs.
func (s *Serial) Save() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := serialState{
		IER: s.ier,
		LCR: s.lcr,
		Out: append([]byte(nil), s.out...),
	}

	for n := len(s.in); n > 0; n-- {
		b := <-s.in
		st.Pending = append(st.Pending, b)
		s.in <- b
	}

	return encodeState(&st)
}

func (s *Serial) Restore(data []byte) error {
	var st serialState
	if err := decodeState(data, &st); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ier = st.IER
	s.lcr = st.LCR
	s.out = append([]byte(nil), st.Out...)

	for len(s.in) > 0 {
		<-s.in
	}

	for _, b := range st.Pending {
		s.in <- b
	}

	return nil
}

func encodeState(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decodeState(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedState, err)
	}

	return nil
}
