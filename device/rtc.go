package device

import (
	"sync"
	"time"
)

// RTCAddr is the CMOS index port; the data port is RTCAddr+1.
const RTCAddr = 0x70

const (
	rtcSeconds  = 0x00
	rtcMinutes  = 0x02
	rtcHours    = 0x04
	rtcWeekday  = 0x06
	rtcDay      = 0x07
	rtcMonth    = 0x08
	rtcYear     = 0x09
	rtcStatusA  = 0x0a
	rtcStatusB  = 0x0b
	rtcStatusC  = 0x0c
	rtcCentury  = 0x32
	rtcNVRAMLen = 128
)

// RTC emulates the MC146818 CMOS clock: time registers computed from the
// host clock, everything else backed by battery NVRAM.
type RTC struct {
	mu    sync.Mutex
	idx   byte
	nvram [rtcNVRAMLen]byte
	now   func() time.Time
}

// NewRTC returns a clock reading time from now (typically time.Now,
// injected for tests).
func NewRTC(now func() time.Time) *RTC {
	r := &RTC{now: now}
	r.nvram[rtcStatusA] = 0x26
	r.nvram[rtcStatusB] = 0x02 // 24-hour, BCD

	return r
}

func (r *RTC) Name() string { return "rtc" }

func bcd(v int) byte {
	return byte(v%10 | v/10<<4)
}

func (r *RTC) Read(off uint64, data []byte) error {
	if len(data) == 0 {
		return errDataLenInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if off == 0 {
		data[0] = r.idx

		return nil
	}

	now := r.now().UTC()

	switch r.idx {
	case rtcSeconds:
		data[0] = bcd(now.Second())
	case rtcMinutes:
		data[0] = bcd(now.Minute())
	case rtcHours:
		data[0] = bcd(now.Hour())
	case rtcWeekday:
		data[0] = bcd(int(now.Weekday()) + 1)
	case rtcDay:
		data[0] = bcd(now.Day())
	case rtcMonth:
		data[0] = bcd(int(now.Month()))
	case rtcYear:
		data[0] = bcd(now.Year() % 100)
	case rtcCentury:
		data[0] = bcd(now.Year() / 100)
	case rtcStatusC:
		data[0] = 0 // reading clears pending interrupt flags
	default:
		data[0] = r.nvram[r.idx%rtcNVRAMLen]
	}

	return nil
}

func (r *RTC) Write(off uint64, data []byte) error {
	if len(data) == 0 {
		return errDataLenInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if off == 0 {
		r.idx = data[0] &^ 0x80 // high bit is the NMI mask, not an index bit

		return nil
	}

	r.nvram[r.idx%rtcNVRAMLen] = data[0]

	return nil
}

type rtcState struct {
	Idx   byte
	NVRAM [rtcNVRAMLen]byte
}

func (r *RTC) Save() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return encodeState(&rtcState{Idx: r.idx, NVRAM: r.nvram})
}

func (r *RTC) Restore(data []byte) error {
	var st rtcState
	if err := decodeState(data, &st); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.idx = st.Idx
	r.nvram = st.NVRAM

	return nil
}
