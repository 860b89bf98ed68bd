package device

import (
	"sync"

	"github.com/kuvisor/kuvisor/mmds"
)

// MMDSPort is the base port of the metadata device window.
const MMDSPort = 0x510

const (
	mmdsOffData = 0 // write request bytes, read response bytes
	mmdsOffCtl  = 1 // write: dispatch request; read: response bytes left
)

// MMDS is the guest-facing window onto the metadata service. The guest
// streams a request path into the data port, kicks the control port, and
// reads the response back one byte at a time. The monitor never looks at
// the payloads; it only shuttles bytes to the handler.
type MMDS struct {
	mu      sync.Mutex
	handler mmds.Handler
	req     []byte
	resp    []byte
}

// NewMMDS routes requests to handler.
func NewMMDS(handler mmds.Handler) *MMDS {
	return &MMDS{handler: handler}
}

func (m *MMDS) Name() string { return "mmds" }

func (m *MMDS) Read(off uint64, data []byte) error {
	if len(data) == 0 {
		return errDataLenInvalid
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch off {
	case mmdsOffData:
		if len(m.resp) == 0 {
			data[0] = 0

			break
		}

		data[0] = m.resp[0]
		m.resp = m.resp[1:]
	case mmdsOffCtl:
		n := len(m.resp)
		if n > 0xff {
			n = 0xff
		}

		data[0] = byte(n)
	default:
		data[0] = 0
	}

	return nil
}

func (m *MMDS) Write(off uint64, data []byte) error {
	if len(data) == 0 {
		return errDataLenInvalid
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch off {
	case mmdsOffData:
		m.req = append(m.req, data[0])
	case mmdsOffCtl:
		m.resp = m.handler.Handle(m.req)
		m.req = nil
	}

	return nil
}

type mmdsState struct {
	Req  []byte
	Resp []byte
}

func (m *MMDS) Save() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return encodeState(&mmdsState{
		Req:  append([]byte(nil), m.req...),
		Resp: append([]byte(nil), m.resp...),
	})
}

func (m *MMDS) Restore(data []byte) error {
	var st mmdsState
	if err := decodeState(data, &st); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.req = st.Req
	m.resp = st.Resp

	return nil
}
