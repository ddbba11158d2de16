package adc

import "sync"

// FakeConn answers transfers with scripted responses per channel.
type FakeConn struct {
	mu sync.Mutex

	// Responses maps a channel to the 3 bytes returned for it.
	Responses map[int][]byte

	// Err, if set, is returned by every Tx.
	Err error

	// Requests records every written command.
	Requests [][]byte
}

// NewFakeConn creates a FakeConn with no responses.
func NewFakeConn() *FakeConn {
	return &FakeConn{Responses: make(map[int][]byte)}
}

// SetRaw scripts channel to return the 12-bit word raw.
func (f *FakeConn) SetRaw(channel int, raw uint16) {
	f.mu.Lock()
	f.Responses[channel] = []byte{0, byte(raw>>8) & 0x0F, byte(raw)}
	f.mu.Unlock()
}

func (f *FakeConn) Tx(w, r []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, append([]byte(nil), w...))
	if f.Err != nil {
		return f.Err
	}
	copy(r, f.Responses[int(w[1]>>6)])
	return nil
}
