package mqtt

// bufferedMsg is a formatted message waiting for the broker.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// backlog holds messages published while the broker is unreachable. When
// full, the oldest message is evicted. The caller synchronizes access.
type backlog struct {
	slots   []bufferedMsg
	start   int // oldest message
	n       int
	evicted uint64 // total since creation
}

func newBacklog(capacity int) *backlog {
	return &backlog{slots: make([]bufferedMsg, capacity)}
}

// push appends msg and reports whether an older message was evicted for it.
func (b *backlog) push(msg bufferedMsg) (evicted bool) {
	size := len(b.slots)
	if b.n < size {
		b.slots[(b.start+b.n)%size] = msg
		b.n++
		return false
	}
	b.slots[b.start] = msg
	b.start = (b.start + 1) % size
	b.evicted++
	return true
}

// drain removes and returns every message, oldest first.
func (b *backlog) drain() []bufferedMsg {
	if b.n == 0 {
		return nil
	}
	size := len(b.slots)
	out := make([]bufferedMsg, b.n)
	for i := range out {
		j := (b.start + i) % size
		out[i] = b.slots[j]
		b.slots[j] = bufferedMsg{}
	}
	b.start, b.n = 0, 0
	return out
}

func (b *backlog) len() int { return b.n }

func (b *backlog) dropped() uint64 { return b.evicted }
