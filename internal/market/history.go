package market

// History is a bounded ring of recent prices for one symbol. It is not safe
// for concurrent use; the manager guards it with the symbol's lock.
type History struct {
	buf   []float64
	start int
	n     int
}

// NewHistory allocates a ring holding at most capacity prices.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{buf: make([]float64, capacity)}
}

// Push appends p, evicting the oldest price when full.
func (h *History) Push(p float64) {
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = p
		h.n++
		return
	}
	h.buf[h.start] = p
	h.start = (h.start + 1) % len(h.buf)
}

// Snapshot copies the prices oldest first.
func (h *History) Snapshot() []float64 {
	out := make([]float64, h.n)
	for i := 0; i < h.n; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

func (h *History) Len() int { return h.n }

// Last returns the newest price.
func (h *History) Last() (float64, bool) {
	if h.n == 0 {
		return 0, false
	}
	return h.buf[(h.start+h.n-1)%len(h.buf)], true
}
