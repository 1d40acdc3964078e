package pid

const historySize = 3

// history is a fixed-capacity ring buffer of the most recent errors. Pushing a new
// error evicts the oldest one.
type history struct {
	buf  [historySize]float64
	head int // index of the next write
}

func (h *history) push(e float64) {
	h.buf[h.head] = e
	h.head = (h.head + 1) % historySize
}

// back returns the error recorded n samples ago, 1 being the most recent. n must be in [1, 3].
func (h *history) back(n int) float64 {
	return h.buf[(h.head-n+2*historySize)%historySize]
}

func (h *history) reset() {
	h.buf = [historySize]float64{}
	h.head = 0
}
