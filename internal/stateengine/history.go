package stateengine

import "github.com/g960059/labelfsm/internal/model"

// History is a bounded record of stabilized states. Once full, the oldest
// entry is evicted on every Add. Comparisons use ClsID throughout.
type History struct {
	buf      []model.State
	start    int
	size     int
	expected [][]model.State
	minLen   int
}

func NewHistory(expected [][]model.State, maxLen int) *History {
	if maxLen <= 0 {
		maxLen = 1
	}
	minLen := 0
	for i, seq := range expected {
		if i == 0 || len(seq) < minLen {
			minLen = len(seq)
		}
	}
	return &History{
		buf:      make([]model.State, maxLen),
		expected: expected,
		minLen:   minLen,
	}
}

func (h *History) Add(states ...model.State) {
	for _, st := range states {
		if h.size < len(h.buf) {
			h.buf[(h.start+h.size)%len(h.buf)] = st
			h.size++
			continue
		}
		h.buf[h.start] = st
		h.start = (h.start + 1) % len(h.buf)
	}
}

func (h *History) Clear() {
	h.start = 0
	h.size = 0
}

func (h *History) Len() int {
	return h.size
}

func (h *History) MaxLen() int {
	return len(h.buf)
}

// MinLen is the length of the shortest expected sequence.
func (h *History) MinLen() int {
	return h.minLen
}

// At returns the i-th oldest entry.
func (h *History) At(i int) model.State {
	return h.buf[(h.start+i)%len(h.buf)]
}

func (h *History) Last() (model.State, bool) {
	if h.size == 0 {
		return model.State{}, false
	}
	return h.At(h.size - 1), true
}

func (h *History) Snapshot() []model.State {
	out := make([]model.State, h.size)
	for i := range out {
		out[i] = h.At(i)
	}
	return out
}

// IsDifferentFromLast compares the tail of the same length as states.
// A history shorter than states only compares what is there; an empty
// history is always different.
func (h *History) IsDifferentFromLast(states ...model.State) bool {
	if len(states) == 0 {
		return false
	}
	if h.size == 0 {
		return true
	}
	n := len(states)
	if n > h.size {
		n = h.size
	}
	offset := h.size - n
	for i := 0; i < n; i++ {
		if h.At(offset+i).ClsID != states[len(states)-n+i].ClsID {
			return true
		}
	}
	return false
}

// IsValid reports whether the tail matches one of the expected sequences.
// Sequences are tried in declaration order.
func (h *History) IsValid() bool {
	if h.size < h.minLen {
		return false
	}
	for _, seq := range h.expected {
		if h.tailEquals(seq) {
			return true
		}
	}
	return false
}

// MatchedSequence returns the index of the first expected sequence the tail
// matches, or -1.
func (h *History) MatchedSequence() int {
	if h.size < h.minLen {
		return -1
	}
	for i, seq := range h.expected {
		if h.tailEquals(seq) {
			return i
		}
	}
	return -1
}

// IsImpossible reports that no expected sequence can still complete: for
// every sequence, no suffix of the history equals the sequence prefix of the
// same length. An empty history is never impossible.
func (h *History) IsImpossible() bool {
	if h.size == 0 {
		return false
	}
	for _, seq := range h.expected {
		for k := min(len(seq), h.size); k > 0; k-- {
			if h.suffixMatchesPrefix(seq, k) {
				return false
			}
		}
	}
	return true
}

func (h *History) tailEquals(seq []model.State) bool {
	if len(seq) == 0 || len(seq) > h.size {
		return false
	}
	return h.suffixMatchesPrefix(seq, len(seq))
}

func (h *History) suffixMatchesPrefix(seq []model.State, k int) bool {
	offset := h.size - k
	for i := 0; i < k; i++ {
		if h.At(offset+i).ClsID != seq[i].ClsID {
			return false
		}
	}
	return true
}
