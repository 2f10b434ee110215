// Package corpus implements the seed/live input corpora, the dictionary,
// and the byte-level mutation engine ("mutagen").
package corpus

import "bytes"

// Input is a variable-length byte buffer plus the feature count it produced
// when last measured. Immutable once enqueued for a run.
type Input struct {
	Data     []byte
	Features int
}

// Clone returns a deep copy of the input, preserving a nil Data as nil
// (the implicit empty corpus entry at index 0 relies on this: callers
// distinguish it from real inputs by checking Data == nil).
func (in Input) Clone() Input {
	if in.Data == nil {
		return Input{Data: nil, Features: in.Features}
	}
	out := make([]byte, len(in.Data))
	copy(out, in.Data)
	return Input{Data: out, Features: in.Features}
}

func (in Input) Equal(other Input) bool {
	return bytes.Equal(in.Data, other.Data)
}

// less orders inputs by (length ascending, feature-count descending,
// lexicographic).
func less(a, b Input) bool {
	if len(a.Data) != len(b.Data) {
		return len(a.Data) < len(b.Data)
	}
	if a.Features != b.Features {
		return a.Features > b.Features
	}
	return bytes.Compare(a.Data, b.Data) < 0
}
