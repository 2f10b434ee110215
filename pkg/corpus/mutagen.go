package corpus

import "math/rand"

// Mutagen holds a base input, a crossover input, and a mutation-depth
// counter, and applies one of a fixed set of byte-level mutators per call.
type Mutagen struct {
	rnd   *rand.Rand
	base  []byte
	cross []byte
	depth int
	max   int
	dict  *Dictionary
}

func NewMutagen(seed uint64, maxDepth int, dict *Dictionary) *Mutagen {
	if maxDepth <= 0 {
		maxDepth = 1
	}
	return &Mutagen{rnd: rand.New(rand.NewSource(int64(seed))), max: maxDepth, dict: dict}
}

// Reset installs a new base and crossover input and zeroes the depth
// counter.
func (m *Mutagen) Reset(base, cross []byte) {
	m.base = append([]byte(nil), base...)
	m.cross = append([]byte(nil), cross...)
	m.depth = 0
}

// Depth reports how many mutations have been applied to the current base
// since the last Reset.
func (m *Mutagen) Depth() int { return m.depth }

// AtDepthLimit reports whether the next Mutate call would exceed
// options.mutation_depth, signalling the runner should Reset before
// calling again.
func (m *Mutagen) AtDepthLimit() bool { return m.depth >= m.max }

type mutatorFunc func(m *Mutagen, buf []byte) []byte

var mutators = []mutatorFunc{
	mutateErase,
	mutateInsert,
	mutateDuplicate,
	mutateReplace,
	mutateShuffle,
	mutateCrossover,
	mutateDictInsert,
	mutateDictOverwrite,
	mutateBitFlip,
	mutateArith,
}

// Mutate applies one randomly-chosen byte-level mutator to the current
// base and returns the result; it does not mutate the stored base in
// place. Callers track depth via AtDepthLimit/Reset.
func (m *Mutagen) Mutate() []byte {
	buf := append([]byte(nil), m.base...)
	choice := mutators
	if m.dict == nil || len(m.dict.Entries) == 0 {
		// skip the two dictionary mutators
		choice = append(append([]mutatorFunc(nil), mutators[:6]...), mutators[8:]...)
	}
	fn := choice[m.rnd.Intn(len(choice))]
	out := fn(m, buf)
	m.depth++
	return out
}

func (m *Mutagen) randByte() byte { return byte(m.rnd.Intn(256)) }

func mutateErase(m *Mutagen, buf []byte) []byte {
	if len(buf) == 0 {
		return buf
	}
	i := m.rnd.Intn(len(buf))
	return append(buf[:i], buf[i+1:]...)
}

func mutateInsert(m *Mutagen, buf []byte) []byte {
	i := m.rnd.Intn(len(buf) + 1)
	out := make([]byte, 0, len(buf)+1)
	out = append(out, buf[:i]...)
	out = append(out, m.randByte())
	out = append(out, buf[i:]...)
	return out
}

func mutateDuplicate(m *Mutagen, buf []byte) []byte {
	if len(buf) == 0 {
		return buf
	}
	i := m.rnd.Intn(len(buf))
	j := m.rnd.Intn(len(buf) + 1)
	out := make([]byte, 0, len(buf)+1)
	out = append(out, buf[:j]...)
	out = append(out, buf[i])
	out = append(out, buf[j:]...)
	return out
}

func mutateReplace(m *Mutagen, buf []byte) []byte {
	if len(buf) == 0 {
		return buf
	}
	i := m.rnd.Intn(len(buf))
	buf[i] = m.randByte()
	return buf
}

func mutateShuffle(m *Mutagen, buf []byte) []byte {
	m.rnd.Shuffle(len(buf), func(i, j int) { buf[i], buf[j] = buf[j], buf[i] })
	return buf
}

func mutateCrossover(m *Mutagen, buf []byte) []byte {
	if len(m.cross) == 0 {
		return buf
	}
	cut := m.rnd.Intn(len(m.cross) + 1)
	out := make([]byte, 0, len(buf)+cut)
	out = append(out, buf...)
	out = append(out, m.cross[:cut]...)
	return out
}

func (m *Mutagen) pickDictEntry() []byte {
	if m.dict == nil || len(m.dict.Entries) == 0 {
		return nil
	}
	return m.dict.Entries[m.rnd.Intn(len(m.dict.Entries))]
}

func mutateDictInsert(m *Mutagen, buf []byte) []byte {
	entry := m.pickDictEntry()
	if entry == nil {
		return buf
	}
	i := m.rnd.Intn(len(buf) + 1)
	out := make([]byte, 0, len(buf)+len(entry))
	out = append(out, buf[:i]...)
	out = append(out, entry...)
	out = append(out, buf[i:]...)
	return out
}

func mutateDictOverwrite(m *Mutagen, buf []byte) []byte {
	entry := m.pickDictEntry()
	if entry == nil || len(buf) == 0 {
		return buf
	}
	i := m.rnd.Intn(len(buf))
	for j := 0; j < len(entry) && i+j < len(buf); j++ {
		buf[i+j] = entry[j]
	}
	return buf
}

func mutateBitFlip(m *Mutagen, buf []byte) []byte {
	if len(buf) == 0 {
		return buf
	}
	i := m.rnd.Intn(len(buf))
	bit := m.rnd.Intn(8)
	buf[i] ^= 1 << bit
	return buf
}

func mutateArith(m *Mutagen, buf []byte) []byte {
	if len(buf) == 0 {
		return buf
	}
	i := m.rnd.Intn(len(buf))
	if m.rnd.Intn(2) == 0 {
		buf[i]++
	} else {
		buf[i]--
	}
	return buf
}
