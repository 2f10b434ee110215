package corpus

import (
	"bytes"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ulikunitz/xz"

	"github.com/google/realmfuzzer/pkg/fault"
)

// Corpus is an ordered set of inputs with an implicit empty input at index
// 0. Each input appears at most once; the corpus is kept sorted by
// (length ascending, feature-count descending, lexicographic).
type Corpus struct {
	mu     sync.Mutex
	inputs []Input // inputs[0] is always the empty input
	seen   map[string]struct{}
}

// New returns a Corpus containing only the implicit empty input.
func New() *Corpus {
	return &Corpus{
		inputs: []Input{{Data: nil, Features: 0}},
		seen:   map[string]struct{}{"": {}},
	}
}

// Add inserts input in sorted position. It is idempotent: adding a
// duplicate (by content) is a no-op and returns false.
func (c *Corpus) Add(in Input) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := string(in.Data)
	if _, ok := c.seen[key]; ok {
		return false
	}
	c.seen[key] = struct{}{}
	idx := sort.Search(len(c.inputs), func(i int) bool {
		return !less(c.inputs[i], in)
	})
	c.inputs = append(c.inputs, Input{})
	copy(c.inputs[idx+1:], c.inputs[idx:])
	c.inputs[idx] = in.Clone()
	return true
}

// At returns a copy of the input at index.
func (c *Corpus) At(index int) (Input, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.inputs) {
		return Input{}, false
	}
	return c.inputs[index].Clone(), true
}

func (c *Corpus) NumInputs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inputs)
}

func (c *Corpus) TotalSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, in := range c.inputs {
		total += len(in.Data)
	}
	return total
}

// Snapshot returns a copy of every input currently held, in sorted order.
func (c *Corpus) Snapshot() []Input {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Input, len(c.inputs))
	for i, in := range c.inputs {
		out[i] = in.Clone()
	}
	return out
}

// Reset clears the corpus back to just the empty input.
func (c *Corpus) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputs = []Input{{Data: nil, Features: 0}}
	c.seen = map[string]struct{}{"": {}}
}

// Picker selects an input from a Corpus with weighted randomness favouring
// smaller, more-featureful inputs ("entropic" selection), unless disabled.
type Picker struct {
	rnd      *rand.Rand
	disabled bool
}

func NewPicker(seed uint64, disableEntropic bool) *Picker {
	return &Picker{rnd: rand.New(rand.NewSource(int64(seed))), disabled: disableEntropic}
}

// Pick selects an input, returning false if the corpus is empty (which
// cannot happen once New has been called, since index 0 always exists).
func (p *Picker) Pick(c *Corpus) (Input, bool) {
	snap := c.Snapshot()
	if len(snap) == 0 {
		return Input{}, false
	}
	if p.disabled {
		return snap[p.rnd.Intn(len(snap))], true
	}
	weights := make([]float64, len(snap))
	var total float64
	for i, in := range snap {
		w := entropicWeight(in)
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return snap[p.rnd.Intn(len(snap))], true
	}
	target := p.rnd.Float64() * total
	for i, w := range weights {
		if target < w {
			return snap[i], true
		}
		target -= w
	}
	return snap[len(snap)-1], true
}

// entropicWeight favours smaller inputs with more features, matching
// libFuzzer's entropic heuristic: weight scales with feature count and
// inversely with size.
func entropicWeight(in Input) float64 {
	size := float64(len(in.Data)) + 1
	features := float64(in.Features) + 1
	return features / size
}

// Load reads every regular file from the listed directories, one file at a
// time, and adds it as an input. It is synchronous: it returns only after
// every file has been read or the first error occurs. Files with an ".xz" extension are transparently decompressed,
// matching a real libFuzzer-style seed corpus pack.
func (c *Corpus) Load(paths []string, maxInputSize int) error {
	for _, dir := range paths {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fault.Wrap(fault.BadState, err, "corpus: load %q", dir)
		}
		for _, ent := range entries {
			if ent.IsDir() {
				continue
			}
			full := filepath.Join(dir, ent.Name())
			data, err := os.ReadFile(full)
			if err != nil {
				return fault.Wrap(fault.BadState, err, "corpus: read %q", full)
			}
			if filepath.Ext(full) == ".xz" {
				data, err = decompressXZ(data)
				if err != nil {
					return fault.Wrap(fault.BadState, err, "corpus: decompress %q", full)
				}
			}
			if maxInputSize > 0 && len(data) > maxInputSize {
				continue
			}
			c.Add(Input{Data: data})
		}
	}
	return nil
}

func decompressXZ(data []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}
