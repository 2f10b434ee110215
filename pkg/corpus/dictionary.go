package corpus

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
	"strings"

	"github.com/google/realmfuzzer/pkg/fault"
)

// Dictionary is a set of byte strings used to seed mutations, loaded from a
// libFuzzer-compatible textual dictionary file: lines of the form
// `name="\x41\x42"` or bare `"\x41\x42"`, `#`-prefixed comments, blank
// lines ignored.
type Dictionary struct {
	Entries [][]byte
}

func LoadDictionary(path string) (*Dictionary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fault.Wrap(fault.BadState, err, "dictionary: open %q", path)
	}
	defer f.Close()

	d := &Dictionary{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		start := strings.IndexByte(line, '"')
		end := strings.LastIndexByte(line, '"')
		if start < 0 || end <= start {
			continue
		}
		entry, err := unescapeDictEntry(line[start+1 : end])
		if err != nil {
			return nil, err
		}
		if len(entry) > 0 {
			d.Entries = append(d.Entries, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fault.Wrap(fault.BadState, err, "dictionary: read %q", path)
	}
	return d, nil
}

func unescapeDictEntry(s string) ([]byte, error) {
	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && s[i+1] == 'x' {
			v, err := strconv.ParseUint(s[i+2:i+4], 16, 8)
			if err != nil {
				return nil, fault.Wrap(fault.InvalidArgument, err, "dictionary: bad escape in %q", s)
			}
			buf.WriteByte(byte(v))
			i += 3
			continue
		}
		buf.WriteByte(s[i])
	}
	return buf.Bytes(), nil
}
