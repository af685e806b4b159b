package vaspio

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Incar is an ordered INCAR parameter file. Order is preserved so a
// patched file stays recognizable next to the settings it came from.
type Incar struct {
	keys   []string
	values map[string]string
}

// ReadIncar parses an INCAR file. Comments (# or !) and blank lines are
// dropped; keys are uppercased.
func ReadIncar(path string) (*Incar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open INCAR: %w", err)
	}
	defer func() { _ = f.Close() }()

	inc := &Incar{values: make(map[string]string)}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexAny(line, "#!"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// A line may carry several tags separated by semicolons.
		for _, part := range strings.Split(line, ";") {
			key, value, ok := strings.Cut(part, "=")
			if !ok {
				continue
			}
			inc.Set(strings.ToUpper(strings.TrimSpace(key)), strings.TrimSpace(value))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read INCAR: %w", err)
	}
	return inc, nil
}

func NewIncar() *Incar {
	return &Incar{values: make(map[string]string)}
}

func (inc *Incar) Get(key string) (string, bool) {
	v, ok := inc.values[strings.ToUpper(key)]
	return v, ok
}

func (inc *Incar) Set(key, value string) {
	key = strings.ToUpper(key)
	if _, ok := inc.values[key]; !ok {
		inc.keys = append(inc.keys, key)
	}
	inc.values[key] = value
}

func (inc *Incar) Delete(key string) {
	key = strings.ToUpper(key)
	if _, ok := inc.values[key]; !ok {
		return
	}
	delete(inc.values, key)
	for i, k := range inc.keys {
		if k == key {
			inc.keys = append(inc.keys[:i], inc.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the tag names in file order.
func (inc *Incar) Keys() []string {
	return append([]string(nil), inc.keys...)
}

// SortedKeys returns the tag names alphabetically, for stable diffs.
func (inc *Incar) SortedKeys() []string {
	keys := inc.Keys()
	sort.Strings(keys)
	return keys
}

// Write renders the INCAR in file order.
func (inc *Incar) Write(path string) error {
	var b strings.Builder
	for _, k := range inc.keys {
		fmt.Fprintf(&b, "%s = %s\n", k, inc.values[k])
	}
	return os.WriteFile(path, []byte(b.String()), 0644)
}
