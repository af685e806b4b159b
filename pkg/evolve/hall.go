package evolve

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// HallOfFame keeps the best individuals seen across all generations and
// repetitions, lowest fitness first.
type HallOfFame struct {
	max  int
	inds []*Individual
}

func NewHallOfFame(max int) *HallOfFame {
	return &HallOfFame{max: max}
}

// Update merges evaluated individuals into the hall.
func (h *HallOfFame) Update(pop []*Individual) {
	for _, ind := range pop {
		if !ind.Evaluated {
			continue
		}
		h.insert(ind)
	}
}

func (h *HallOfFame) insert(ind *Individual) {
	for _, kept := range h.inds {
		if kept.Equal(ind) {
			return
		}
	}
	h.inds = append(h.inds, ind.Clone())
	sort.SliceStable(h.inds, func(i, j int) bool {
		return h.inds[i].Fitness < h.inds[j].Fitness
	})
	if len(h.inds) > h.max {
		h.inds = h.inds[:h.max]
	}
}

// Individuals returns the hall contents, best first.
func (h *HallOfFame) Individuals() []*Individual {
	out := make([]*Individual, len(h.inds))
	copy(out, h.inds)
	return out
}

// Best returns the fittest individual, or nil when empty.
func (h *HallOfFame) Best() *Individual {
	if len(h.inds) == 0 {
		return nil
	}
	return h.inds[0]
}

func (h *HallOfFame) Len() int { return len(h.inds) }

// Save writes the hall as a JSON population file.
func (h *HallOfFame) Save(path string) error {
	return savePopulation(path, h.inds)
}

func savePopulation(path string, pop []*Individual) error {
	b, err := json.MarshalIndent(pop, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal population: %w", err)
	}
	b = append(b, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create population dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("write population: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write population: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write population: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func loadPopulation(path string) ([]*Individual, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pop []*Individual
	if err := json.Unmarshal(b, &pop); err != nil {
		return nil, fmt.Errorf("parse population %s: %w", path, err)
	}
	return pop, nil
}
