// Package notebook runs knowledge-base notebooks: ordered cells, each
// bound to a labeled session, that load clauses, retract them and query.
package notebook

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Notebook is the parsed notebook file.
type Notebook struct {
	Title string `yaml:"title"`
	Cells []Cell `yaml:"cells"`
}

// Cell is one executable step.
type Cell struct {
	// Name identifies the cell in results.
	Name string `yaml:"name"`

	// Session is the label of the session the cell runs in. Defaults to
	// the cell name, so each cell gets its own knowledge base.
	Session string `yaml:"session"`

	// Fresh discards any live session for the label before running.
	Fresh bool `yaml:"fresh"`

	// Source is consulted before retractions and queries.
	Source string `yaml:"source"`

	// Retract lists clauses removed with retract semantics.
	Retract []string `yaml:"retract"`

	// Queries are evaluated in order after loading.
	Queries []string `yaml:"queries"`

	// Limit caps solutions per query. Zero means unlimited.
	Limit int `yaml:"limit"`

	// Dispose ends the session once the cell is done.
	Dispose bool `yaml:"dispose"`

	// Parallel lets adjacent parallel cells run concurrently. They must use
	// distinct sessions.
	Parallel bool `yaml:"parallel"`
}

// Label returns the session label the cell runs in.
func (c Cell) Label() string {
	if c.Session != "" {
		return c.Session
	}
	return c.Name
}

// Parse decodes and validates a notebook.
func Parse(data []byte) (*Notebook, error) {
	var nb Notebook
	if err := yaml.Unmarshal(data, &nb); err != nil {
		return nil, fmt.Errorf("failed to parse notebook: %w", err)
	}
	if err := nb.Validate(); err != nil {
		return nil, err
	}
	return &nb, nil
}

// Load reads a notebook file.
func Load(path string) (*Notebook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read notebook: %w", err)
	}
	return Parse(data)
}

// Validate checks cell names and parallel groups.
func (nb *Notebook) Validate() error {
	if len(nb.Cells) == 0 {
		return fmt.Errorf("notebook has no cells")
	}
	names := make(map[string]bool, len(nb.Cells))
	for i, c := range nb.Cells {
		if c.Name == "" {
			return fmt.Errorf("cell %d: name is required", i)
		}
		if names[c.Name] {
			return fmt.Errorf("cell %q: duplicate name", c.Name)
		}
		names[c.Name] = true
		if c.Limit < 0 {
			return fmt.Errorf("cell %q: limit must be >= 0", c.Name)
		}
	}
	for _, group := range nb.Groups() {
		if len(group) < 2 {
			continue
		}
		labels := make(map[string]string, len(group))
		for _, c := range group {
			if prev, ok := labels[c.Label()]; ok {
				return fmt.Errorf("parallel cells %q and %q share session %q", prev, c.Name, c.Label())
			}
			labels[c.Label()] = c.Name
		}
	}
	return nil
}

// Groups splits the cells into execution steps: each run of adjacent
// parallel cells forms one group, every other cell is a group of its own.
func (nb *Notebook) Groups() [][]Cell {
	var (
		groups  [][]Cell
		current []Cell
	)
	for _, c := range nb.Cells {
		if c.Parallel {
			current = append(current, c)
			continue
		}
		if len(current) > 0 {
			groups = append(groups, current)
			current = nil
		}
		groups = append(groups, []Cell{c})
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}
