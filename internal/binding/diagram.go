package binding

import (
	"fmt"
	"os"

	"github.com/duke-git/lancet/v2/slice"
	"gopkg.in/yaml.v3"
)

// Diagram is the on-disk form of a board.
type Diagram struct {
	Name     string    `yaml:"name"`
	Elements []Element `yaml:"elements"`
}

// LoadDiagram reads and parses a YAML diagram file.
func LoadDiagram(path string) (*Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read diagram: %w", err)
	}
	return ParseDiagram(data)
}

// ParseDiagram builds a board from a YAML diagram.
func ParseDiagram(data []byte) (*Board, error) {
	var d Diagram
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse diagram: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return NewBoard(d.Name, d.Elements), nil
}

// Validate checks element ids and kinds.
func (d *Diagram) Validate() error {
	ids := slice.Map(d.Elements, func(_ int, e Element) string { return e.ID })
	if slice.Contain(ids, "") {
		return fmt.Errorf("diagram %q: element without id", d.Name)
	}
	if len(slice.Unique(ids)) != len(ids) {
		return fmt.Errorf("diagram %q: duplicate element id", d.Name)
	}
	for _, e := range d.Elements {
		if !e.Kind.Valid() {
			return fmt.Errorf("diagram %q: element %q has unknown kind %q", d.Name, e.ID, e.Kind)
		}
	}
	return nil
}
