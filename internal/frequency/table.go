package frequency

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type bandFile struct {
	Bands []bandEntry `yaml:"bands" validate:"required,min=1,dive"`
}

type bandEntry struct {
	MinCount int     `yaml:"min_count" validate:"gte=1"`
	Color    string  `yaml:"color" validate:"required,hexcolor"`
	Opacity  float64 `yaml:"opacity" validate:"gte=0,lte=1"`
	Weight   int     `yaml:"weight" validate:"gte=0"`
}

// ParseTable decodes a YAML band table:
//
//	bands:
//	  - {min_count: 256, color: "#000000", opacity: 0.5}
//	  - {min_count: 1, color: "#FF0000", opacity: 0.1}
//
// A missing weight defaults to SegmentWeight.
func ParseTable(data []byte) (Table, error) {
	var f bandFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode band table: %w", err)
	}
	if err := validator.New().Struct(f); err != nil {
		return nil, fmt.Errorf("invalid band table: %w", err)
	}
	t := make(Table, 0, len(f.Bands))
	for _, e := range f.Bands {
		w := e.Weight
		if w == 0 {
			w = SegmentWeight
		}
		t = append(t, Band{MinCount: e.MinCount, Style: Style{Color: e.Color, Opacity: e.Opacity, Weight: w}})
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadTable reads a band table from path. An empty path yields DefaultTable.
func LoadTable(path string) (Table, error) {
	if path == "" {
		return DefaultTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read band table: %w", err)
	}
	return ParseTable(data)
}
