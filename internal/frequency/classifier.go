// Package frequency turns per-segment trip counts into visual bands.
//
// The band table is ordered by descending MinCount and must cover every
// count from 1 upwards. A table that does not is a deployment error and
// is rejected by NewClassifier, so Classify only fails on bad input.
package frequency

import (
	"fmt"
)

// Style is the line style used to draw a segment.
type Style struct {
	Color   string  `json:"color" yaml:"color"`
	Opacity float64 `json:"opacity" yaml:"opacity"`
	Weight  int     `json:"weight" yaml:"weight"`
}

// Band is one bucket of the band table.
type Band struct {
	MinCount int   `json:"minCount"`
	Style    Style `json:"style"`
}

// Table is ordered by descending MinCount.
type Table []Band

// SegmentWeight is the line weight used for frequency segments.
const SegmentWeight = 5

// DefaultTable is the production band table. The comments give the
// approximate headway over a service day.
func DefaultTable() Table {
	band := func(min int, color string, opacity float64) Band {
		return Band{MinCount: min, Style: Style{Color: color, Opacity: opacity, Weight: SegmentWeight}}
	}
	return Table{
		band(256, "#000000", 0.5), // < 5min
		band(192, "#000055", 0.5), // 5min
		band(128, "#0000AA", 0.5), // 7.5min
		band(96, "#0827FF", 0.5),  // 10min
		band(64, "#115588", 0.4),  // 15min
		band(48, "#188855", 0.4),  // 20min
		band(32, "#22BB22", 0.4),  // 30min
		band(24, "#88DD11", 0.3),  // 45min
		band(16, "#EEEE11", 0.3),  // 1h
		band(8, "#EE8811", 0.2),   // 2h
		band(1, "#FF0000", 0.1),   // > 2h
	}
}

// ClassificationError reports a count that cannot be classified or a
// band table that breaks the partition invariant.
type ClassificationError struct {
	Count  int
	Reason string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("frequency classification (count %d): %s", e.Count, e.Reason)
}

// Validate checks that t is non-empty, strictly descending and that its
// lowest band starts at 1.
func (t Table) Validate() error {
	if len(t) == 0 {
		return &ClassificationError{Reason: "empty band table"}
	}
	for i := 1; i < len(t); i++ {
		if t[i-1].MinCount <= t[i].MinCount {
			return &ClassificationError{
				Count:  t[i].MinCount,
				Reason: fmt.Sprintf("band %d (min %d) not below band %d (min %d)", i, t[i].MinCount, i-1, t[i-1].MinCount),
			}
		}
	}
	if last := t[len(t)-1].MinCount; last != 1 {
		return &ClassificationError{Count: last, Reason: "lowest band must start at 1"}
	}
	return nil
}

// Classifier maps trip counts to bands. It holds a private copy of its
// table and is safe for concurrent use.
type Classifier struct {
	table Table
}

func NewClassifier(t Table) (*Classifier, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	cp := make(Table, len(t))
	copy(cp, t)
	return &Classifier{table: cp}, nil
}

// Classify returns the first band whose MinCount is <= count. Zero and
// negative counts are errors; callers drop zero-count segments first.
func (c *Classifier) Classify(count int) (Band, error) {
	if count < 0 {
		return Band{}, &ClassificationError{Count: count, Reason: "negative count"}
	}
	for _, b := range c.table {
		if b.MinCount <= count {
			return b, nil
		}
	}
	return Band{}, &ClassificationError{Count: count, Reason: "no band matches"}
}

// Table returns a copy of the band table.
func (c *Classifier) Table() Table {
	cp := make(Table, len(c.table))
	copy(cp, c.table)
	return cp
}
