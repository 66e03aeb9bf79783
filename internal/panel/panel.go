package panel

import (
	"fmt"
	"sort"
)

// Panel is a columnar long-format table, one row per (unit, time) cell.
type Panel struct {
	names []string
	cols  map[string][]Value
	n     int
}

// New creates an empty panel with the given column names.
func New(names ...string) *Panel {
	p := &Panel{cols: make(map[string][]Value, len(names))}
	for _, name := range names {
		if _, ok := p.cols[name]; ok {
			continue
		}
		p.names = append(p.names, name)
		p.cols[name] = nil
	}
	return p
}

// FromRecords builds a panel from row maps, as decoded from JSON. Columns are
// the sorted union of keys; absent keys become missing cells.
func FromRecords(records []map[string]interface{}) *Panel {
	seen := make(map[string]struct{})
	for _, rec := range records {
		for k := range rec {
			seen[k] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)

	p := New(names...)
	for _, rec := range records {
		for _, name := range names {
			p.cols[name] = append(p.cols[name], FromAny(rec[name]))
		}
		p.n++
	}
	return p
}

// Append adds one row; values follow the column order given to New.
func (p *Panel) Append(values ...Value) error {
	if len(values) != len(p.names) {
		return fmt.Errorf("row has %d values, panel has %d columns", len(values), len(p.names))
	}
	for i, name := range p.names {
		p.cols[name] = append(p.cols[name], values[i])
	}
	p.n++
	return nil
}

// SetColumn adds or replaces a whole column.
func (p *Panel) SetColumn(name string, values []Value) error {
	if len(p.names) > 0 && len(values) != p.n {
		return fmt.Errorf("column %q has %d values, panel has %d rows", name, len(values), p.n)
	}
	if _, ok := p.cols[name]; !ok {
		p.names = append(p.names, name)
	}
	p.cols[name] = append([]Value(nil), values...)
	p.n = len(values)
	return nil
}

// Len returns the number of rows.
func (p *Panel) Len() int { return p.n }

// Names returns the column names in insertion order.
func (p *Panel) Names() []string { return append([]string(nil), p.names...) }

// Has reports whether the column exists.
func (p *Panel) Has(name string) bool {
	_, ok := p.cols[name]
	return ok
}

// Column returns the cells of a column, or nil if it does not exist.
// The slice must not be modified.
func (p *Panel) Column(name string) []Value { return p.cols[name] }

// Clone returns a deep copy.
func (p *Panel) Clone() *Panel {
	c := &Panel{
		names: append([]string(nil), p.names...),
		cols:  make(map[string][]Value, len(p.cols)),
		n:     p.n,
	}
	for name, vals := range p.cols {
		c.cols[name] = append([]Value(nil), vals...)
	}
	return c
}
