package firststage

import (
	"cmp"
	"slices"
)

// encoder maps a categorical variable onto dummy columns. The first level
// observed is the baseline and gets no column.
type encoder[T cmp.Ordered] struct {
	baseline T
	levels   []T       // non-baseline levels in first-appearance order
	index    map[T]int // level -> dummy offset
}

func newEncoder[T cmp.Ordered](values []T) encoder[T] {
	e := encoder[T]{index: make(map[T]int)}
	if len(values) == 0 {
		return e
	}
	e.baseline = values[0]
	for _, v := range values[1:] {
		if v == e.baseline {
			continue
		}
		if _, ok := e.index[v]; ok {
			continue
		}
		e.index[v] = len(e.levels)
		e.levels = append(e.levels, v)
	}
	return e
}

// width is the number of dummy columns.
func (e encoder[T]) width() int { return len(e.levels) }

// offset returns the dummy column for v, -1 for the baseline, and false for
// a level never seen during fitting.
func (e encoder[T]) offset(v T) (int, bool) {
	if v == e.baseline {
		return -1, true
	}
	i, ok := e.index[v]
	return i, ok
}

// unseen returns the sorted distinct values that are not known levels.
func (e encoder[T]) unseen(values []T) []T {
	seen := make(map[T]struct{})
	var out []T
	for _, v := range values {
		if _, ok := e.offset(v); ok {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}
