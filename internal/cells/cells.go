// Package cells maps label pixel values to cell identities.
//
// A LabelPoint states that pixel value V in feature C at time T denotes a
// cell. Several points may share (V, T, C), which is how one pixel encodes
// overlapping cells. Cells is an immutable collection of points; every
// query is a pure function of it and every edit returns a new collection.
package cells

import (
	"encoding/json"
	"slices"
)

// LabelPoint asserts that Value in feature C at time T denotes Cell.
type LabelPoint struct {
	Value int `json:"value"`
	Cell  int `json:"cell"`
	T     int `json:"t"`
	C     int `json:"c"`
}

// Overlap is the per-slice jagged mapping from pixel value to cells. Rows of
// Mapping are padded with 0 to a uniform length; Lengths holds the unpadded
// count with a floor of 1. Both are nil when there are no labels at all.
type Overlap struct {
	Mapping [][]int `json:"mapping"`
	Lengths []int   `json:"lengths"`
}

// Cells is an immutable collection of label points.
type Cells struct {
	points []LabelPoint
}

// New copies points into a new collection.
func New(points []LabelPoint) Cells {
	return Cells{points: slices.Clone(points)}
}

// Points returns a copy of the underlying points.
func (c Cells) Points() []LabelPoint {
	return slices.Clone(c.points)
}

// Len returns the number of points.
func (c Cells) Len() int {
	return len(c.points)
}

// Equal reports whether both collections hold the same points in the same
// order.
func (c Cells) Equal(other Cells) bool {
	return slices.Equal(c.points, other.points)
}

// MarshalJSON encodes the collection as a plain array of points.
func (c Cells) MarshalJSON() ([]byte, error) {
	if c.points == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.points)
}

// UnmarshalJSON decodes an array of points.
func (c *Cells) UnmarshalJSON(data []byte) error {
	var points []LabelPoint
	if err := json.Unmarshal(data, &points); err != nil {
		return err
	}
	c.points = points
	return nil
}

// CellsAt returns the cells encoded by value in slice (t, feature).
func (c Cells) CellsAt(value, t, feature int) []int {
	var out []int
	for _, p := range c.points {
		if p.Value == value && p.T == t && p.C == feature {
			out = append(out, p.Cell)
		}
	}
	return sortedUnique(out)
}

// CellsAtTime returns every cell present in slice (t, feature).
func (c Cells) CellsAtTime(t, feature int) []int {
	var out []int
	for _, p := range c.points {
		if p.T == t && p.C == feature {
			out = append(out, p.Cell)
		}
	}
	return sortedUnique(out)
}

// TimesOf returns the frames in which cell appears, in any feature.
func (c Cells) TimesOf(cell int) []int {
	var out []int
	for _, p := range c.points {
		if p.Cell == cell {
			out = append(out, p.T)
		}
	}
	return sortedUnique(out)
}

// ValuesOf returns the pixel values that encode cell in slice (t, feature).
func (c Cells) ValuesOf(cell, t, feature int) []int {
	var out []int
	for _, p := range c.points {
		if p.Cell == cell && p.T == t && p.C == feature {
			out = append(out, p.Value)
		}
	}
	return sortedUnique(out)
}

// IDs returns every distinct cell id in the collection.
func (c Cells) IDs() []int {
	out := make([]int, 0, len(c.points))
	for _, p := range c.points {
		out = append(out, p.Cell)
	}
	return sortedUnique(out)
}

// Has reports whether cell appears anywhere.
func (c Cells) Has(cell int) bool {
	for _, p := range c.points {
		if p.Cell == cell {
			return true
		}
	}
	return false
}

// NextCellID returns one more than the largest cell id, or 1 when empty.
func (c Cells) NextCellID() int {
	highest := 0
	for _, p := range c.points {
		if p.Cell > highest {
			highest = p.Cell
		}
	}
	return highest + 1
}

// OverlapMapping builds the value-to-cells table for slice (t, feature).
//
// The table has one row per value in [0, max value in the slice]; values
// that do not occur hold the sentinel 0 with length 1.
func (c Cells) OverlapMapping(t, feature int) Overlap {
	if len(c.points) == 0 {
		return Overlap{}
	}

	maxValue := 0
	for _, p := range c.points {
		if p.T == t && p.C == feature && p.Value > maxValue {
			maxValue = p.Value
		}
	}

	rows := make([][]int, maxValue+1)
	for _, p := range c.points {
		if p.T != t || p.C != feature || p.Value < 0 {
			continue
		}
		if !slices.Contains(rows[p.Value], p.Cell) {
			rows[p.Value] = append(rows[p.Value], p.Cell)
		}
	}

	width := 1
	lengths := make([]int, len(rows))
	for v, row := range rows {
		slices.Sort(row)
		lengths[v] = max(len(row), 1)
		width = max(width, len(row))
	}

	mapping := make([][]int, len(rows))
	for v, row := range rows {
		padded := make([]int, width)
		copy(padded, row)
		mapping[v] = padded
	}

	return Overlap{Mapping: mapping, Lengths: lengths}
}

// Slice returns the points of slice (t, feature).
func (c Cells) Slice(t, feature int) []LabelPoint {
	var out []LabelPoint
	for _, p := range c.points {
		if p.T == t && p.C == feature {
			out = append(out, p)
		}
	}
	return out
}

// WithSlice returns a collection where slice (t, feature) is replaced by
// points. Points outside the slice are ignored.
func (c Cells) WithSlice(t, feature int, points []LabelPoint) Cells {
	out := make([]LabelPoint, 0, len(c.points)+len(points))
	for _, p := range c.points {
		if p.T == t && p.C == feature {
			continue
		}
		out = append(out, p)
	}
	for _, p := range points {
		if p.T == t && p.C == feature {
			out = append(out, p)
		}
	}
	return Cells{points: out}
}

// Replace folds cell b into cell a: every point of b now denotes a. Points
// that become duplicates are dropped.
func (c Cells) Replace(a, b int) Cells {
	if a == b {
		return c
	}
	return c.remap(true, func(cell int) int {
		if cell == b {
			return a
		}
		return cell
	})
}

// Swap exchanges cells a and b in a single pass.
func (c Cells) Swap(a, b int) Cells {
	if a == b {
		return c
	}
	return c.remap(false, func(cell int) int {
		switch cell {
		case a:
			return b
		case b:
			return a
		}
		return cell
	})
}

// Delete removes every point of cell.
func (c Cells) Delete(cell int) Cells {
	out := make([]LabelPoint, 0, len(c.points))
	for _, p := range c.points {
		if p.Cell != cell {
			out = append(out, p)
		}
	}
	return Cells{points: out}
}

// remap rewrites cell ids. A bijective remap (swap) keeps every point so it
// can be undone by applying it again; merging remaps drop duplicates.
func (c Cells) remap(merge bool, fn func(int) int) Cells {
	type key struct{ value, cell, t, c int }
	seen := make(map[key]struct{}, len(c.points))
	out := make([]LabelPoint, 0, len(c.points))
	for _, p := range c.points {
		p.Cell = fn(p.Cell)
		if merge {
			k := key{p.Value, p.Cell, p.T, p.C}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
		}
		out = append(out, p)
	}
	return Cells{points: out}
}

func sortedUnique(in []int) []int {
	if len(in) == 0 {
		return []int{}
	}
	slices.Sort(in)
	return slices.Compact(in)
}
