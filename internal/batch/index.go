package batch

import (
	"fmt"
	"slices"
)

// IndexMap is a bijection between request ids and batch rows. Rows are
// always the dense range [0, Len()).
type IndexMap struct {
	rows map[uint64]int
	ids  []uint64
}

// NewIndexMap maps ids to rows in order.
func NewIndexMap(ids ...uint64) (*IndexMap, error) {
	m := &IndexMap{rows: make(map[uint64]int, len(ids))}
	for _, id := range ids {
		if _, err := m.Insert(id); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Insert appends id as the next row.
func (m *IndexMap) Insert(id uint64) (int, error) {
	if _, ok := m.rows[id]; ok {
		return 0, fmt.Errorf("%w: %d", ErrDuplicateRequest, id)
	}
	row := len(m.ids)
	m.rows[id] = row
	m.ids = append(m.ids, id)
	return row, nil
}

// Lookup returns the row of id.
func (m *IndexMap) Lookup(id uint64) (int, bool) {
	row, ok := m.rows[id]
	return row, ok
}

// Remove deletes id and shifts every later row down by one.
func (m *IndexMap) Remove(id uint64) bool {
	row, ok := m.rows[id]
	if !ok {
		return false
	}
	delete(m.rows, id)
	m.ids = slices.Delete(m.ids, row, row+1)
	for r := row; r < len(m.ids); r++ {
		m.rows[m.ids[r]] = r
	}
	return true
}

// Retain builds a new map over ids, in the given order, and returns the old
// row of each retained id.
func (m *IndexMap) Retain(ids []uint64) (*IndexMap, []int, error) {
	out := &IndexMap{rows: make(map[uint64]int, len(ids))}
	keep := make([]int, 0, len(ids))
	for _, id := range ids {
		row, ok := m.rows[id]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %d", ErrUnknownRequest, id)
		}
		if _, err := out.Insert(id); err != nil {
			return nil, nil, err
		}
		keep = append(keep, row)
	}
	return out, keep, nil
}

// IDs returns the ids in row order.
func (m *IndexMap) IDs() []uint64 { return slices.Clone(m.ids) }

// Len is the number of mapped rows.
func (m *IndexMap) Len() int { return len(m.ids) }
