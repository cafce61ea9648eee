package models

// Frame is a column-oriented tabular block: a uniform named schema over an
// ordered sequence of rows. It mirrors the remote API's wire shape
// ({fields, items}) so fetch results flow to storage without reshaping.
type Frame struct {
	Columns []string
	Rows    [][]any
}

// EmptyFrame returns a frame with no columns and no rows. Legitimate for
// "no data in range" results.
func EmptyFrame() *Frame {
	return &Frame{}
}

func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Rows)
}

func (f *Frame) IsEmpty() bool {
	return f.Len() == 0
}

// ColumnIndex returns the position of the named column, or -1.
func (f *Frame) ColumnIndex(name string) int {
	if f == nil {
		return -1
	}
	for i, c := range f.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Append adds the rows of other to f. Panics are avoided by requiring the
// caller to only concatenate frames produced by the same endpoint; column
// order is taken from the first non-empty frame.
func (f *Frame) Append(other *Frame) {
	if other.IsEmpty() {
		return
	}
	if len(f.Columns) == 0 {
		f.Columns = other.Columns
	}
	f.Rows = append(f.Rows, other.Rows...)
}

// DedupeByKey removes duplicate rows sharing the same values in the named
// key columns, keeping the last occurrence. Later-arriving data wins, which
// gives the consumer its monotonic last-writer-wins merge. Columns absent
// from the frame are ignored.
func (f *Frame) DedupeByKey(keyCols ...string) {
	if f.Len() < 2 {
		return
	}
	idxs := make([]int, 0, len(keyCols))
	for _, c := range keyCols {
		if i := f.ColumnIndex(c); i >= 0 {
			idxs = append(idxs, i)
		}
	}
	if len(idxs) == 0 {
		return
	}
	last := make(map[string]int, f.Len())
	for i, row := range f.Rows {
		last[rowKey(row, idxs)] = i
	}
	if len(last) == f.Len() {
		return
	}
	kept := make([][]any, 0, len(last))
	for i, row := range f.Rows {
		if last[rowKey(row, idxs)] == i {
			kept = append(kept, row)
		}
	}
	f.Rows = kept
}

func rowKey(row []any, idxs []int) string {
	key := ""
	for _, i := range idxs {
		if i < len(row) {
			key += toString(row[i]) + "\x1f"
		}
	}
	return key
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return stringify(v)
}
