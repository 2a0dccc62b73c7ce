package streams

// mergeStream interleaves its inputs round-robin, preserving relative order
// within each input only.
type mergeStream[T any] struct {
	inputs []Stream[T]
	pos    int
	err    error
}

func (m *mergeStream[T]) Next() (T, bool) {
	for len(m.inputs) > 0 {
		if m.pos >= len(m.inputs) {
			m.pos = 0
		}
		src := m.inputs[m.pos]
		item, ok := src.Next()
		if ok {
			m.pos++
			return item, true
		}
		if err := src.Err(); err != nil && m.err == nil {
			m.err = err
		}
		m.inputs = append(m.inputs[:m.pos], m.inputs[m.pos+1:]...)
	}
	var zero T
	return zero, false
}

func (m *mergeStream[T]) Err() error { return m.err }

// Merge concatenates streams by round-robin interleaving. No ordering is
// guaranteed across inputs.
func Merge[T any](inputs ...Stream[T]) Stream[T] {
	switch len(inputs) {
	case 0:
		return Empty[T]()
	case 1:
		return inputs[0]
	}
	return &mergeStream[T]{inputs: inputs}
}

type orderedEntry[T any] struct {
	value T
	valid bool
}

// orderedMergeStream is a streaming k-way merge: one buffered head per input,
// emit the minimum by comparator, refill from the source it came from. Ties
// break by input order, making the merge stable.
type orderedMergeStream[T any] struct {
	inputs []Stream[T]
	heads  []orderedEntry[T]
	cmp    Comparator[T]
	primed bool
	err    error
}

func (m *orderedMergeStream[T]) prime() {
	m.heads = make([]orderedEntry[T], len(m.inputs))
	for i, src := range m.inputs {
		m.refill(i, src)
	}
	m.primed = true
}

func (m *orderedMergeStream[T]) refill(i int, src Stream[T]) {
	item, ok := src.Next()
	if !ok {
		m.heads[i] = orderedEntry[T]{}
		if err := src.Err(); err != nil && m.err == nil {
			m.err = err
		}
		return
	}
	m.heads[i] = orderedEntry[T]{value: item, valid: true}
}

func (m *orderedMergeStream[T]) Next() (T, bool) {
	if !m.primed {
		m.prime()
	}
	min := -1
	for i := range m.heads {
		if !m.heads[i].valid {
			continue
		}
		if min < 0 || m.cmp(m.heads[i].value, m.heads[min].value) < 0 {
			min = i
		}
	}
	if min < 0 {
		var zero T
		return zero, false
	}
	item := m.heads[min].value
	m.refill(min, m.inputs[min])
	return item, true
}

func (m *orderedMergeStream[T]) Err() error { return m.err }

// MergeOrdered merges already-sorted streams into one sorted stream using the
// comparator. The merge is stable with respect to input order.
func MergeOrdered[T any](cmp Comparator[T], inputs ...Stream[T]) Stream[T] {
	switch len(inputs) {
	case 0:
		return Empty[T]()
	case 1:
		return inputs[0]
	}
	return &orderedMergeStream[T]{inputs: inputs, cmp: cmp}
}
