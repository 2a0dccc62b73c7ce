// Package streams provides a lazy pull-based sequence abstraction used to
// iterate store cursors without materializing whole result sets.
package streams

// Stream is a lazy sequence. Next returns the next element and true, or the
// zero value and false once the stream is exhausted. After exhaustion Err
// reports any failure that terminated the stream early.
type Stream[T any] interface {
	Next() (T, bool)
	Err() error
}

// Comparator orders two elements: negative when a sorts before b.
type Comparator[T any] func(a, b T) int

type sliceStream[T any] struct {
	items []T
	pos   int
}

func (s *sliceStream[T]) Next() (T, bool) {
	if s.pos >= len(s.items) {
		var zero T
		return zero, false
	}
	item := s.items[s.pos]
	s.pos++
	return item, true
}

func (s *sliceStream[T]) Err() error { return nil }

// FromSlice wraps a slice as a stream.
func FromSlice[T any](items []T) Stream[T] {
	return &sliceStream[T]{items: items}
}

// Empty returns an exhausted stream.
func Empty[T any]() Stream[T] {
	return &sliceStream[T]{}
}

type funcStream[T any] struct {
	next func() (T, bool)
	err  func() error
}

func (s *funcStream[T]) Next() (T, bool) { return s.next() }

func (s *funcStream[T]) Err() error {
	if s.err == nil {
		return nil
	}
	return s.err()
}

// Generate builds a stream from a pull function and an optional error source.
func Generate[T any](next func() (T, bool), err func() error) Stream[T] {
	return &funcStream[T]{next: next, err: err}
}

// Collect drains the stream into a slice, returning the stream's error if it
// terminated abnormally.
func Collect[T any](s Stream[T]) ([]T, error) {
	var out []T
	for {
		item, ok := s.Next()
		if !ok {
			return out, s.Err()
		}
		out = append(out, item)
	}
}

type mapStream[T, U any] struct {
	src Stream[T]
	fn  func(T) U
}

func (s *mapStream[T, U]) Next() (U, bool) {
	item, ok := s.src.Next()
	if !ok {
		var zero U
		return zero, false
	}
	return s.fn(item), true
}

func (s *mapStream[T, U]) Err() error { return s.src.Err() }

// Map transforms each element lazily.
func Map[T, U any](src Stream[T], fn func(T) U) Stream[U] {
	return &mapStream[T, U]{src: src, fn: fn}
}

type filterStream[T any] struct {
	src  Stream[T]
	keep func(T) bool
}

func (s *filterStream[T]) Next() (T, bool) {
	for {
		item, ok := s.src.Next()
		if !ok {
			var zero T
			return zero, false
		}
		if s.keep(item) {
			return item, true
		}
	}
}

func (s *filterStream[T]) Err() error { return s.src.Err() }

// Filter keeps elements matching the predicate.
func Filter[T any](src Stream[T], keep func(T) bool) Stream[T] {
	return &filterStream[T]{src: src, keep: keep}
}

type distinctStream[T any] struct {
	src  Stream[T]
	key  func(T) string
	seen map[string]struct{}
}

func (s *distinctStream[T]) Next() (T, bool) {
	for {
		item, ok := s.src.Next()
		if !ok {
			var zero T
			return zero, false
		}
		k := s.key(item)
		if _, dup := s.seen[k]; dup {
			continue
		}
		s.seen[k] = struct{}{}
		return item, true
	}
}

func (s *distinctStream[T]) Err() error { return s.src.Err() }

// DistinctBy drops elements whose key was already emitted.
func DistinctBy[T any](src Stream[T], key func(T) string) Stream[T] {
	return &distinctStream[T]{src: src, key: key, seen: make(map[string]struct{})}
}

type limitStream[T any] struct {
	src  Stream[T]
	left int
}

func (s *limitStream[T]) Next() (T, bool) {
	if s.left <= 0 {
		var zero T
		return zero, false
	}
	item, ok := s.src.Next()
	if !ok {
		var zero T
		return zero, false
	}
	s.left--
	return item, true
}

func (s *limitStream[T]) Err() error { return s.src.Err() }

// Limit caps the stream at n elements.
func Limit[T any](src Stream[T], n int) Stream[T] {
	return &limitStream[T]{src: src, left: n}
}
