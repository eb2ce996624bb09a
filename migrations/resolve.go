package migrations

import (
	"fmt"
	"strings"
)

type visitState uint8

const (
	unvisited visitState = iota
	visiting
	visited
)

// Resolve validates the parent graph of migrations and returns them in
// execution order: every migration appears after all of its parents.
// Traversal follows input order, so the result is stable for a given input.
// Nothing is returned unless the whole graph is valid.
func Resolve[C any](migrations []Migration[C]) ([]Migration[C], error) {
	byKey := make(map[string]int, len(migrations))
	for i, m := range migrations {
		if strings.TrimSpace(m.Key) == "" {
			return nil, fmt.Errorf("%w: migration at index %d has no key", ErrInvalidMigration, i)
		}
		if _, exists := byKey[m.Key]; exists {
			return nil, &DuplicateKeyError{Key: m.Key}
		}
		byKey[m.Key] = i
	}

	for _, m := range migrations {
		for _, parent := range m.Parent {
			if _, ok := byKey[parent]; !ok {
				return nil, &UnknownParentError{Key: m.Key, Parent: parent}
			}
		}
	}

	r := resolver[C]{
		migrations: migrations,
		byKey:      byKey,
		state:      make([]visitState, len(migrations)),
		ordered:    make([]Migration[C], 0, len(migrations)),
	}
	for i := range migrations {
		if err := r.visit(i); err != nil {
			return nil, err
		}
	}
	return r.ordered, nil
}

type resolver[C any] struct {
	migrations []Migration[C]
	byKey      map[string]int
	state      []visitState
	// path holds the keys currently being visited, outermost first.
	path    []string
	ordered []Migration[C]
}

func (r *resolver[C]) visit(i int) error {
	m := r.migrations[i]
	switch r.state[i] {
	case visited:
		return nil
	case visiting:
		return &CircularDependencyError{Cycle: r.cycleTo(m.Key)}
	}

	r.state[i] = visiting
	r.path = append(r.path, m.Key)
	for _, parent := range m.Parent {
		if err := r.visit(r.byKey[parent]); err != nil {
			return err
		}
	}
	r.path = r.path[:len(r.path)-1]
	r.state[i] = visited
	r.ordered = append(r.ordered, m)
	return nil
}

// cycleTo returns the portion of the current path starting at key, closed
// by key again.
func (r *resolver[C]) cycleTo(key string) []string {
	start := 0
	for idx, k := range r.path {
		if k == key {
			start = idx
			break
		}
	}
	cycle := make([]string, 0, len(r.path)-start+1)
	cycle = append(cycle, r.path[start:]...)
	return append(cycle, key)
}
