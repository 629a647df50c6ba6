package sqlstore

import (
	"fmt"
	"sync"
)

type tableShape int

const (
	shapeStoredEvents tableShape = iota
	shapeSnapshots
	shapeTracking
)

func (s tableShape) String() string {
	switch s {
	case shapeStoredEvents:
		return "stored events"
	case shapeSnapshots:
		return "snapshots"
	case shapeTracking:
		return "tracking"
	}

	return "unknown"
}

// tableRegistry maps fully qualified table names to their record shape.
// Defining the same table twice with the same shape is a no-op;
// redefining it with a different shape is a programming error.
type tableRegistry struct {
	mu     sync.Mutex
	shapes map[string]tableShape
}

func newTableRegistry() *tableRegistry {
	return &tableRegistry{
		shapes: make(map[string]tableShape),
	}
}

func (r *tableRegistry) define(table string, shape tableShape) error {
	r.mu.Lock()

	defer r.mu.Unlock()

	existing, ok := r.shapes[table]
	if ok {
		if existing != shape {
			return fmt.Errorf(
				"%w: table %q already defined as %s, cannot redefine as %s",
				ErrProgramming, table, existing, shape,
			)
		}

		return nil
	}

	r.shapes[table] = shape

	return nil
}
