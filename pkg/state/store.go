// Package state provides the thread-safe key/category store shared by the
// scheduler, the control loops and the external drivers.
//
// Each category is guarded by its own lock so writers to unrelated
// categories never contend. A batch write into one category is atomic with
// respect to every reader of that category. Nothing is atomic across
// categories.
package state

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/gwillem/servobot/pkg/fault"
)

// Category names a partition of the store.
type Category string

// Default categories.
const (
	Servos  Category = "servos"
	Sensors Category = "sensors"
	System  Category = "system"
	Actions Category = "actions"
)

// DefaultLockTimeout bounds how long an operation waits for a category lock.
const DefaultLockTimeout = 50 * time.Millisecond

// Snapshot is a consistent copy of one category.
type Snapshot struct {
	Category Category
	Revision uint64
	Values   map[string]any
}

// Options configures a Store.
type Options struct {
	// LockTimeout bounds lock acquisition. Zero means DefaultLockTimeout.
	LockTimeout time.Duration
	// Categories to create. Empty means servos, sensors, system and actions.
	Categories []Category
}

// Store is a set of independently locked categories.
type Store struct {
	partitions  map[Category]*partition
	lockTimeout time.Duration
}

type partition struct {
	sem      chan struct{}
	values   map[string]any
	revision uint64
}

// New creates a store. The set of categories is fixed after construction.
func New(opts Options) *Store {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	cats := opts.Categories
	if len(cats) == 0 {
		cats = []Category{Servos, Sensors, System, Actions}
	}
	s := &Store{
		partitions:  make(map[Category]*partition, len(cats)),
		lockTimeout: opts.LockTimeout,
	}
	for _, c := range cats {
		s.partitions[c] = &partition{
			sem:    make(chan struct{}, 1),
			values: make(map[string]any),
		}
	}
	return s
}

// Categories returns the category names in sorted order.
func (s *Store) Categories() []Category {
	return slices.Sorted(maps.Keys(s.partitions))
}

// Update sets one key. The category revision is incremented.
func (s *Store) Update(category Category, key string, value any) error {
	p, err := s.acquire(category)
	if err != nil {
		return err
	}
	defer p.release()

	p.values[key] = value
	p.revision++
	return nil
}

// UpdateBatch sets several keys atomically. Readers observe either none or
// all of them. The revision is incremented once per batch.
func (s *Store) UpdateBatch(category Category, values map[string]any) error {
	p, err := s.acquire(category)
	if err != nil {
		return err
	}
	defer p.release()

	if len(values) == 0 {
		return nil
	}
	for k, v := range values {
		p.values[k] = v
	}
	p.revision++
	return nil
}

// Delete removes a key. Deleting a missing key fails with NotFound.
func (s *Store) Delete(category Category, key string) error {
	p, err := s.acquire(category)
	if err != nil {
		return err
	}
	defer p.release()

	if _, ok := p.values[key]; !ok {
		return notFound(category, key)
	}
	delete(p.values, key)
	p.revision++
	return nil
}

// Get returns the value stored under key.
func (s *Store) Get(category Category, key string) (any, error) {
	p, err := s.acquire(category)
	if err != nil {
		return nil, err
	}
	defer p.release()

	v, ok := p.values[key]
	if !ok {
		return nil, notFound(category, key)
	}
	return v, nil
}

// Snapshot returns a copy of the whole category. Values are copied
// shallowly; callers should store value types.
func (s *Store) Snapshot(category Category) (Snapshot, error) {
	p, err := s.acquire(category)
	if err != nil {
		return Snapshot{}, err
	}
	defer p.release()

	return Snapshot{
		Category: category,
		Revision: p.revision,
		Values:   maps.Clone(p.values),
	}, nil
}

// Revision returns the current revision of a category.
func (s *Store) Revision(category Category) (uint64, error) {
	p, err := s.acquire(category)
	if err != nil {
		return 0, err
	}
	defer p.release()
	return p.revision, nil
}

// Get is a typed read of a single key.
func Get[T any](s *Store, category Category, key string) (T, error) {
	var zero T
	v, err := s.Get(category, key)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("state %s.%s: value is %T, not %T", category, key, v, zero)
	}
	return t, nil
}

func (s *Store) acquire(category Category) (*partition, error) {
	p, ok := s.partitions[category]
	if !ok {
		return nil, fault.Newf(fault.CodeNotFound, "unknown state category %q", category)
	}

	select {
	case p.sem <- struct{}{}:
		return p, nil
	default:
	}

	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case p.sem <- struct{}{}:
		return p, nil
	case <-timer.C:
		return nil, fault.Newf(fault.CodeBusy, "state category %q locked for more than %s", category, s.lockTimeout)
	}
}

func (p *partition) release() {
	<-p.sem
}

func notFound(category Category, key string) error {
	return fault.Newf(fault.CodeNotFound, "state key %s.%s not found", category, key).
		With("category", string(category)).
		With("key", key)
}
