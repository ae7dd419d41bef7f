package action

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/gwillem/servobot/pkg/fault"
	"github.com/gwillem/servobot/pkg/motion"
)

// MemoryLibrary is an in-memory Library.
type MemoryLibrary struct {
	mu     sync.RWMutex
	groups map[string]motion.Sequence
}

// NewMemoryLibrary creates a library holding copies of groups.
func NewMemoryLibrary(groups map[string]motion.Sequence) *MemoryLibrary {
	l := &MemoryLibrary{groups: make(map[string]motion.Sequence, len(groups))}
	for name, seq := range groups {
		l.groups[name] = seq.Clone()
	}
	return l
}

func (l *MemoryLibrary) Load(_ context.Context, name string) (motion.Sequence, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seq, ok := l.groups[name]
	if !ok {
		return nil, unknownGroup(name)
	}
	return seq.Clone(), nil
}

func (l *MemoryLibrary) Save(_ context.Context, name string, seq motion.Sequence) error {
	if err := seq.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.groups[name] = seq.Clone()
	return nil
}

func (l *MemoryLibrary) List(context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Sorted(maps.Keys(l.groups)), nil
}

func unknownGroup(name string) error {
	return fault.Newf(fault.CodeUnknownGroup, "unknown action group %q", name).With("group", name)
}
