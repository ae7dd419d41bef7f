package state

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/servobot/pkg/fault"
)

func TestUpdateAndGet(t *testing.T) {
	s := New(Options{})

	require.NoError(t, s.Update(System, "battery", 87))

	v, err := s.Get(System, "battery")
	require.NoError(t, err)
	assert.Equal(t, 87, v)

	n, err := Get[int](s, System, "battery")
	require.NoError(t, err)
	assert.Equal(t, 87, n)

	_, err = Get[string](s, System, "battery")
	assert.Error(t, err)
}

func TestUnknownKeyAndCategory(t *testing.T) {
	s := New(Options{})

	_, err := s.Get(Servos, "missing")
	assert.True(t, errors.Is(err, fault.ErrNotFound), "got %v", err)

	err = s.Update(Category("nope"), "k", 1)
	assert.True(t, errors.Is(err, fault.ErrNotFound), "got %v", err)

	assert.True(t, errors.Is(s.Delete(System, "ghost"), fault.ErrNotFound))
}

func TestRevisionIncreasesOnEveryMutation(t *testing.T) {
	s := New(Options{})

	r0, err := s.Revision(Servos)
	require.NoError(t, err)

	require.NoError(t, s.Update(Servos, "s1", 10.0))
	r1, _ := s.Revision(Servos)
	require.NoError(t, s.UpdateBatch(Servos, map[string]any{"s1": 11.0, "s2": 12.0}))
	r2, _ := s.Revision(Servos)
	require.NoError(t, s.Delete(Servos, "s2"))
	r3, _ := s.Revision(Servos)

	assert.Less(t, r0, r1)
	assert.Less(t, r1, r2)
	assert.Less(t, r2, r3)

	// other categories are untouched
	rs, _ := s.Revision(Sensors)
	assert.Zero(t, rs)
}

func TestSnapshotIsACopy(t *testing.T) {
	s := New(Options{})
	require.NoError(t, s.Update(Sensors, "temp", 25.0))

	snap, err := s.Snapshot(Sensors)
	require.NoError(t, err)
	snap.Values["temp"] = 99.0

	v, _ := s.Get(Sensors, "temp")
	assert.Equal(t, 25.0, v)
}

func TestBatchIsNeverObservedPartially(t *testing.T) {
	s := New(Options{LockTimeout: time.Second})
	require.NoError(t, s.UpdateBatch(Servos, map[string]any{"a": 0, "b": 0}))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 2000; i++ {
			if err := s.UpdateBatch(Servos, map[string]any{"a": i, "b": i}); err != nil {
				t.Errorf("update batch: %v", err)
				return
			}
		}
		close(stop)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap, err := s.Snapshot(Servos)
				if err != nil {
					t.Errorf("snapshot: %v", err)
					return
				}
				if snap.Values["a"] != snap.Values["b"] {
					t.Errorf("partial batch observed: a=%v b=%v", snap.Values["a"], snap.Values["b"])
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestLockTimeoutFailsWithBusy(t *testing.T) {
	s := New(Options{LockTimeout: 10 * time.Millisecond})

	p, err := s.acquire(Servos)
	require.NoError(t, err)
	defer p.release()

	start := time.Now()
	err = s.Update(Servos, "s1", 1.0)
	assert.True(t, errors.Is(err, fault.ErrBusy), "got %v", err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// unrelated categories do not contend
	assert.NoError(t, s.Update(Sensors, "imu", 1.0))
}

func TestCustomCategories(t *testing.T) {
	s := New(Options{Categories: []Category{"x", "y"}})
	assert.Equal(t, []Category{"x", "y"}, s.Categories())

	_, err := s.Snapshot(Servos)
	assert.True(t, errors.Is(err, fault.ErrNotFound))
}
