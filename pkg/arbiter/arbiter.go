// Package arbiter decides who may drive a servo at a given instant.
//
// Scripted executions claim servos first-come-first-served. The balance
// controller may only write while the system mode, kept under
// system.mode in the state store, is Balancing. Both rules are enforced when
// a claim is taken or the mode changes, and again around every servo write:
// writes run under the arbitration lock through DriveClaimed, DriveBalance
// and DriveManual, so a mode change or claim never interleaves with one.
package arbiter

import (
	"maps"
	"slices"
	"sync"

	"github.com/gwillem/servobot/pkg/fault"
	"github.com/gwillem/servobot/pkg/robot"
	"github.com/gwillem/servobot/pkg/state"
)

// Mode is the system-wide control mode.
type Mode string

const (
	Scripted  Mode = "scripted"
	Balancing Mode = "balancing"
	// Error stops both scripted playback and balance control until an
	// operator picks another mode.
	Error Mode = "error"
)

// ModeKey is the system category key holding the current Mode.
const ModeKey = "mode"

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case Scripted, Balancing, Error:
		return m, nil
	}
	return "", fault.Newf(fault.CodeNotFound, "unknown mode %q", s)
}

// Arbiter tracks servo claims and the system mode.
type Arbiter struct {
	store *state.Store

	mu       sync.Mutex
	claims   map[robot.ServoID]string
	balanced map[robot.ServoID]struct{}

	hookMu sync.Mutex
	hooks  []func(Mode)
}

// New creates an arbiter and publishes the initial mode.
func New(store *state.Store, initial Mode) (*Arbiter, error) {
	if _, err := ParseMode(string(initial)); err != nil {
		return nil, err
	}
	if err := store.Update(state.System, ModeKey, initial); err != nil {
		return nil, err
	}
	return &Arbiter{
		store:    store,
		claims:   make(map[robot.ServoID]string),
		balanced: make(map[robot.ServoID]struct{}),
	}, nil
}

// SetBalanceServos declares the servos the balance controller drives.
func (a *Arbiter) SetBalanceServos(ids ...robot.ServoID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balanced = make(map[robot.ServoID]struct{}, len(ids))
	for _, id := range ids {
		a.balanced[id] = struct{}{}
	}
}

// Mode returns the mode currently published in the store.
func (a *Arbiter) Mode() (Mode, error) {
	return state.Get[Mode](a.store, state.System, ModeKey)
}

// SetMode switches the system mode. Entering Balancing fails with Busy while
// an execution holds a claim on a balance servo. Entering Error always
// succeeds. A write in progress finishes before the mode changes; once
// SetMode returns, every later write sees the new mode. Hooks registered
// with OnMode run after the change.
func (a *Arbiter) SetMode(m Mode) error {
	if _, err := ParseMode(string(m)); err != nil {
		return err
	}
	if err := a.setMode(m); err != nil {
		return err
	}
	a.hookMu.Lock()
	hooks := slices.Clone(a.hooks)
	a.hookMu.Unlock()
	for _, fn := range hooks {
		fn(m)
	}
	return nil
}

func (a *Arbiter) setMode(m Mode) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if m == Balancing {
		for _, id := range robot.SortedIDs(a.balanced) {
			if owner, ok := a.claims[id]; ok {
				return fault.Newf(fault.CodeBusy, "servo %s is claimed by %s", id, owner).
					With("servo", string(id)).
					With("owner", owner)
			}
		}
	}
	return a.store.Update(state.System, ModeKey, m)
}

// OnMode registers fn to be called with the new mode after every successful
// SetMode. fn must not call SetMode.
func (a *Arbiter) OnMode(fn func(Mode)) {
	a.hookMu.Lock()
	defer a.hookMu.Unlock()
	a.hooks = append(a.hooks, fn)
}

// Claim gives owner exclusive use of servos. It is all or nothing: on
// failure no claim is taken. Claims are only granted in Scripted mode.
func (a *Arbiter) Claim(owner string, servos []robot.ServoID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.require(Scripted); err != nil {
		return err
	}
	for _, id := range servos {
		if other, ok := a.claims[id]; ok && other != owner {
			return fault.Newf(fault.CodeConflict, "servo %s is claimed by %s", id, other).
				With("servo", string(id)).
				With("owner", other)
		}
	}
	for _, id := range servos {
		a.claims[id] = owner
	}
	return nil
}

// Release drops every claim held by owner. Releasing twice is harmless.
func (a *Arbiter) Release(owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	maps.DeleteFunc(a.claims, func(_ robot.ServoID, o string) bool { return o == owner })
}

// Owner returns the owner of a servo's claim.
func (a *Arbiter) Owner(id robot.ServoID) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	owner, ok := a.claims[id]
	return owner, ok
}

// Claimed returns the claimed servos of owner, sorted.
func (a *Arbiter) Claimed(owner string) []robot.ServoID {
	a.mu.Lock()
	defer a.mu.Unlock()
	var ids []robot.ServoID
	for id, o := range a.claims {
		if o == owner {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// CheckManual reports whether a manual command may drive servos right now.
// Claimed servos fail with Conflict. Balance servos fail with Busy while
// Balancing, and everything fails with Busy in Error mode.
func (a *Arbiter) CheckManual(servos []robot.ServoID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.checkManual(servos)
}

// DriveManual runs write if CheckManual permits servos, holding the
// arbitration lock until write returns.
func (a *Arbiter) DriveManual(servos []robot.ServoID, write func() error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkManual(servos); err != nil {
		return err
	}
	return write()
}

// DriveClaimed runs write if owner still holds every servo and the system is
// not in Error mode, holding the arbitration lock until write returns. It
// fails with Busy in Error mode and with Conflict for a servo owner does not
// hold.
func (a *Arbiter) DriveClaimed(owner string, servos []robot.ServoID, write func() error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	m, err := a.Mode()
	if err != nil {
		return err
	}
	if m == Error {
		return fault.New(fault.CodeBusy, "system is in error mode")
	}
	for _, id := range servos {
		if o := a.claims[id]; o != owner {
			return fault.Newf(fault.CodeConflict, "servo %s is not claimed by %s", id, owner).
				With("servo", string(id)).
				With("owner", o)
		}
	}
	return write()
}

// DriveBalance runs write if the system is Balancing and none of servos is
// claimed, holding the arbitration lock until write returns. It fails with
// Busy outside Balancing and with Conflict for a claimed servo.
func (a *Arbiter) DriveBalance(servos []robot.ServoID, write func() error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.require(Balancing); err != nil {
		return err
	}
	for _, id := range servos {
		if owner, ok := a.claims[id]; ok {
			return fault.Newf(fault.CodeConflict, "servo %s is claimed by %s", id, owner).
				With("servo", string(id)).
				With("owner", owner)
		}
	}
	return write()
}

func (a *Arbiter) checkManual(servos []robot.ServoID) error {
	m, err := a.Mode()
	if err != nil {
		return err
	}
	if m == Error {
		return fault.New(fault.CodeBusy, "system is in error mode")
	}
	for _, id := range servos {
		if owner, ok := a.claims[id]; ok {
			return fault.Newf(fault.CodeConflict, "servo %s is claimed by %s", id, owner).
				With("servo", string(id)).
				With("owner", owner)
		}
		if _, ok := a.balanced[id]; ok && m == Balancing {
			return fault.Newf(fault.CodeBusy, "servo %s is under balance control", id).
				With("servo", string(id))
		}
	}
	return nil
}

// Permit fails with Busy unless the system is in mode m.
func (a *Arbiter) Permit(m Mode) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.require(m)
}

func (a *Arbiter) require(want Mode) error {
	m, err := a.Mode()
	if err != nil {
		return err
	}
	if m != want {
		return fault.Newf(fault.CodeBusy, "system mode is %s, not %s", m, want).
			With("mode", string(m))
	}
	return nil
}
