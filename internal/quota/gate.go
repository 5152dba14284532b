package quota

import (
	"context"
	"time"

	"gwi.com/chatkeeper/internal/store"
)

const (
	DefaultLimit  = 50
	DefaultWindow = 12 * time.Hour
)

// State is one user's prompt counter. BlockedSince is non-nil only while the
// user is locked out.
type State struct {
	Count        uint32     `json:"count"`
	BlockedSince *time.Time `json:"blocked_since,omitempty"`
}

// Entry is a State together with its owner, used for snapshots.
type Entry struct {
	User store.UserKey
	State
}

type Gate struct {
	limit  uint32
	window time.Duration
	now    func() time.Time
	states *store.Sharded[*State]
}

type Option func(*Gate)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func NewGate(limit uint32, window time.Duration, opts ...Option) *Gate {
	if limit == 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	g := &Gate{
		limit:  limit,
		window: window,
		now:    time.Now,
		states: store.NewSharded[*State](0),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gate) Limit() uint32         { return g.limit }
func (g *Gate) Window() time.Duration { return g.window }

// TryConsume counts one prompt for user and reports whether it is allowed.
// The prompt that reaches the limit is allowed and starts the lockout; every
// prompt after it is refused until the window has elapsed, and the first one
// after that counts as prompt 1 of a fresh window.
func (g *Gate) TryConsume(user store.UserKey) bool {
	now := g.now()
	allowed := true
	g.states.Update(user, func(m map[store.UserKey]*State) {
		st, ok := m[user]
		if !ok {
			st = &State{}
			m[user] = st
		}
		if g.expired(st, now) {
			st.Count = 1
			st.BlockedSince = nil
			return
		}
		if st.BlockedSince != nil {
			allowed = false
			return
		}
		st.Count++
		if st.Count >= g.limit {
			blocked := now
			st.BlockedSince = &blocked
		}
	})
	return allowed
}

// State returns a copy of the user's counter; the zero State if none exists.
// A lockout whose window has elapsed reads as the zero State too, the same as
// after Prune has dropped it.
func (g *Gate) State(user store.UserKey) State {
	now := g.now()
	var out State
	g.states.View(user, func(m map[store.UserKey]*State) {
		if st, ok := m[user]; ok && !g.expired(st, now) {
			out = copyState(*st)
		}
	})
	return out
}

func (g *Gate) expired(st *State, now time.Time) bool {
	return st.BlockedSince != nil && now.Sub(*st.BlockedSince) >= g.window
}

// Prune drops entries whose lockout ended at or before now. The next prompt
// from such a user starts at count 1 whether or not the entry is kept.
func (g *Gate) Prune(now time.Time) int {
	removed := 0
	g.states.Each(func(m map[store.UserKey]*State) bool {
		for user, st := range m {
			if g.expired(st, now) {
				delete(m, user)
				removed++
			}
		}
		return true
	})
	return removed
}

// RunPruner calls Prune every interval until ctx is done.
func (g *Gate) RunPruner(ctx context.Context, interval time.Duration, onPrune func(removed int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := g.Prune(g.now()); n > 0 && onPrune != nil {
				onPrune(n)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gate) Snapshot() []Entry {
	var out []Entry
	g.states.Each(func(m map[store.UserKey]*State) bool {
		for user, st := range m {
			out = append(out, Entry{User: user, State: copyState(*st)})
		}
		return true
	})
	return out
}

func (g *Gate) Restore(entries []Entry) {
	g.states.Reset()
	for _, e := range entries {
		st := copyState(e.State)
		g.states.Update(e.User, func(m map[store.UserKey]*State) {
			m[e.User] = &st
		})
	}
}

func copyState(s State) State {
	out := State{Count: s.Count}
	if s.BlockedSince != nil {
		t := *s.BlockedSince
		out.BlockedSince = &t
	}
	return out
}
