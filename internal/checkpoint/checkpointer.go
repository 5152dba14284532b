package checkpoint

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"gwi.com/chatkeeper/internal/quota"
	"gwi.com/chatkeeper/internal/store"
)

// Checkpointer copies the in-memory stores to SQLite and back.
type Checkpointer struct {
	db       *SQLiteStore
	chats    *store.ChatStore
	profiles *store.ProfileStore
	gate     *quota.Gate
}

func NewCheckpointer(db *SQLiteStore, chats *store.ChatStore, profiles *store.ProfileStore, gate *quota.Gate) *Checkpointer {
	return &Checkpointer{db: db, chats: chats, profiles: profiles, gate: gate}
}

// Restore loads the last saved snapshot into the stores.
func (c *Checkpointer) Restore(ctx context.Context) error {
	snap, err := c.db.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "loading snapshot")
	}
	c.chats.Restore(snap.Chats)
	c.profiles.Restore(snap.Profiles)
	c.gate.Restore(snap.Quota)
	slog.Info("restored checkpoint",
		"chats", len(snap.Chats),
		"profiles", len(snap.Profiles),
		"quota_entries", len(snap.Quota),
	)
	return nil
}

// Save writes the current state of the stores. Each store is captured
// separately, so the snapshot is not a cross-store transaction.
func (c *Checkpointer) Save(ctx context.Context) error {
	snap := Snapshot{
		Chats:    c.chats.Snapshot(),
		Profiles: c.profiles.Snapshot(),
		Quota:    c.gate.Snapshot(),
	}
	if err := c.db.Save(ctx, snap); err != nil {
		return errors.Wrap(err, "saving snapshot")
	}
	slog.Debug("saved checkpoint", "chats", len(snap.Chats), "quota_entries", len(snap.Quota))
	return nil
}

// Run saves every interval until ctx is done. It then waits for drained to
// close before the final save, so writes made by requests still being served
// at shutdown are included. A nil drained means there is nothing to wait for.
func (c *Checkpointer) Run(ctx context.Context, interval time.Duration, drained <-chan struct{}) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Save(ctx); err != nil {
				slog.Error("periodic checkpoint failed", "err", err)
			}
		case <-ctx.Done():
			if drained != nil {
				<-drained
			}
			// ctx is already cancelled; give the final save its own deadline.
			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			return c.Save(saveCtx)
		}
	}
}
