package checkpoint

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pkg/errors"

	"gwi.com/chatkeeper/internal/quota"
	"gwi.com/chatkeeper/internal/store"
)

// Snapshot is the full in-memory state at one point in time.
type Snapshot struct {
	Chats    []store.ChatSnapshot
	Profiles map[store.UserKey]string
	Quota    []quota.Entry
}

// SQLiteStore persists snapshots. It is never consulted while serving; the
// in-memory stores are authoritative.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "pinging database")
	}

	s := &SQLiteStore{db: db}
	if err = s.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initializing schema")
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS chats (
        user_key TEXT NOT NULL,
        chat_id TEXT NOT NULL,
        name TEXT NOT NULL,
        position INTEGER NOT NULL,
        PRIMARY KEY (user_key, chat_id)
    );

    CREATE TABLE IF NOT EXISTS messages (
        user_key TEXT NOT NULL,
        chat_id TEXT NOT NULL,
        seq INTEGER NOT NULL,
        question TEXT NOT NULL,
        answer TEXT NOT NULL,
        PRIMARY KEY (user_key, chat_id, seq)
    );

    CREATE TABLE IF NOT EXISTS profiles (
        user_key TEXT PRIMARY KEY,
        display_name TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS quota (
        user_key TEXT PRIMARY KEY,
        count INTEGER NOT NULL,
        blocked_since INTEGER -- unix nanoseconds, NULL when not locked out
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// Save replaces the stored snapshot in a single transaction.
func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	for _, table := range []string{"chats", "messages", "profiles", "quota"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return errors.Wrapf(err, "clearing %s", table)
		}
	}

	chatStmt, err := tx.PrepareContext(ctx, "INSERT INTO chats (user_key, chat_id, name, position) VALUES (?, ?, ?, ?)")
	if err != nil {
		return errors.Wrap(err, "preparing chat insert")
	}
	defer chatStmt.Close()

	msgStmt, err := tx.PrepareContext(ctx, "INSERT INTO messages (user_key, chat_id, seq, question, answer) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return errors.Wrap(err, "preparing message insert")
	}
	defer msgStmt.Close()

	for pos, c := range snap.Chats {
		if _, err := chatStmt.ExecContext(ctx, string(c.User), string(c.ID), c.Name, pos); err != nil {
			return errors.Wrapf(err, "inserting chat %s", c.ID)
		}
		for seq, m := range c.Messages {
			if _, err := msgStmt.ExecContext(ctx, string(c.User), string(c.ID), seq, m.Question, m.Answer); err != nil {
				return errors.Wrapf(err, "inserting message %d of chat %s", seq, c.ID)
			}
		}
	}

	for user, name := range snap.Profiles {
		if _, err := tx.ExecContext(ctx, "INSERT INTO profiles (user_key, display_name) VALUES (?, ?)", string(user), name); err != nil {
			return errors.Wrap(err, "inserting profile")
		}
	}

	for _, e := range snap.Quota {
		var blocked sql.NullInt64
		if e.BlockedSince != nil {
			blocked = sql.NullInt64{Int64: e.BlockedSince.UnixNano(), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO quota (user_key, count, blocked_since) VALUES (?, ?, ?)", string(e.User), e.Count, blocked); err != nil {
			return errors.Wrap(err, "inserting quota entry")
		}
	}

	return errors.Wrap(tx.Commit(), "committing snapshot")
}

// Load reads the stored snapshot. An empty database yields an empty snapshot.
func (s *SQLiteStore) Load(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Profiles: make(map[store.UserKey]string)}

	chats, err := s.loadChats(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Chats = chats

	rows, err := s.db.QueryContext(ctx, "SELECT user_key, display_name FROM profiles")
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "querying profiles")
	}
	defer rows.Close()
	for rows.Next() {
		var user, name string
		if err := rows.Scan(&user, &name); err != nil {
			return Snapshot{}, errors.Wrap(err, "scanning profile row")
		}
		snap.Profiles[store.UserKey(user)] = name
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, errors.Wrap(err, "iterating profiles")
	}

	qrows, err := s.db.QueryContext(ctx, "SELECT user_key, count, blocked_since FROM quota")
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "querying quota")
	}
	defer qrows.Close()
	for qrows.Next() {
		var (
			user    string
			e       quota.Entry
			blocked sql.NullInt64
		)
		if err := qrows.Scan(&user, &e.Count, &blocked); err != nil {
			return Snapshot{}, errors.Wrap(err, "scanning quota row")
		}
		e.User = store.UserKey(user)
		if blocked.Valid {
			t := time.Unix(0, blocked.Int64)
			e.BlockedSince = &t
		}
		snap.Quota = append(snap.Quota, e)
	}
	return snap, errors.Wrap(qrows.Err(), "iterating quota")
}

func (s *SQLiteStore) loadChats(ctx context.Context) ([]store.ChatSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT user_key, chat_id, name FROM chats ORDER BY position ASC")
	if err != nil {
		return nil, errors.Wrap(err, "querying chats")
	}
	defer rows.Close()

	var chats []store.ChatSnapshot
	index := make(map[[2]string]int)
	for rows.Next() {
		var user, id, name string
		if err := rows.Scan(&user, &id, &name); err != nil {
			return nil, errors.Wrap(err, "scanning chat row")
		}
		index[[2]string{user, id}] = len(chats)
		chats = append(chats, store.ChatSnapshot{
			User:       store.UserKey(user),
			ID:         store.ChatID(id),
			ChatRecord: store.ChatRecord{Name: name, Messages: []store.MessageTurn{}},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating chats")
	}

	mrows, err := s.db.QueryContext(ctx, "SELECT user_key, chat_id, question, answer FROM messages ORDER BY user_key, chat_id, seq ASC")
	if err != nil {
		return nil, errors.Wrap(err, "querying messages")
	}
	defer mrows.Close()
	for mrows.Next() {
		var user, id, q, a string
		if err := mrows.Scan(&user, &id, &q, &a); err != nil {
			return nil, errors.Wrap(err, "scanning message row")
		}
		i, ok := index[[2]string{user, id}]
		if !ok {
			continue
		}
		chats[i].Messages = append(chats[i].Messages, store.MessageTurn{Question: q, Answer: a})
	}
	return chats, errors.Wrap(mrows.Err(), "iterating messages")
}
