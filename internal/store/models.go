package store

import "github.com/pkg/errors"

// ErrNotFound is returned by GetChatHistory when the user or chat is absent.
var ErrNotFound = errors.New("chat not found")

// DefaultUserName is returned by ProfileStore.GetName for users that never set one.
const DefaultUserName = "user"

// UserKey is the opaque, already-authenticated caller identity.
type UserKey string

// ChatID is unique within one user's chats only.
type ChatID string

type MessageTurn struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type ChatRecord struct {
	Name     string        `json:"name"`
	Messages []MessageTurn `json:"messages"`
}

type ChatMeta struct {
	ID   ChatID `json:"id"`
	Name string `json:"name"`
}

// ChatSnapshot is one chat in a store snapshot, in listing order.
type ChatSnapshot struct {
	User UserKey
	ID   ChatID
	ChatRecord
}
