package store

import "sort"

type chatEntry struct {
	seq    uint64
	record ChatRecord
}

type userChats struct {
	next  uint64
	chats map[ChatID]*chatEntry
}

// ChatStore holds every user's chats in memory. It is safe for concurrent use.
type ChatStore struct {
	users *Sharded[*userChats]
}

func NewChatStore() *ChatStore {
	return &ChatStore{users: NewSharded[*userChats](0)}
}

// CreateChat inserts an empty chat unless chatID already exists for user,
// in which case the existing chat and its messages are left untouched.
func (s *ChatStore) CreateChat(user UserKey, chatID ChatID, name string) {
	s.users.Update(user, func(m map[UserKey]*userChats) {
		uc, ok := m[user]
		if !ok {
			uc = &userChats{chats: make(map[ChatID]*chatEntry)}
			m[user] = uc
		}
		if _, exists := uc.chats[chatID]; exists {
			return
		}
		uc.chats[chatID] = &chatEntry{seq: uc.next, record: ChatRecord{Name: name, Messages: []MessageTurn{}}}
		uc.next++
	})
}

// AppendMessage adds a turn to the chat. Unknown users or chats are ignored.
func (s *ChatStore) AppendMessage(user UserKey, chatID ChatID, question, answer string) {
	s.users.Update(user, func(m map[UserKey]*userChats) {
		if e := lookup(m, user, chatID); e != nil {
			e.record.Messages = append(e.record.Messages, MessageTurn{Question: question, Answer: answer})
		}
	})
}

// GetChatHistory returns a copy of the chat, or ErrNotFound.
func (s *ChatStore) GetChatHistory(user UserKey, chatID ChatID) (ChatRecord, error) {
	var (
		rec   ChatRecord
		found bool
	)
	s.users.View(user, func(m map[UserKey]*userChats) {
		if e := lookup(m, user, chatID); e != nil {
			rec = copyRecord(e.record)
			found = true
		}
	})
	if !found {
		return ChatRecord{}, ErrNotFound
	}
	return rec, nil
}

// DeleteChat reports whether a chat was removed.
func (s *ChatStore) DeleteChat(user UserKey, chatID ChatID) bool {
	var removed bool
	s.users.Update(user, func(m map[UserKey]*userChats) {
		uc, ok := m[user]
		if !ok {
			return
		}
		if _, ok := uc.chats[chatID]; ok {
			delete(uc.chats, chatID)
			removed = true
		}
	})
	return removed
}

// RenameChat reports whether the chat existed and was renamed.
func (s *ChatStore) RenameChat(user UserKey, chatID ChatID, newName string) bool {
	var renamed bool
	s.users.Update(user, func(m map[UserKey]*userChats) {
		if e := lookup(m, user, chatID); e != nil {
			e.record.Name = newName
			renamed = true
		}
	})
	return renamed
}

// ListChats returns the user's chats in creation order. Unknown users get an
// empty, non-nil slice.
func (s *ChatStore) ListChats(user UserKey) []ChatMeta {
	metas := []ChatMeta{}
	s.users.View(user, func(m map[UserKey]*userChats) {
		uc, ok := m[user]
		if !ok {
			return
		}
		for _, id := range orderedIDs(uc) {
			metas = append(metas, ChatMeta{ID: id, Name: uc.chats[id].record.Name})
		}
	})
	return metas
}

// Snapshot copies every chat, grouped by user and in listing order within a user.
func (s *ChatStore) Snapshot() []ChatSnapshot {
	var out []ChatSnapshot
	s.users.Each(func(m map[UserKey]*userChats) bool {
		for user, uc := range m {
			for _, id := range orderedIDs(uc) {
				out = append(out, ChatSnapshot{User: user, ID: id, ChatRecord: copyRecord(uc.chats[id].record)})
			}
		}
		return true
	})
	return out
}

// Restore replaces the store's contents. Chats are re-created in slice order.
func (s *ChatStore) Restore(chats []ChatSnapshot) {
	s.users.Reset()
	for _, c := range chats {
		s.CreateChat(c.User, c.ID, c.Name)
		for _, turn := range c.Messages {
			s.AppendMessage(c.User, c.ID, turn.Question, turn.Answer)
		}
	}
}

func lookup(m map[UserKey]*userChats, user UserKey, chatID ChatID) *chatEntry {
	uc, ok := m[user]
	if !ok {
		return nil
	}
	return uc.chats[chatID]
}

func orderedIDs(uc *userChats) []ChatID {
	ids := make([]ChatID, 0, len(uc.chats))
	for id := range uc.chats {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return uc.chats[ids[i]].seq < uc.chats[ids[j]].seq
	})
	return ids
}

func copyRecord(r ChatRecord) ChatRecord {
	msgs := make([]MessageTurn, len(r.Messages))
	copy(msgs, r.Messages)
	return ChatRecord{Name: r.Name, Messages: msgs}
}
