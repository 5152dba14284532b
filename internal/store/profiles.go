package store

// ProfileStore maps users to display names.
type ProfileStore struct {
	names *Sharded[string]
}

func NewProfileStore() *ProfileStore {
	return &ProfileStore{names: NewSharded[string](0)}
}

func (s *ProfileStore) SetName(user UserKey, name string) {
	s.names.Update(user, func(m map[UserKey]string) {
		m[user] = name
	})
}

// GetName returns DefaultUserName when the user never set a name.
func (s *ProfileStore) GetName(user UserKey) string {
	name := DefaultUserName
	s.names.View(user, func(m map[UserKey]string) {
		if n, ok := m[user]; ok {
			name = n
		}
	})
	return name
}

func (s *ProfileStore) Snapshot() map[UserKey]string {
	out := make(map[UserKey]string)
	s.names.Each(func(m map[UserKey]string) bool {
		for k, v := range m {
			out[k] = v
		}
		return true
	})
	return out
}

func (s *ProfileStore) Restore(names map[UserKey]string) {
	s.names.Reset()
	for k, v := range names {
		s.SetName(k, v)
	}
}
