package activity

import (
	"context"
	"sync"
	"time"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

type userKey struct {
	botID  string
	userID string
}

type userState struct {
	version        int64
	lastActivityAt time.Time
	episodeID      string
	episodeExpiry  time.Time
}

// MemoryStore is a process-local Store for tests and single-instance deployments.
type MemoryStore struct {
	mu         sync.Mutex
	users      map[userKey]*userState
	episodeTTL time.Duration
	now        func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...Option) *MemoryStore {
	cfg := applyOptions(opts)
	return &MemoryStore{
		users:      make(map[userKey]*userState),
		episodeTTL: cfg.EpisodeTTL,
		now:        cfg.Now,
	}
}

// state returns the entry for a user, creating it. Caller holds s.mu.
func (s *MemoryStore) state(botID, userID string) *userState {
	k := userKey{botID: botID, userID: userID}
	st, ok := s.users[k]
	if !ok {
		st = &userState{}
		s.users[k] = st
	}
	if st.episodeID != "" && !s.now().Before(st.episodeExpiry) {
		st.episodeID = ""
	}
	return st
}

func (s *MemoryStore) RecordActivity(ctx context.Context, botID, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(botID, userID)
	st.version++
	st.lastActivityAt = s.now().UTC()
	st.episodeID = ""
	return st.version, nil
}

func (s *MemoryStore) GetVersion(ctx context.Context, botID, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(botID, userID).version, nil
}

func (s *MemoryStore) GetLastActivity(ctx context.Context, botID, userID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(botID, userID)
	if st.lastActivityAt.IsZero() {
		return s.now().UTC(), nil
	}
	return st.lastActivityAt, nil
}

func (s *MemoryStore) TryAllocateEpisode(ctx context.Context, botID, userID, episodeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(botID, userID)
	if st.episodeID != "" {
		return false, nil
	}
	st.episodeID = episodeID
	st.episodeExpiry = s.now().Add(s.episodeTTL)
	return true, nil
}

func (s *MemoryStore) AllocateEpisode(ctx context.Context, botID, userID, episodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(botID, userID)
	st.episodeID = episodeID
	st.episodeExpiry = s.now().Add(s.episodeTTL)
	return nil
}

func (s *MemoryStore) RefreshEpisode(ctx context.Context, botID, userID, episodeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(botID, userID)
	if episodeID == "" || st.episodeID != episodeID {
		return false, nil
	}
	st.episodeExpiry = s.now().Add(s.episodeTTL)
	return true, nil
}

func (s *MemoryStore) CurrentEpisode(ctx context.Context, botID, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(botID, userID).episodeID, nil
}

func (s *MemoryStore) ClearEpisode(ctx context.Context, botID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(botID, userID).episodeID = ""
	return nil
}

func (s *MemoryStore) ClearEpisodeIf(ctx context.Context, botID, userID, episodeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(botID, userID)
	if st.episodeID != episodeID || episodeID == "" {
		return false, nil
	}
	st.episodeID = ""
	return true, nil
}
