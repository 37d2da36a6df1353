package directory

import (
	"context"
	"sync"

	"github.com/samber/lo"
)

// Memory is an in-process membership store used by tests and local runs.
type Memory struct {
	mu     sync.RWMutex
	groups map[string][]string

	// Err, when set, is returned by every lookup. Lets tests exercise the
	// store-unavailable path.
	Err error
}

func NewMemory() *Memory {
	return &Memory{groups: make(map[string][]string)}
}

var _ Client = (*Memory)(nil)

func (s *Memory) SetGroup(groupID string, members ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[groupID] = lo.Uniq(members)
}

func (s *Memory) GroupMembers(_ context.Context, groupID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	// Copy so callers never alias internal state.
	return append([]string(nil), s.groups[groupID]...), nil
}
