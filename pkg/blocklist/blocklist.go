// Package blocklist is the local copy of the users the local user blocked.
// It gates sends and calls before anything reaches the channel.
package blocklist

import (
	"context"
	"sort"
	"sync"

	"chatlink/pkg/log"
)

type Source interface {
	BlockedUsers(ctx context.Context) ([]string, error)
}

type Set struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

func New(ids ...string) *Set {
	s := &Set{}
	s.Replace(ids)

	return s
}

func (s *Set) Blocked(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.ids[userID]

	return ok
}

func (s *Set) Replace(ids []string) {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			m[id] = struct{}{}
		}
	}

	s.mu.Lock()
	s.ids = m
	s.mu.Unlock()
}

func (s *Set) IDs() []string {
	s.mu.RLock()

	ids := make([]string, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}

	s.mu.RUnlock()

	sort.Strings(ids)

	return ids
}

// Refresh replaces the set with the server's list.
func (s *Set) Refresh(ctx context.Context, src Source) error {
	ids, err := src.BlockedUsers(ctx)
	if err != nil {
		return err
	}

	s.Replace(ids)
	log.Component("blocklist").Debugf("%d users blocked", len(ids))

	return nil
}
