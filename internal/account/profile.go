package account

import (
	"context"
	"encoding/json"
	"fmt"

	"drillquiz/internal/credstore"
	"drillquiz/internal/logging"
)

// Profile is the signed-in user's profile document.
type Profile struct {
	User credstore.User
	Raw  json.RawMessage
}

func decodeProfile(raw json.RawMessage) (*Profile, error) {
	p := &Profile{Raw: raw}
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p.User); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return p, nil
}

// Profile returns the user profile, served from cache for ProfileTTL unless
// force is set. Concurrent callers share one fetch.
func (s *Service) Profile(ctx context.Context, force bool) (*Profile, error) {
	if !force {
		if cached, ok := s.profiles.Get(profileKey); ok {
			return cached, nil
		}
	}

	s.mu.Lock()
	generation := s.generation
	s.mu.Unlock()

	ch := s.group.DoChan(profileKey, func() (any, error) {
		return s.fetchProfile(context.WithoutCancel(ctx), generation)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Profile), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) fetchProfile(ctx context.Context, generation uint64) (*Profile, error) {
	var raw json.RawMessage
	if err := s.client.GetJSON(ctx, ProfilePath, &raw); err != nil {
		return nil, err
	}
	profile, err := decodeProfile(raw)
	if err != nil {
		return nil, err
	}
	if !profile.User.IsZero() {
		user := profile.User
		if err := s.store.SetUser(ctx, &user); err != nil {
			s.logger.Warn("failed to store profile user", logging.Error(err))
		}
	}

	s.mu.Lock()
	if s.generation == generation {
		s.profiles.Add(profileKey, profile)
	}
	s.mu.Unlock()
	return profile, nil
}

// InvalidateProfile drops the cached profile and detaches any in-flight fetch
// so that it cannot repopulate the cache.
func (s *Service) InvalidateProfile() {
	s.mu.Lock()
	s.generation++
	s.profiles.Purge()
	s.mu.Unlock()
	s.group.Forget(profileKey)
}

// UpdateProfile sends fields with PUT and invalidates the cached profile.
func (s *Service) UpdateProfile(ctx context.Context, fields any) (*Profile, error) {
	var raw json.RawMessage
	err := s.client.PutJSON(ctx, ProfilePath, fields, &raw)
	s.InvalidateProfile()
	if err != nil {
		return nil, err
	}
	return decodeProfile(raw)
}
