package session

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"recoveryjourney/api/internal/profile"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// PendingUpdate is a profile mutation waiting to be written to the profile
// store. IDs are ULIDs, so sorting by ID gives enqueue order.
type PendingUpdate struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

type idSource struct {
	mu      sync.Mutex
	entropy io.Reader
}

func newIDSource() *idSource {
	return &idSource{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (s *idSource) next(t time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

// Pending returns the queued updates in replay order.
func (s *Synchronizer) Pending(ctx context.Context) []PendingUpdate {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return s.loadPending(ctx)
}

func (s *Synchronizer) enqueue(ctx context.Context, uid string, fields map[string]any) {
	now := s.now()
	update := PendingUpdate{
		ID:        s.ids.next(now),
		UserID:    uid,
		Data:      fields,
		Timestamp: now,
	}

	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	queue := append(s.loadPending(ctx), update)
	if err := s.savePending(ctx, queue); err != nil {
		s.log.Error("queue profile update", zap.String("uid", uid), zap.Error(err))
		return
	}
	s.metrics.pending.Inc()
}

// ReplayPending writes the queued updates of uid to the profile store in
// enqueue order, merging field by field. The first failure stops the replay
// and keeps that update and everything after it queued.
func (s *Synchronizer) ReplayPending(ctx context.Context, uid string) (int, error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	queue := s.loadPending(ctx)
	remaining := make([]PendingUpdate, 0, len(queue))
	replayed := 0
	var replayErr error
	for _, update := range queue {
		if update.UserID != uid || replayErr != nil {
			remaining = append(remaining, update)
			continue
		}
		if err := s.deps.Profiles.WriteDocument(ctx, profile.Collection, uid, update.Data, true); err != nil {
			replayErr = &ProfileSyncError{Op: "replay", UserID: uid, Err: err}
			remaining = append(remaining, update)
			continue
		}
		replayed++
		s.metrics.replayed.Inc()
	}

	if replayed > 0 {
		if err := s.savePending(ctx, remaining); err != nil {
			return replayed, err
		}
	}
	return replayed, replayErr
}

func (s *Synchronizer) loadPending(ctx context.Context) []PendingUpdate {
	raw, ok := s.cacheGet(ctx, keyPendingUpdates)
	if !ok || raw == "" {
		return nil
	}
	var queue []PendingUpdate
	if err := json.Unmarshal([]byte(raw), &queue); err != nil {
		s.corrupt(keyPendingUpdates, err)
		return nil
	}
	sort.SliceStable(queue, func(i, j int) bool { return queue[i].ID < queue[j].ID })
	return queue
}

func (s *Synchronizer) savePending(ctx context.Context, queue []PendingUpdate) error {
	if len(queue) == 0 {
		if err := s.deps.Cache.Remove(ctx, keyPendingUpdates); err != nil {
			return fmt.Errorf("clear pending updates: %w", err)
		}
		return nil
	}
	raw, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("encode pending updates: %w", err)
	}
	if err := s.deps.Cache.Set(ctx, keyPendingUpdates, string(raw)); err != nil {
		return fmt.Errorf("save pending updates: %w", err)
	}
	return nil
}
