package testutils

import (
	"context"
	"errors"
	"sync"

	"github.com/NikitaDmitryuk/mediadash/internal/database"
	"github.com/NikitaDmitryuk/mediadash/internal/models"
)

var ErrFlakyWrite = errors.New("flaky store: write failed")

// FlakyStore wraps a store and fails the next FailWrites writes or deletes.
type FlakyStore struct {
	database.Store

	mu         sync.Mutex
	failWrites int
	attempts   int
}

func NewFlakyStore(store database.Store, failWrites int) *FlakyStore {
	return &FlakyStore{Store: store, failWrites: failWrites}
}

func (s *FlakyStore) fail() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failWrites > 0 {
		s.failWrites--
		return true
	}
	return false
}

// FailNext makes the next n writes fail.
func (s *FlakyStore) FailNext(n int) {
	s.mu.Lock()
	s.failWrites = n
	s.mu.Unlock()
}

// Attempts counts every write and delete, failed or not.
func (s *FlakyStore) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *FlakyStore) SaveDownload(ctx context.Context, dl *models.Download) error {
	if s.fail() {
		return ErrFlakyWrite
	}
	return s.Store.SaveDownload(ctx, dl)
}

func (s *FlakyStore) DeleteDownload(ctx context.Context, id string) error {
	if s.fail() {
		return ErrFlakyWrite
	}
	return s.Store.DeleteDownload(ctx, id)
}
