package settings

import (
	"context"
	"fmt"
	"time"

	"spot-core/pkg/db"
)

// Fetcher returns one full settings snapshot.
type Fetcher interface {
	FetchAll(ctx context.Context) (Snapshot, error)
}

// Store reads settings from the SQLite settings tables.
type Store struct {
	db *db.Database
}

// NewStore wraps the database handle.
func NewStore(database *db.Database) *Store {
	return &Store{db: database}
}

// FetchAll reads bot settings, coin overrides and lot sizes and resolves them
// into a validated Snapshot.
func (s *Store) FetchAll(ctx context.Context) (Snapshot, error) {
	bot, err := s.db.GetBotSettings(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch bot settings: %w", err)
	}
	coins, err := s.db.ListCoinSettings(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch coin settings: %w", err)
	}
	lots, err := s.db.ListLotSizes(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch lot sizes: %w", err)
	}

	snap, err := Build(bot, coins, lots)
	if err != nil {
		return Snapshot{}, fmt.Errorf("invalid settings: %w", err)
	}
	snap.FetchedAt = time.Now()
	return snap, nil
}
