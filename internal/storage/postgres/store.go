package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/kaliagents/internal/domain"
	"github.com/jkaninda/kaliagents/internal/learning"
	"github.com/jkaninda/kaliagents/internal/storage"
)

// Repositories bundles the repositories over one connection. Both backends
// embed it.
type Repositories struct {
	learning *LearningRepository
	reports  *ReportRepository
}

// NewRepositories creates the repositories over db.
func NewRepositories(db *gorm.DB) Repositories {
	return Repositories{
		learning: NewLearningRepository(db),
		reports:  NewReportRepository(db),
	}
}

func (r Repositories) Load(ctx context.Context, key learning.Key) (learning.Record, bool, error) {
	return r.learning.Load(ctx, key)
}

func (r Repositories) Save(ctx context.Context, key learning.Key, rec learning.Record) error {
	return r.learning.Save(ctx, key, rec)
}

func (r Repositories) List(ctx context.Context) ([]learning.Record, error) {
	return r.learning.List(ctx)
}

func (r Repositories) SaveReport(ctx context.Context, fs *domain.FindingSet) error {
	return r.reports.SaveReport(ctx, fs)
}

func (r Repositories) GetReport(ctx context.Context, id uuid.UUID) (*domain.FindingSet, error) {
	return r.reports.GetReport(ctx, id)
}

func (r Repositories) History(ctx context.Context, target string, limit int) ([]storage.ReportSummary, error) {
	return r.reports.History(ctx, target, limit)
}

func (r Repositories) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.reports.Prune(ctx, cutoff)
}

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	Repositories
	pgDB *DB
}

// NewStore wraps an open DB as a Store.
func NewStore(pgDB *DB) *Store {
	return &Store{Repositories: NewRepositories(pgDB.GormDB()), pgDB: pgDB}
}

// Migrate is a no-op; Open already migrated.
func (s *Store) Migrate(_ context.Context) error { return nil }

func (s *Store) Ping(ctx context.Context) error { return s.pgDB.Ping(ctx) }

func (s *Store) Close() error { return s.pgDB.Close() }

// Driver returns "postgres".
func (s *Store) Driver() string { return storage.DriverPostgres }

var _ storage.Store = (*Store)(nil)
