package journal

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/DoyleJ11/moonshot/internal/wire"
)

// Store keeps the journal in a SQL table through gorm.
type Store struct {
	db *gorm.DB
}

// Open picks a backend from url: "sqlite:<path>" opens a SQLite file and
// anything else is handed to Postgres as a DSN.
func Open(ctx context.Context, url string) (*Store, error) {
	if path, ok := strings.CutPrefix(url, "sqlite:"); ok {
		return OpenSQLite(ctx, path)
	}
	return OpenPostgres(ctx, url)
}

// OpenPostgres connects to dsn and migrates the turn table.
func OpenPostgres(ctx context.Context, dsn string) (*Store, error) {
	return open(ctx, "postgres", postgres.Open(dsn))
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	return open(ctx, "sqlite", sqlite.Open(path))
}

func open(ctx context.Context, name string, dialector gorm.Dialector) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", name, err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&TurnRecord{}); err != nil {
		return nil, fmt.Errorf("journal: migrate %s: %w", name, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Append(ctx context.Context, turn wire.ServerTurn) error {
	rec, err := toRecord(turn)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("journal: append turn %d: %w", turn.Number, err)
	}
	return nil
}

func (s *Store) Range(ctx context.Context, from, to uint32) ([]wire.ServerTurn, error) {
	var recs []TurnRecord
	err := s.db.WithContext(ctx).
		Where("number BETWEEN ? AND ?", from, to).
		Order("number").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("journal: range %d..%d: %w", from, to, err)
	}
	out := make([]wire.ServerTurn, 0, len(recs))
	for _, rec := range recs {
		turn, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, turn)
	}
	return out, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
