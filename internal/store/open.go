package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq" // postgres driver
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/fyrsmithlabs/recalld/internal/config"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const (
	connectAttempts = 3
	connectBackoff  = 2 * time.Second
)

// Open connects to the configured database and applies pending migrations.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		db          *sql.DB
		err         error
		dialect     goose.Dialect
		placeholder sq.PlaceholderFormat
	)

	switch cfg.Driver {
	case DriverSQLite, "":
		db, err = openSQLite(cfg.DSN.Value())
		dialect, placeholder = goose.DialectSQLite3, sq.Question
	case DriverPostgres:
		db, err = openPostgres(ctx, cfg, logger)
		dialect, placeholder = goose.DialectPostgres, sq.Dollar
	default:
		return nil, fmt.Errorf("unsupported store driver: %s (supported: sqlite, postgres)", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := migrate(ctx, db, dialect, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLStore{
		db:     db,
		sb:     sq.StatementBuilder.PlaceholderFormat(placeholder),
		logger: logger.Named("store"),
	}, nil
}

// openSQLite opens a single-connection pool. SQLite serializes writers and
// a single connection avoids SQLITE_BUSY on transaction upgrades.
func openSQLite(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func openPostgres(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN.Value())
	if err != nil {
		return nil, fmt.Errorf("opening postgres database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}

	for attempt := 1; ; attempt++ {
		err = db.PingContext(ctx)
		if err == nil {
			logger.Info("connected to postgres")
			return db, nil
		}
		if attempt == connectAttempts {
			db.Close()
			return nil, fmt.Errorf("after %d attempts, postgres connection failed: %w", connectAttempts, err)
		}
		logger.Warn("error connecting to postgres, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(connectBackoff):
		}
	}
}

func migrate(ctx context.Context, db *sql.DB, dialect goose.Dialect, logger *zap.Logger) error {
	dir := "migrations/sqlite"
	if dialect == goose.DialectPostgres {
		dir = "migrations/postgres"
	}
	fsys, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return fmt.Errorf("creating migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	if len(results) > 0 {
		logger.Info("applied migrations", zap.Int("count", len(results)))
	}
	return nil
}
