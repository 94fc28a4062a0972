// Package sqlite is a SQLite implementation of the semantica.Datastore
// interface.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/kit/log"
	"github.com/jmoiron/sqlx"
	"github.com/josongmin/semantica-task-engine/server/contexts/ctxerr"
	"github.com/josongmin/semantica-task-engine/server/semantica"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// Datastore is an implementation of semantica.Datastore backed by a single
// SQLite file in WAL mode. The writer pool is capped at one connection so
// write transactions serialize in Go rather than returning SQLITE_BUSY.
type Datastore struct {
	reader *sqlx.DB // so it cannot be used to perform writes
	writer *sqlx.DB

	path   string
	logger log.Logger
	clock  clock.Clock
	ids    semantica.IDProvider
}

type txFn func(sqlx.ExtContext) error

// DBOption is used to configure the datastore at creation time.
type DBOption func(o *dbOptions)

type dbOptions struct {
	logger log.Logger
	clock  clock.Clock
	ids    semantica.IDProvider
}

// Logger sets the logger used by the datastore.
func Logger(l log.Logger) DBOption {
	return func(o *dbOptions) {
		o.logger = l
	}
}

// WithClock sets the clock used by the datastore.
func WithClock(c clock.Clock) DBOption {
	return func(o *dbOptions) {
		o.clock = c
	}
}

// WithIDProvider sets the job ID generator, mainly for deterministic IDs in
// tests.
func WithIDProvider(p semantica.IDProvider) DBOption {
	return func(o *dbOptions) {
		o.ids = p
	}
}

func dsn(path string) string {
	v := url.Values{}
	v.Set("_journal_mode", "WAL")
	v.Set("_busy_timeout", "5000")
	v.Set("_foreign_keys", "on")
	v.Set("_synchronous", "NORMAL")
	return fmt.Sprintf("file:%s?%s", path, v.Encode())
}

// New creates a Datastore at the given file path, applying any pending schema
// migrations before returning.
func New(path string, opts ...DBOption) (*Datastore, error) {
	options := &dbOptions{
		logger: log.NewNopLogger(),
		clock:  clock.C,
		ids:    semantica.UUIDProvider{},
	}
	for _, opt := range opts {
		opt(options)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, ctxerr.Wrap(context.Background(), err, "create database directory")
		}
	}

	writer, err := sqlx.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, ctxerr.Wrap(context.Background(), err, "open sqlite writer")
	}
	writer.SetMaxOpenConns(1)
	writer.SetConnMaxLifetime(0)

	reader, err := sqlx.Open("sqlite3", dsn(path))
	if err != nil {
		writer.Close()
		return nil, ctxerr.Wrap(context.Background(), err, "open sqlite reader")
	}
	reader.SetMaxOpenConns(4)

	ds := &Datastore{
		reader: reader,
		writer: writer,
		path:   path,
		logger: options.logger,
		clock:  options.clock,
		ids:    options.ids,
	}

	if err := ds.MigrateTables(context.Background()); err != nil {
		ds.Close()
		return nil, err
	}
	return ds, nil
}

// retryableError determines whether a SQLite error can be retried. By default
// errors are considered non-retryable. Only errors that we know have a
// possibility of succeeding on a retry should return true in this function.
func retryableError(err error) bool {
	base := ctxerr.Cause(err)
	if b, ok := base.(sqlite3.Error); ok {
		switch b.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return true
		}
	}
	return false
}

// withRetryTxx provides a common way to commit/rollback a txFn wrapped in a
// retry with exponential backoff.
func (ds *Datastore) withRetryTxx(ctx context.Context, fn txFn) (err error) {
	operation := func() error {
		tx, err := ds.writer.BeginTxx(ctx, nil)
		if err != nil {
			return ctxerr.Wrap(ctx, err, "create transaction")
		}

		defer func() {
			if p := recover(); p != nil {
				if err := tx.Rollback(); err != nil {
					ds.logger.Log("err", err, "msg", "error encountered during transaction panic rollback")
				}
				panic(p)
			}
		}()

		if err := fn(tx); err != nil {
			rbErr := tx.Rollback()
			if rbErr != nil && rbErr != sql.ErrTxDone {
				// Consider rollback errors to be non-retryable
				return backoff.Permanent(ctxerr.Wrapf(ctx, err, "got err '%s' rolling back after err", rbErr.Error()))
			}

			if retryableError(err) {
				return err
			}

			// Consider any other errors to be non-retryable
			return backoff.Permanent(err)
		}

		if err := tx.Commit(); err != nil {
			err = ctxerr.Wrap(ctx, err, "commit transaction")

			if retryableError(err) {
				return err
			}

			return backoff.Permanent(err)
		}

		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 5 * time.Second
	return backoff.Retry(operation, bo)
}

// withTx provides a common way to commit/rollback a txFn
func (ds *Datastore) withTx(ctx context.Context, fn txFn) (err error) {
	tx, err := ds.writer.BeginTxx(ctx, nil)
	if err != nil {
		return ctxerr.Wrap(ctx, err, "create transaction")
	}

	defer func() {
		if p := recover(); p != nil {
			if err := tx.Rollback(); err != nil {
				ds.logger.Log("err", err, "msg", "error encountered during transaction panic rollback")
			}
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		rbErr := tx.Rollback()
		if rbErr != nil && rbErr != sql.ErrTxDone {
			return ctxerr.Wrapf(ctx, err, "got err '%s' rolling back after err", rbErr.Error())
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return ctxerr.Wrap(ctx, err, "commit transaction")
	}

	return nil
}

// Close closes the reader and writer connections.
func (ds *Datastore) Close() error {
	if err := ds.reader.Close(); err != nil {
		ds.writer.Close()
		return err
	}
	return ds.writer.Close()
}

// Size returns the database size in bytes as reported by the page pragmas.
func (ds *Datastore) Size(ctx context.Context) (int64, error) {
	var pageCount, pageSize int64
	if err := sqlx.GetContext(ctx, ds.reader, &pageCount, `PRAGMA page_count`); err != nil {
		return 0, ctxerr.Wrap(ctx, err, "read page_count")
	}
	if err := sqlx.GetContext(ctx, ds.reader, &pageSize, `PRAGMA page_size`); err != nil {
		return 0, ctxerr.Wrap(ctx, err, "read page_size")
	}
	return pageCount * pageSize, nil
}

// Vacuum rebuilds the database file, reclaiming free pages.
func (ds *Datastore) Vacuum(ctx context.Context) error {
	if _, err := ds.writer.ExecContext(ctx, `VACUUM`); err != nil {
		return ctxerr.Wrap(ctx, err, "vacuum database")
	}
	return nil
}
