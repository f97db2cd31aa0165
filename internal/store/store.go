// Package store implements the document store collaborators of the sync
// service on top of PostgreSQL.
package store

import (
	"context"
	_ "embed"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"collabtext/diam/internal/readscope"
)

var logger = loggo.GetLogger("diam.store")

//go:embed schema.sql
var schema string

// Session is a read-only, repeatable-read transaction. Every query made
// inside one scope sees the same snapshot of the document.
type Session struct {
	tx pgx.Tx
}

// Close ends the transaction.
func (s *Session) Close(ctx context.Context) error {
	return s.tx.Rollback(ctx)
}

// Store reads documents, annotations and project membership.
type Store struct {
	pool   *pgxpool.Pool
	scopes *readscope.Guard[*Session]
}

// New returns a Store reading through pool.
func New(pool *pgxpool.Pool) *Store {
	s := &Store{pool: pool}
	s.scopes = readscope.NewGuard(s.open)
	return s
}

// Migrate creates the tables the store reads from.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return errors.Annotate(err, "creating schema")
	}
	logger.Infof("ensured store schema exists")
	return nil
}

// Scopes returns the guard handing out read sessions.
func (s *Store) Scopes() *readscope.Guard[*Session] {
	return s.scopes
}

func (s *Store) open(ctx context.Context) (*Session, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Session{tx: tx}, nil
}

// Authorize checks that principal is a member of the project.
func (s *Store) Authorize(ctx context.Context, principal string, projectID int64) error {
	var member bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM project_members WHERE project_id = $1 AND principal = $2)`,
		projectID, principal,
	).Scan(&member)
	if err != nil {
		return errors.Annotatef(err, "looking up membership of %q in project %d", principal, projectID)
	}
	if !member {
		return errors.Unauthorizedf("%q on project %d", principal, projectID)
	}
	return nil
}
