package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/errdefs"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/recalld/internal/store")

var documentColumns = []string{
	"id", "owner_id", "title", "body", "source_url", "status", "chunk_count", "created_at", "updated_at",
}

var chunkColumns = []string{
	"id", "owner_id", "document_id", "ordinal", "body", "embedding_model", "dimensions", "created_at",
}

// runner is satisfied by *sql.DB and *sql.Tx.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db     *sql.DB
	sb     sq.StatementBuilderType
	logger *zap.Logger
}

var _ Store = (*SQLStore)(nil)

// storeErr wraps driver failures; ownership errors pass through.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errdefs.ErrNotFound) || errdefs.IsInvalidInput(err) || errdefs.IsCanonicalStore(err) {
		return err
	}
	return &errdefs.CanonicalStoreError{Op: op, Err: err}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func requireOwner(ownerID string) error {
	if ownerID == "" {
		return errdefs.InvalidInput("owner_id", "must not be empty")
	}
	return nil
}

// withTx runs fn in a transaction, rolling back on error.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// checkOwner returns ErrNotFound for a missing document and
// UnauthorizedError for a document owned by someone else.
func (s *SQLStore) checkOwner(ctx context.Context, r runner, ownerID, id string) error {
	query, args, err := s.sb.Select("owner_id").From("documents").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	var owner string
	err = r.QueryRowContext(ctx, query, args...).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("document %s: %w", id, errdefs.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if owner != ownerID {
		return &errdefs.UnauthorizedError{Resource: "document", ID: id}
	}
	return nil
}

// chunkInsertBatch keeps each INSERT well under SQLite's 32766 and
// Postgres' 65535 bind-parameter limits.
const chunkInsertBatch = 500

// insertChunks writes chunks in batches of chunkInsertBatch rows. Callers
// run it inside a transaction so a document's chunks land together.
func (s *SQLStore) insertChunks(ctx context.Context, r runner, chunks []Chunk) error {
	for start := 0; start < len(chunks); start += chunkInsertBatch {
		end := min(start+chunkInsertBatch, len(chunks))
		ins := s.sb.Insert("chunks").Columns(chunkColumns...)
		for _, c := range chunks[start:end] {
			ins = ins.Values(c.ID, c.OwnerID, c.DocumentID, c.Ordinal, c.Text, c.EmbeddingModel, c.Dimensions, millis(c.CreatedAt))
		}
		query, args, err := ins.ToSql()
		if err != nil {
			return err
		}
		if _, err := r.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) chunkIDs(ctx context.Context, r runner, documentID string) ([]string, error) {
	query, args, err := s.sb.Select("id").From("chunks").
		Where(sq.Eq{"document_id": documentID}).
		OrderBy("ordinal").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func checkChunks(doc Document, chunks []Chunk) error {
	for _, c := range chunks {
		if c.DocumentID != doc.ID || c.OwnerID != doc.OwnerID {
			return errdefs.InvalidInput("chunks", fmt.Sprintf("chunk %s does not belong to document %s", c.ID, doc.ID))
		}
	}
	return nil
}

// CreateDocument implements Store.
func (s *SQLStore) CreateDocument(ctx context.Context, doc Document, chunks []Chunk) (err error) {
	ctx, span := tracer.Start(ctx, "SQLStore.CreateDocument")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int("chunk_count", len(chunks)))

	if err := requireOwner(doc.OwnerID); err != nil {
		return err
	}
	if doc.ID == "" {
		return errdefs.InvalidInput("id", "must not be empty")
	}
	if err := checkChunks(doc, chunks); err != nil {
		return err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		query, args, err := s.sb.Insert("documents").Columns(documentColumns...).
			Values(doc.ID, doc.OwnerID, doc.Title, doc.Text, doc.SourceURL, string(doc.Status), doc.ChunkCount,
				millis(doc.CreatedAt), millis(doc.UpdatedAt)).
			ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		if err := s.insertChunks(ctx, tx, chunks); err != nil {
			return fmt.Errorf("insert chunks: %w", err)
		}
		return nil
	})
	return storeErr("create document", err)
}

// ReplaceChunks implements Store.
func (s *SQLStore) ReplaceChunks(ctx context.Context, ownerID string, doc Document, chunks []Chunk) (old []string, err error) {
	ctx, span := tracer.Start(ctx, "SQLStore.ReplaceChunks")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int("chunk_count", len(chunks)))

	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	doc.OwnerID = ownerID
	if err := checkChunks(doc, chunks); err != nil {
		return nil, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.checkOwner(ctx, tx, ownerID, doc.ID); err != nil {
			return err
		}

		ids, err := s.chunkIDs(ctx, tx, doc.ID)
		if err != nil {
			return fmt.Errorf("list chunks: %w", err)
		}
		old = ids

		query, args, err := s.sb.Delete("chunks").Where(sq.Eq{"document_id": doc.ID}).ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}

		query, args, err = s.sb.Update("documents").
			Set("title", doc.Title).
			Set("body", doc.Text).
			Set("source_url", doc.SourceURL).
			Set("status", string(doc.Status)).
			Set("chunk_count", doc.ChunkCount).
			Set("updated_at", millis(doc.UpdatedAt)).
			Where(sq.Eq{"id": doc.ID, "owner_id": ownerID}).
			ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("update document: %w", err)
		}

		if err := s.insertChunks(ctx, tx, chunks); err != nil {
			return fmt.Errorf("insert chunks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("replace chunks", err)
	}
	return old, nil
}

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var (
		d                Document
		status           string
		created, updated int64
	)
	if err := row.Scan(&d.ID, &d.OwnerID, &d.Title, &d.Text, &d.SourceURL, &status, &d.ChunkCount, &created, &updated); err != nil {
		return Document{}, err
	}
	d.Status = Status(status)
	d.CreatedAt = fromMillis(created)
	d.UpdatedAt = fromMillis(updated)
	return d, nil
}

// GetDocument implements Store.
func (s *SQLStore) GetDocument(ctx context.Context, ownerID, id string) (*Document, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	query, args, err := s.sb.Select(documentColumns...).From("documents").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, storeErr("get document", err)
	}
	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("get document", err)
	}
	if doc.OwnerID != ownerID {
		return nil, &errdefs.UnauthorizedError{Resource: "document", ID: id}
	}
	return &doc, nil
}

func (s *SQLStore) queryDocuments(ctx context.Context, op string, b sq.SelectBuilder) ([]Document, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, storeErr(op, err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, storeErr(op, err)
		}
		docs = append(docs, d)
	}
	return docs, storeErr(op, rows.Err())
}

// ListDocuments implements Store.
func (s *SQLStore) ListDocuments(ctx context.Context, ownerID string, limit int) ([]Document, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	b := s.sb.Select(documentColumns...).From("documents").
		Where(sq.Eq{"owner_id": ownerID}).
		OrderBy("updated_at DESC", "id")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	return s.queryDocuments(ctx, "list documents", b)
}

// ListPending implements Store.
func (s *SQLStore) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]Document, error) {
	b := s.sb.Select(documentColumns...).From("documents").
		Where(sq.Eq{"status": string(StatusPending)}).
		Where(sq.Lt{"updated_at": millis(olderThan)}).
		OrderBy("updated_at", "id")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	return s.queryDocuments(ctx, "list pending", b)
}

// GetChunks implements Store.
func (s *SQLStore) GetChunks(ctx context.Context, ownerID string, ids []string) (map[string]ChunkView, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	out := make(map[string]ChunkView, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query, args, err := s.sb.
		Select("c.id", "c.document_id", "c.owner_id", "c.ordinal", "c.body", "d.title", "d.source_url").
		From("chunks c").
		Join("documents d ON d.id = c.document_id").
		Where(sq.Eq{"c.id": ids, "c.owner_id": ownerID}).
		ToSql()
	if err != nil {
		return nil, storeErr("get chunks", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("get chunks", err)
	}
	defer rows.Close()

	for rows.Next() {
		var v ChunkView
		if err := rows.Scan(&v.ChunkID, &v.DocumentID, &v.OwnerID, &v.Ordinal, &v.Text, &v.Title, &v.SourceURL); err != nil {
			return nil, storeErr("get chunks", err)
		}
		out[v.ChunkID] = v
	}
	return out, storeErr("get chunks", rows.Err())
}

// ListChunkIDs implements Store.
func (s *SQLStore) ListChunkIDs(ctx context.Context, ownerID, documentID string) ([]string, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	if err := s.checkOwner(ctx, s.db, ownerID, documentID); err != nil {
		return nil, storeErr("list chunk ids", err)
	}
	ids, err := s.chunkIDs(ctx, s.db, documentID)
	return ids, storeErr("list chunk ids", err)
}

// ListChunks implements Store.
func (s *SQLStore) ListChunks(ctx context.Context, ownerID, documentID string) ([]Chunk, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	if err := s.checkOwner(ctx, s.db, ownerID, documentID); err != nil {
		return nil, storeErr("list chunks", err)
	}

	query, args, err := s.sb.Select(chunkColumns...).From("chunks").
		Where(sq.Eq{"document_id": documentID}).
		OrderBy("ordinal").
		ToSql()
	if err != nil {
		return nil, storeErr("list chunks", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list chunks", err)
	}
	defer rows.Close()

	chunks := []Chunk{}
	for rows.Next() {
		var (
			c       Chunk
			created int64
		)
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.DocumentID, &c.Ordinal, &c.Text, &c.EmbeddingModel, &c.Dimensions, &created); err != nil {
			return nil, storeErr("list chunks", err)
		}
		c.CreatedAt = fromMillis(created)
		chunks = append(chunks, c)
	}
	return chunks, storeErr("list chunks", rows.Err())
}

// DeleteDocument implements Store.
func (s *SQLStore) DeleteDocument(ctx context.Context, ownerID, id string) (removed []string, err error) {
	ctx, span := tracer.Start(ctx, "SQLStore.DeleteDocument")
	defer func() { endSpan(span, err) }()

	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.checkOwner(ctx, tx, ownerID, id); err != nil {
			return err
		}
		ids, err := s.chunkIDs(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("list chunks: %w", err)
		}
		removed = ids

		query, args, err := s.sb.Delete("chunks").Where(sq.Eq{"document_id": id}).ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}

		query, args, err = s.sb.Delete("documents").Where(sq.Eq{"id": id, "owner_id": ownerID}).ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("delete document: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("delete document", err)
	}
	span.SetAttributes(attribute.Int("chunks_removed", len(removed)))
	return removed, nil
}

// MarkIndexed implements Store.
func (s *SQLStore) MarkIndexed(ctx context.Context, ownerID, id string) error {
	if err := requireOwner(ownerID); err != nil {
		return err
	}
	query, args, err := s.sb.Update("documents").
		Set("status", string(StatusIndexed)).
		Where(sq.Eq{"id": id, "owner_id": ownerID}).
		ToSql()
	if err != nil {
		return storeErr("mark indexed", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeErr("mark indexed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("mark indexed", err)
	}
	if n == 0 {
		return storeErr("mark indexed", s.checkOwner(ctx, s.db, ownerID, id))
	}
	return nil
}

// Ping implements Store.
func (s *SQLStore) Ping(ctx context.Context) error {
	return storeErr("ping", s.db.PingContext(ctx))
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
