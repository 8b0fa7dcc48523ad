package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"IntelScanner/internal/domain"
	"IntelScanner/internal/governor"
	"IntelScanner/internal/ports"
)

const itemsTable = "intel_items"

//go:embed schema.sql
var schemaSQL string

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var itemColumns = []string{
	"source", "source_id", "title", "description", "body", "url", "author", "language",
	"category", "published_at", "concepts", "corroboration", "sentiment", "relevance_score",
	"tier", "consensus", "annotation", "pressure", "enriched_at", "enrich_attempts",
}

// PostgresRepository persists canonical items into Postgres.
type PostgresRepository struct {
	db *sql.DB
}

var _ ports.ItemRepository = (*PostgresRepository)(nil)

// NewPostgresRepository wires a sql.DB implementation.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("open database: empty dsn")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the items table and the pending-enrichment index.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Upsert inserts the item or refreshes the scored fields of an existing row.
// Annotation and pressure survive re-collection.
func (r *PostgresRepository) Upsert(ctx context.Context, item domain.CanonicalItem) (ports.UpsertResult, error) {
	if r.db == nil {
		return ports.UpsertResult{}, nil
	}

	query, args, err := upsertQuery(item)
	if err != nil {
		return ports.UpsertResult{}, governor.Permanent(fmt.Errorf("build upsert: %w", err))
	}

	var inserted bool
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&inserted); err != nil {
		return ports.UpsertResult{}, classify(fmt.Errorf("upsert %s: %w", item.Key(), err))
	}
	return ports.UpsertResult{Inserted: inserted}, nil
}

// PendingEnrichment lists items not yet enriched, best score first.
func (r *PostgresRepository) PendingEnrichment(ctx context.Context, filter ports.PendingFilter) ([]domain.CanonicalItem, error) {
	if r.db == nil || len(filter.Tiers) == 0 {
		return nil, nil
	}

	query, args, err := pendingQuery(filter)
	if err != nil {
		return nil, fmt.Errorf("build pending query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}

	var items []domain.CanonicalItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		items = append(items, item)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("rows iteration: %w", rowsErr)
	}

	if closeErr := rows.Close(); closeErr != nil {
		return nil, fmt.Errorf("close rows: %w", closeErr)
	}

	return items, nil
}

// AttachEnrichment stores the annotation and pressure score on an existing row.
func (r *PostgresRepository) AttachEnrichment(ctx context.Context, enrichment domain.Enrichment) error {
	if r.db == nil {
		return nil
	}

	query, args, err := attachQuery(enrichment)
	if err != nil {
		return fmt.Errorf("build enrichment update: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return classify(fmt.Errorf("attach enrichment %s: %w", enrichment.Key, err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("attach enrichment %s: %w", enrichment.Key, ErrNotFound)
	}
	return nil
}

// RecordEnrichmentFailure counts one failed enrichment try against the row.
func (r *PostgresRepository) RecordEnrichmentFailure(ctx context.Context, key domain.NaturalKey) error {
	if r.db == nil {
		return nil
	}

	query, args, err := failureQuery(key)
	if err != nil {
		return fmt.Errorf("build failure update: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return classify(fmt.Errorf("record enrichment failure %s: %w", key, err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("record enrichment failure %s: %w", key, ErrNotFound)
	}
	return nil
}

// ErrNotFound is returned when an enrichment targets a key that was never stored.
var ErrNotFound = errors.New("item not found")

func upsertQuery(item domain.CanonicalItem) (string, []any, error) {
	concepts, err := json.Marshal(conceptsOrEmpty(item.Concepts))
	if err != nil {
		return "", nil, fmt.Errorf("encode concepts: %w", err)
	}

	return psql.Insert(itemsTable).
		Columns(itemColumns[:16]...).
		Values(
			string(item.Source), item.SourceID, item.Title, item.Description, item.Body,
			item.URL, item.Author, item.Language, item.Category, item.PublishedAt.UTC(),
			string(concepts), item.CorroborationCount, string(item.Sentiment),
			item.RelevanceScore, string(item.Tier), string(item.Consensus),
		).
		Suffix(`ON CONFLICT (source, source_id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			body = EXCLUDED.body,
			url = EXCLUDED.url,
			author = EXCLUDED.author,
			category = EXCLUDED.category,
			concepts = EXCLUDED.concepts,
			corroboration = EXCLUDED.corroboration,
			sentiment = EXCLUDED.sentiment,
			relevance_score = EXCLUDED.relevance_score,
			tier = EXCLUDED.tier,
			consensus = EXCLUDED.consensus,
			updated_at = NOW()
			RETURNING (xmax = 0)`).
		ToSql()
}

func pendingQuery(filter ports.PendingFilter) (string, []any, error) {
	tiers := make(pq.StringArray, 0, len(filter.Tiers))
	for _, t := range filter.Tiers {
		tiers = append(tiers, string(t))
	}

	q := psql.Select(itemColumns...).
		From(itemsTable).
		Where("enriched_at IS NULL").
		Where(sq.Expr("tier = ANY(?)", tiers)).
		OrderBy("relevance_score DESC", "published_at DESC")
	if filter.MaxAttempts > 0 {
		q = q.Where(sq.Lt{"enrich_attempts": filter.MaxAttempts})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	return q.ToSql()
}

func attachQuery(e domain.Enrichment) (string, []any, error) {
	var pressure any
	if e.Pressure != nil {
		raw, err := json.Marshal(e.Pressure)
		if err != nil {
			return "", nil, fmt.Errorf("encode pressure: %w", err)
		}
		pressure = string(raw)
	}
	enrichedAt := e.EnrichedAt
	if enrichedAt.IsZero() {
		enrichedAt = time.Now()
	}

	return psql.Update(itemsTable).
		Set("annotation", e.Annotation).
		Set("pressure", pressure).
		Set("enriched_at", enrichedAt.UTC()).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"source": string(e.Key.Source), "source_id": e.Key.SourceID}).
		ToSql()
}

func failureQuery(key domain.NaturalKey) (string, []any, error) {
	return psql.Update(itemsTable).
		Set("enrich_attempts", sq.Expr("enrich_attempts + 1")).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"source": string(key.Source), "source_id": key.SourceID}).
		ToSql()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (domain.CanonicalItem, error) {
	var (
		item       domain.CanonicalItem
		source     string
		sentiment  string
		tier       string
		consensus  string
		concepts   []byte
		annotation sql.NullString
		pressure   []byte
		enrichedAt sql.NullTime
	)
	err := row.Scan(
		&source, &item.SourceID, &item.Title, &item.Description, &item.Body, &item.URL,
		&item.Author, &item.Language, &item.Category, &item.PublishedAt, &concepts,
		&item.CorroborationCount, &sentiment, &item.RelevanceScore, &tier, &consensus,
		&annotation, &pressure, &enrichedAt, &item.EnrichAttempts,
	)
	if err != nil {
		return domain.CanonicalItem{}, fmt.Errorf("scan item: %w", err)
	}

	item.Source = domain.Source(source)
	item.Sentiment = domain.Sentiment(sentiment)
	item.Tier = domain.Tier(tier)
	item.Consensus = domain.Consensus(consensus)
	item.PublishedAt = item.PublishedAt.UTC()
	item.Annotation = annotation.String
	if enrichedAt.Valid {
		item.EnrichedAt = enrichedAt.Time.UTC()
	}
	if len(concepts) > 0 {
		if err := json.Unmarshal(concepts, &item.Concepts); err != nil {
			return domain.CanonicalItem{}, fmt.Errorf("decode concepts for %s: %w", item.Key(), err)
		}
	}
	if len(pressure) > 0 {
		var p domain.PressureScore
		if err := json.Unmarshal(pressure, &p); err != nil {
			return domain.CanonicalItem{}, fmt.Errorf("decode pressure for %s: %w", item.Key(), err)
		}
		item.Pressure = &p
	}
	return item, nil
}

func conceptsOrEmpty(c []domain.Concept) []domain.Concept {
	if c == nil {
		return []domain.Concept{}
	}
	return c
}

// classify marks data and constraint violations as permanent so the governor stops retrying.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23", "42":
			return governor.Permanent(err)
		}
	}
	return err
}
