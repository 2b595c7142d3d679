// Package broadcaststore implements the Broadcast Store (§4.4): persisted
// broadcasts, the pending-queue table, and full-text search over
// titles/descriptions, backed by SQLite (mattn/go-sqlite3) the way the
// teacher backs its memory-chunk index (pkg/connector/memory_index.go).
package broadcaststore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Store wraps the broadcasts/queue/broadcasts_search tables.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open initializes the schema and returns a ready Store.
func Open(ctx context.Context, db *sql.DB, log zerolog.Logger) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("init broadcast schema: %w", err)
	}
	return &Store{db: db, log: log.With().Str("component", "broadcast_store").Logger()}, nil
}

var nonAlnumRE = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeTitle lowercases, replaces each run of non-alphanumerics with a
// single space and trims the ends; the result is stored as a record's
// TitleNormalized. Research's candidate dedup uses its own key (titleKey in
// internal/flow/research.go), not this function.
func NormalizeTitle(title string) string {
	return strings.Trim(nonAlnumRE.ReplaceAllString(strings.ToLower(title), " "), " ")
}

func marshalStrings(ss []string) string {
	if ss == nil {
		ss = []string{}
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func unmarshalStrings(s string) []string {
	var out []string
	if s == "" {
		return nil
	}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

// SaveBroadcast inserts a new BroadcastRecord and returns its id. The
// store does not touch referenced media files (§4.4).
func (s *Store) SaveBroadcast(ctx context.Context, rec *BroadcastRecord) (int64, error) {
	if rec.TitleNormalized == "" {
		rec.TitleNormalized = NormalizeTitle(rec.Title)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO broadcasts
			(title, title_normalized, price_main, price_secondary, format, eta, close_date,
			 supplier_type, description_source, description_generated, tags, preview_links,
			 media_paths, status, created_at, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Title, rec.TitleNormalized, rec.PriceMain, rec.PriceSecondary, rec.Format, rec.ETA, rec.CloseDate,
		rec.SupplierType, rec.DescriptionSource, rec.DescriptionGenerated,
		marshalStrings(rec.Tags), marshalStrings(rec.PreviewLinks), marshalStrings(rec.MediaPaths),
		string(rec.Status), rec.CreatedAt.UnixMilli(), nullTime(rec.SentAt),
	)
	if err != nil {
		return 0, fmt.Errorf("save broadcast: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("save broadcast: %w", err)
	}
	rec.ID = id
	return id, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

// UpdateStatus transitions a BroadcastRecord's status, stamping sent_at
// when the new status is StatusSent (§4.4, §3.6 monotonic transitions).
func (s *Store) UpdateStatus(ctx context.Context, id int64, status BroadcastStatus) error {
	if status == StatusSent {
		_, err := s.db.ExecContext(ctx,
			`UPDATE broadcasts SET status = ?, sent_at = ? WHERE id = ?`, string(status), time.Now().UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("update broadcast status: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE broadcasts SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update broadcast status: %w", err)
	}
	return nil
}

// GetBroadcast loads a BroadcastRecord by id.
func (s *Store) GetBroadcast(ctx context.Context, id int64) (*BroadcastRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, title_normalized, price_main, price_secondary, format, eta, close_date,
			supplier_type, description_source, description_generated, tags, preview_links, media_paths,
			status, created_at, sent_at
		 FROM broadcasts WHERE id = ?`, id)
	return scanBroadcast(row)
}

func scanBroadcast(row *sql.Row) (*BroadcastRecord, error) {
	var rec BroadcastRecord
	var priceSecondary sql.NullInt64
	var format, eta, closeDate, supplierType, descSrc, descGen sql.NullString
	var tags, links, media string
	var status string
	var createdAtMs int64
	var sentAtMs sql.NullInt64

	err := row.Scan(&rec.ID, &rec.Title, &rec.TitleNormalized, &rec.PriceMain, &priceSecondary,
		&format, &eta, &closeDate, &supplierType, &descSrc, &descGen, &tags, &links, &media,
		&status, &createdAtMs, &sentAtMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan broadcast: %w", err)
	}
	if priceSecondary.Valid {
		v := int(priceSecondary.Int64)
		rec.PriceSecondary = &v
	}
	rec.Format = format.String
	rec.ETA = eta.String
	rec.CloseDate = closeDate.String
	rec.SupplierType = supplierType.String
	rec.DescriptionSource = descSrc.String
	rec.DescriptionGenerated = descGen.String
	rec.Tags = unmarshalStrings(tags)
	rec.PreviewLinks = unmarshalStrings(links)
	rec.MediaPaths = unmarshalStrings(media)
	rec.Status = BroadcastStatus(status)
	rec.CreatedAt = time.UnixMilli(createdAtMs)
	if sentAtMs.Valid {
		t := time.UnixMilli(sentAtMs.Int64)
		rec.SentAt = &t
	}
	return &rec, nil
}

// Enqueue creates a QueueItem for broadcastID at scheduledTime, remembering
// which chat target it should be sent to on dispatch. Precondition (§4.4):
// the broadcast must exist and have no other non-terminal QueueItem (§8
// property 2 / §3.7 invariant) — enforced here, not just documented.
func (s *Store) Enqueue(ctx context.Context, broadcastID int64, target string, scheduledTime time.Time) (int64, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM broadcasts WHERE id = ?`, broadcastID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("enqueue: broadcast %d does not exist", broadcastID)
	} else if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}

	var pendingCount int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue WHERE broadcast_id = ? AND status = ?`, broadcastID, string(QueuePending)).
		Scan(&pendingCount)
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	if pendingCount > 0 {
		return 0, fmt.Errorf("enqueue: broadcast %d already has a non-terminal queue item", broadcastID)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO queue (broadcast_id, target, scheduled_time, status, retry_count, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		broadcastID, target, scheduledTime.UnixMilli(), string(QueuePending), time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	return res.LastInsertId()
}

// NextDue returns the earliest pending QueueItem whose scheduled_time <=
// now, ties broken by id ascending, along with its BroadcastRecord.
func (s *Store) NextDue(ctx context.Context) (*QueueItem, *BroadcastRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, broadcast_id, target, scheduled_time, status, retry_count, error_message, created_at
		 FROM queue WHERE status = ? AND scheduled_time <= ?
		 ORDER BY scheduled_time ASC, id ASC LIMIT 1`,
		string(QueuePending), time.Now().UnixMilli())

	item, err := scanQueueItem(row)
	if err != nil || item == nil {
		return nil, nil, err
	}
	rec, err := s.GetBroadcast(ctx, item.BroadcastID)
	if err != nil {
		return nil, nil, err
	}
	return item, rec, nil
}

func scanQueueItem(row *sql.Row) (*QueueItem, error) {
	var item QueueItem
	var status string
	var errMsg sql.NullString
	var scheduledMs, createdMs int64
	err := row.Scan(&item.ID, &item.BroadcastID, &item.Target, &scheduledMs, &status, &item.RetryCount, &errMsg, &createdMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan queue item: %w", err)
	}
	item.Status = QueueStatus(status)
	item.ScheduledTime = time.UnixMilli(scheduledMs)
	item.CreatedAt = time.UnixMilli(createdMs)
	item.ErrorMessage = errMsg.String
	return &item, nil
}

// MarkSent marks a QueueItem sent.
func (s *Store) MarkSent(ctx context.Context, queueID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE queue SET status = ? WHERE id = ?`, string(QueueSent), queueID)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

// MarkFailed marks a QueueItem failed, recording message and incrementing
// retry_count; the item stays pending (§4.4, §7: queue dispatch failures
// never terminate the item, only the operator-visible status stays
// pending with a bumped counter).
func (s *Store) MarkFailed(ctx context.Context, queueID int64, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue SET retry_count = retry_count + 1, error_message = ? WHERE id = ?`, message, queueID)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// ListPending returns every pending QueueItem ordered by scheduled_time.
func (s *Store) ListPending(ctx context.Context) ([]QueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, broadcast_id, target, scheduled_time, status, retry_count, error_message, created_at
		 FROM queue WHERE status = ? ORDER BY scheduled_time ASC`, string(QueuePending))
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()
	return scanQueueRows(rows)
}

// ClearPending atomically drains every pending QueueItem, returning what
// it removed (§4.4 — used by /flush to hand items to the dispatcher burst).
func (s *Store) ClearPending(ctx context.Context) ([]QueueItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("clear pending: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, broadcast_id, target, scheduled_time, status, retry_count, error_message, created_at
		 FROM queue WHERE status = ? ORDER BY scheduled_time ASC`, string(QueuePending))
	if err != nil {
		return nil, fmt.Errorf("clear pending: %w", err)
	}
	items, err := scanQueueRows(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE status = ?`, string(QueuePending)); err != nil {
		return nil, fmt.Errorf("clear pending: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("clear pending: %w", err)
	}
	return items, nil
}

func scanQueueRows(rows *sql.Rows) ([]QueueItem, error) {
	var out []QueueItem
	for rows.Next() {
		var item QueueItem
		var status string
		var errMsg sql.NullString
		var scheduledMs, createdMs int64
		if err := rows.Scan(&item.ID, &item.BroadcastID, &item.Target, &scheduledMs, &status, &item.RetryCount, &errMsg, &createdMs); err != nil {
			return nil, fmt.Errorf("scan queue row: %w", err)
		}
		item.Status = QueueStatus(status)
		item.ScheduledTime = time.UnixMilli(scheduledMs)
		item.CreatedAt = time.UnixMilli(createdMs)
		item.ErrorMessage = errMsg.String
		out = append(out, item)
	}
	return out, rows.Err()
}

// Recent returns the most recently created broadcasts, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]BroadcastRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, title_normalized, price_main, price_secondary, format, eta, close_date,
			supplier_type, description_source, description_generated, tags, preview_links, media_paths,
			status, created_at, sent_at
		 FROM broadcasts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent: %w", err)
	}
	defer rows.Close()
	return scanBroadcastRows(rows)
}

// Search performs a case-insensitive, prefix-wildcarded full-text match on
// title and description, returning at most 10 results (§4.4).
func (s *Store) Search(ctx context.Context, query string) ([]BroadcastRecord, error) {
	ftsQuery := buildFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT b.id, b.title, b.title_normalized, b.price_main, b.price_secondary, b.format, b.eta, b.close_date,
			b.supplier_type, b.description_source, b.description_generated, b.tags, b.preview_links, b.media_paths,
			b.status, b.created_at, b.sent_at
		 FROM broadcasts_search s
		 JOIN broadcasts b ON b.id = s.rowid
		 WHERE broadcasts_search MATCH ?
		 ORDER BY bm25(broadcasts_search) LIMIT 10`, ftsQuery)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()
	return scanBroadcastRows(rows)
}

// buildFTSQuery tokenizes query on whitespace and appends a prefix
// wildcard to each token, matching sqlite fts5's `token*` syntax — the
// same prefix-wildcard-per-token shape as the teacher's
// memory.BuildFtsQuery helper.
func buildFTSQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = nonAlnumRE.ReplaceAllString(strings.ToLower(f), "")
		if f == "" {
			continue
		}
		tokens = append(tokens, `"`+f+`"*`)
	}
	return strings.Join(tokens, " ")
}

func scanBroadcastRows(rows *sql.Rows) ([]BroadcastRecord, error) {
	var out []BroadcastRecord
	for rows.Next() {
		var rec BroadcastRecord
		var priceSecondary sql.NullInt64
		var format, eta, closeDate, supplierType, descSrc, descGen sql.NullString
		var tags, links, media string
		var status string
		var createdAtMs int64
		var sentAtMs sql.NullInt64

		err := rows.Scan(&rec.ID, &rec.Title, &rec.TitleNormalized, &rec.PriceMain, &priceSecondary,
			&format, &eta, &closeDate, &supplierType, &descSrc, &descGen, &tags, &links, &media,
			&status, &createdAtMs, &sentAtMs)
		if err != nil {
			return nil, fmt.Errorf("scan broadcast row: %w", err)
		}
		if priceSecondary.Valid {
			v := int(priceSecondary.Int64)
			rec.PriceSecondary = &v
		}
		rec.Format = format.String
		rec.ETA = eta.String
		rec.CloseDate = closeDate.String
		rec.SupplierType = supplierType.String
		rec.DescriptionSource = descSrc.String
		rec.DescriptionGenerated = descGen.String
		rec.Tags = unmarshalStrings(tags)
		rec.PreviewLinks = unmarshalStrings(links)
		rec.MediaPaths = unmarshalStrings(media)
		rec.Status = BroadcastStatus(status)
		rec.CreatedAt = time.UnixMilli(createdAtMs)
		if sentAtMs.Valid {
			t := time.UnixMilli(sentAtMs.Int64)
			rec.SentAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// HasMediaPath reports whether any persisted BroadcastRecord references
// path, used by the Media Cache to decide whether to unlink a file
// (§4.2, §3.9).
func (s *Store) HasMediaPath(ctx context.Context, path string) bool {
	rows, err := s.db.QueryContext(ctx, `SELECT media_paths FROM broadcasts`)
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		for _, p := range unmarshalStrings(raw) {
			if p == path {
				return true
			}
		}
	}
	return false
}
