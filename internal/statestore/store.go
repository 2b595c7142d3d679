// Package statestore implements the State Store (§4.3): a persistent
// mapping from (operator, flow kind) to a serialized FlowState with an
// absolute expiry, backed by SQLite via mattn/go-sqlite3 the same way the
// teacher persists per-login blobs through database/sql (pkg/textfs/store.go,
// pkg/simpleruntime/bridge_state_backend.go), generalized from dbutil's
// bridgev2-specific wrapper to a standalone *sql.DB for this process.
package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"

	"github.com/promobot/promobot/internal/flowstate"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversation_states (
	operator_id TEXT NOT NULL,
	kind        TEXT NOT NULL,
	payload     TEXT NOT NULL,
	expires_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (operator_id, kind)
);
CREATE INDEX IF NOT EXISTS idx_conversation_states_expiry ON conversation_states(expires_at);

CREATE TABLE IF NOT EXISTS operator_preferences (
	operator_id        TEXT PRIMARY KEY,
	preferred_supplier TEXT NOT NULL
);
`

// Store is the persistent + in-memory-mirrored State Store. A single mutex
// guards the whole mirror map (there is no per-operator lock); every write
// goes to SQLite first, then Put stores the new state in the mirror and
// Clear/ClearAll drop the mirrored entries.
type Store struct {
	db  *sql.DB
	log zerolog.Logger

	mu     sync.Mutex
	mirror map[string]*flowstate.FlowState // key: operator+"|"+kind
}

// Open opens (creating if needed) the SQLite-backed State Store.
func Open(ctx context.Context, db *sql.DB, log zerolog.Logger) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("init conversation_states schema: %w", err)
	}
	return &Store{
		db:     db,
		log:    log.With().Str("component", "state_store").Logger(),
		mirror: make(map[string]*flowstate.FlowState),
	}, nil
}

func key(operator string, kind flowstate.Kind) string {
	return operator + "|" + string(kind)
}

// Get returns the operator's FlowState for kind if present and not
// expired. An expired row is treated as absent and left for the next
// sweep (§4.3 semantics).
func (s *Store) Get(ctx context.Context, operator string, kind flowstate.Kind) (*flowstate.FlowState, error) {
	s.mu.Lock()
	if st, ok := s.mirror[key(operator, kind)]; ok {
		s.mu.Unlock()
		if st.IsExpired(time.Now()) {
			return nil, nil
		}
		return st, nil
	}
	s.mu.Unlock()

	var payload string
	var expiresAtMs int64
	row := s.db.QueryRowContext(ctx,
		`SELECT payload, expires_at FROM conversation_states WHERE operator_id = ? AND kind = ?`,
		operator, string(kind),
	)
	if err := row.Scan(&payload, &expiresAtMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get flow state: %w", err)
	}
	if time.UnixMilli(expiresAtMs).Before(time.Now()) {
		return nil, nil
	}
	var st flowstate.FlowState
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		return nil, fmt.Errorf("decode flow state: %w", err)
	}
	s.mu.Lock()
	s.mirror[key(operator, kind)] = &st
	s.mu.Unlock()
	return &st, nil
}

// Put upserts the operator's FlowState for its Kind, setting expiry to
// now+ttl. A ttl of zero causes the very next Get to return nothing (§8
// boundary behavior).
func (s *Store) Put(ctx context.Context, operator string, state *flowstate.FlowState, ttl time.Duration) error {
	now := time.Now()
	state.UpdatedAt = jsontime.U(now)
	if state.CreatedAt.IsZero() {
		state.CreatedAt = jsontime.U(now)
	}
	state.ExpiresAt = jsontime.U(now.Add(ttl))

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode flow state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_states (operator_id, kind, payload, expires_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (operator_id, kind) DO UPDATE SET
			payload = excluded.payload, expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		operator, string(state.Kind), string(payload), state.ExpiresAt.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put flow state: %w", err)
	}
	s.mu.Lock()
	s.mirror[key(operator, state.Kind)] = state
	s.mu.Unlock()
	return nil
}

// Clear removes one (operator, kind) row.
func (s *Store) Clear(ctx context.Context, operator string, kind flowstate.Kind) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_states WHERE operator_id = ? AND kind = ?`, operator, string(kind))
	s.mu.Lock()
	delete(s.mirror, key(operator, kind))
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("clear flow state: %w", err)
	}
	return nil
}

// ClearAll removes every flow-kind row for operator — used when starting
// Bulk or Research clears any pending Forward state (§3.5 invariant).
func (s *Store) ClearAll(ctx context.Context, operator string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversation_states WHERE operator_id = ?`, operator)
	s.mu.Lock()
	for k := range s.mirror {
		if len(k) > len(operator) && k[:len(operator)] == operator && k[len(operator)] == '|' {
			delete(s.mirror, k)
		}
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("clear all flow states: %w", err)
	}
	return nil
}

// SweepExpired deletes all rows with expiry <= now, returning the count
// removed. Called every 5 minutes (§4.3, wired to robfig/cron/v3 in
// cmd/promobot); there is no sweep at startup.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_states WHERE expires_at <= ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep expired flow states: %w", err)
	}
	n, _ := res.RowsAffected()

	s.mu.Lock()
	for k, st := range s.mirror {
		if st.IsExpired(time.Now()) {
			delete(s.mirror, k)
		}
	}
	s.mu.Unlock()
	return int(n), nil
}

// SetPreferredSupplier persists operator's sticky default supplier (§4.7
// /supplier), outliving any single FlowState — set independent of whether
// a Forward flow is in progress.
func (s *Store) SetPreferredSupplier(ctx context.Context, operator string, supplier flowstate.Supplier) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operator_preferences (operator_id, preferred_supplier) VALUES (?, ?)
		 ON CONFLICT (operator_id) DO UPDATE SET preferred_supplier = excluded.preferred_supplier`,
		operator, string(supplier),
	)
	if err != nil {
		return fmt.Errorf("set preferred supplier: %w", err)
	}
	return nil
}

// PreferredSupplier returns operator's sticky default supplier, or "" if
// none has been set.
func (s *Store) PreferredSupplier(ctx context.Context, operator string) (flowstate.Supplier, error) {
	var supplier string
	row := s.db.QueryRowContext(ctx,
		`SELECT preferred_supplier FROM operator_preferences WHERE operator_id = ?`, operator)
	if err := row.Scan(&supplier); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get preferred supplier: %w", err)
	}
	return flowstate.Supplier(supplier), nil
}

// LiveMediaPaths returns every media path referenced by any non-expired
// FlowState, used by the Media Cache's startup reconciliation (§4.2).
func (s *Store) LiveMediaPaths(ctx context.Context, resolve func(handle string) string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM conversation_states WHERE expires_at > ?`, time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list flow states: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var st flowstate.FlowState
		if err := json.Unmarshal([]byte(payload), &st); err != nil {
			continue
		}
		for _, h := range st.OwnedMedia {
			if p := resolve(h); p != "" {
				out[p] = struct{}{}
			}
		}
	}
	return out, rows.Err()
}
