package telephony

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ============================================
// CALL STATE STORE
// Live controller state only; rows are removed when the call ends
// ============================================

// CallState represents the current state of a call
type CallState string

const (
	StatePending            CallState = "pending"
	StateAnswered           CallState = "answered"
	StateStreamingRequested CallState = "streaming_requested"
)

var (
	ErrCallNotFound = errors.New("call not found")
	ErrCallExists   = errors.New("call already registered")
)

// Call is the controller's record of one outbound call.
type Call struct {
	CallControlID string    `json:"call_control_id"`
	To            string    `json:"to"`
	State         CallState `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CallStore holds calls between creation and termination.
type CallStore interface {
	Insert(ctx context.Context, call Call) error
	Get(ctx context.Context, callControlID string) (Call, error)
	// Transition moves the call from one state to another atomically. It
	// returns false without error when the call exists in a different state.
	Transition(ctx context.Context, callControlID string, from, to CallState) (bool, error)
	// Delete removes the call and reports whether it existed.
	Delete(ctx context.Context, callControlID string) (bool, error)
	Count(ctx context.Context) (int, error)
}

// ============================================
// IN-MEMORY STORE
// ============================================

// MemoryCallStore is a CallStore for a single process.
type MemoryCallStore struct {
	mu    sync.Mutex
	calls map[string]Call
}

func NewMemoryCallStore() *MemoryCallStore {
	return &MemoryCallStore{calls: make(map[string]Call)}
}

func (m *MemoryCallStore) Insert(_ context.Context, call Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.calls[call.CallControlID]; exists {
		return fmt.Errorf("%w: %s", ErrCallExists, call.CallControlID)
	}
	now := time.Now()
	if call.CreatedAt.IsZero() {
		call.CreatedAt = now
	}
	call.UpdatedAt = now
	m.calls[call.CallControlID] = call
	return nil
}

func (m *MemoryCallStore) Get(_ context.Context, callControlID string) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call, ok := m.calls[callControlID]
	if !ok {
		return Call{}, fmt.Errorf("%w: %s", ErrCallNotFound, callControlID)
	}
	return call, nil
}

func (m *MemoryCallStore) Transition(_ context.Context, callControlID string, from, to CallState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call, ok := m.calls[callControlID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrCallNotFound, callControlID)
	}
	if call.State != from {
		return false, nil
	}
	call.State = to
	call.UpdatedAt = time.Now()
	m.calls[callControlID] = call
	return true, nil
}

func (m *MemoryCallStore) Delete(_ context.Context, callControlID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.calls[callControlID]
	delete(m.calls, callControlID)
	return ok, nil
}

func (m *MemoryCallStore) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls), nil
}

// ============================================
// POSTGRES STORE
// Lets several bridge replicas share one webhook endpoint
// ============================================

// pgxQuerier is satisfied by *pgxpool.Pool and pgx.Tx.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresCallStore keeps call state in the bridge_calls table.
type PostgresCallStore struct {
	db pgxQuerier
}

func NewPostgresCallStore(db pgxQuerier) *PostgresCallStore {
	return &PostgresCallStore{db: db}
}

const bridgeCallsSchema = `
	CREATE TABLE IF NOT EXISTS bridge_calls (
		call_control_id TEXT PRIMARY KEY,
		to_number       TEXT NOT NULL,
		state           TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

// EnsureSchema creates the bridge_calls table if it does not exist.
func (p *PostgresCallStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, bridgeCallsSchema); err != nil {
		return fmt.Errorf("failed to create bridge_calls table: %w", err)
	}
	return nil
}

func (p *PostgresCallStore) Insert(ctx context.Context, call Call) error {
	query := `
		INSERT INTO bridge_calls (call_control_id, to_number, state, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (call_control_id) DO NOTHING
	`

	tag, err := p.db.Exec(ctx, query, call.CallControlID, call.To, string(call.State))
	if err != nil {
		return fmt.Errorf("failed to insert call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrCallExists, call.CallControlID)
	}
	return nil
}

func (p *PostgresCallStore) Get(ctx context.Context, callControlID string) (Call, error) {
	query := `
		SELECT call_control_id, to_number, state, created_at, updated_at
		FROM bridge_calls
		WHERE call_control_id = $1
	`

	var call Call
	var state string
	err := p.db.QueryRow(ctx, query, callControlID).Scan(
		&call.CallControlID, &call.To, &state, &call.CreatedAt, &call.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Call{}, fmt.Errorf("%w: %s", ErrCallNotFound, callControlID)
	}
	if err != nil {
		return Call{}, fmt.Errorf("failed to load call: %w", err)
	}
	call.State = CallState(state)
	return call, nil
}

func (p *PostgresCallStore) Transition(ctx context.Context, callControlID string, from, to CallState) (bool, error) {
	query := `
		UPDATE bridge_calls
		SET state = $3, updated_at = now()
		WHERE call_control_id = $1 AND state = $2
	`

	tag, err := p.db.Exec(ctx, query, callControlID, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("failed to update call state: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// distinguish "other state" from "gone"
	if _, err := p.Get(ctx, callControlID); err != nil {
		return false, err
	}
	return false, nil
}

func (p *PostgresCallStore) Delete(ctx context.Context, callControlID string) (bool, error) {
	tag, err := p.db.Exec(ctx, `DELETE FROM bridge_calls WHERE call_control_id = $1`, callControlID)
	if err != nil {
		return false, fmt.Errorf("failed to delete call: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *PostgresCallStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := p.db.QueryRow(ctx, `SELECT count(*) FROM bridge_calls`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count calls: %w", err)
	}
	return n, nil
}
