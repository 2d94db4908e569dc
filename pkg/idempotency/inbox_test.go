package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryDB mimics the report_inbox statements the inbox issues
type memoryDB struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func newMemoryDB() *memoryDB {
	return &memoryDB{entries: make(map[string]*Entry)}
}

type rowFunc func(dest ...any) error

func (f rowFunc) Scan(dest ...any) error { return f(dest...) }

func (m *memoryDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case strings.Contains(sql, "SELECT idempotency_key"):
		e, ok := m.entries[args[0].(string)]
		if !ok {
			return rowFunc(func(...any) error { return pgx.ErrNoRows })
		}
		snapshot := *e
		return rowFunc(func(dest ...any) error {
			*dest[0].(*string) = snapshot.Key
			*dest[1].(*string) = snapshot.Handler
			*dest[2].(*Status) = snapshot.Status
			*dest[3].(*json.RawMessage) = snapshot.Payload
			*dest[4].(*json.RawMessage) = snapshot.Result
			*dest[5].(*time.Time) = snapshot.CreatedAt
			*dest[6].(*time.Time) = snapshot.UpdatedAt
			*dest[7].(**time.Time) = snapshot.ExpiresAt
			return nil
		})
	case strings.Contains(sql, "INSERT INTO report_inbox"):
		key := args[0].(string)
		if e, ok := m.entries[key]; ok {
			if e.Status != StatusRecoverable {
				return rowFunc(func(...any) error { return pgx.ErrNoRows })
			}
			e.Status = StatusStarted
			e.UpdatedAt = time.Now()
		} else {
			expires := args[4].(time.Time)
			m.entries[key] = &Entry{
				Key:       key,
				Handler:   args[1].(string),
				Status:    StatusStarted,
				Payload:   args[3].(json.RawMessage),
				CreatedAt: time.Now(),
				UpdatedAt: time.Now(),
				ExpiresAt: &expires,
			}
		}
		return rowFunc(func(dest ...any) error {
			*dest[0].(*string) = key
			return nil
		})
	}
	return rowFunc(func(...any) error { return errors.New("unexpected query") })
}

func (m *memoryDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if strings.Contains(sql, "SET status = $1") {
		e, ok := m.entries[args[2].(string)]
		if !ok {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		e.Status = args[0].(Status)
		if r := args[1].(json.RawMessage); r != nil {
			e.Result = r
		}
		e.UpdatedAt = time.Now()
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.NewCommandTag("UPDATE 0"), nil
}

func TestProcessRunsOnce(t *testing.T) {
	db := newMemoryDB()
	inbox := NewInbox(db, DefaultConfig(), nil)
	calls := 0
	fn := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"rows":1}`), nil
	}

	res, err := inbox.Process(context.Background(), "k1", "reconcile", json.RawMessage(`{}`), fn)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.JSONEq(t, `{"rows":1}`, string(res.Result))

	res, err = inbox.Process(context.Background(), "k1", "reconcile", json.RawMessage(`{}`), fn)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.JSONEq(t, `{"rows":1}`, string(res.Result))
	assert.Equal(t, 1, calls)
}

func TestProcessRetriesRecoverableFailure(t *testing.T) {
	db := newMemoryDB()
	inbox := NewInbox(db, DefaultConfig(), nil)
	boom := errors.New("rxnav unavailable")

	_, err := inbox.Process(context.Background(), "k2", "reconcile", nil,
		func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StatusRecoverable, db.entries["k2"].Status)

	res, err := inbox.Process(context.Background(), "k2", "reconcile", nil,
		func(context.Context, json.RawMessage) (json.RawMessage, error) { return json.RawMessage(`{}`), nil })
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)
	assert.Equal(t, StatusFinished, db.entries["k2"].Status)
}

func TestProcessTerminalFailure(t *testing.T) {
	db := newMemoryDB()
	inbox := NewInbox(db, DefaultConfig(), nil)

	_, err := inbox.Process(context.Background(), "k3", "reconcile", nil,
		func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, Terminal(errors.New("report has no rows"))
		})
	require.Error(t, err)
	assert.True(t, IsTerminal(err))
	assert.Equal(t, StatusFailed, db.entries["k3"].Status)

	_, err = inbox.Process(context.Background(), "k3", "reconcile", nil,
		func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrPreviouslyFailed)
}

func TestProcessInProgressAndStale(t *testing.T) {
	db := newMemoryDB()
	inbox := NewInbox(db, Config{RecoveryTimeout: time.Minute}, nil)
	db.entries["k4"] = &Entry{Key: "k4", Status: StatusStarted, UpdatedAt: time.Now()}

	_, err := inbox.Process(context.Background(), "k4", "reconcile", nil,
		func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrInProgress)

	db.entries["k4"].UpdatedAt = time.Now().Add(-time.Hour)
	res, err := inbox.Process(context.Background(), "k4", "reconcile", nil,
		func(context.Context, json.RawMessage) (json.RawMessage, error) { return json.RawMessage(`{}`), nil })
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)
}

func TestGenerateKey(t *testing.T) {
	rows := [][]string{{"00093718001", "amlodipine"}, {"00000000002", "ibuprofen"}}
	a := GenerateKey("R1", rows)
	assert.Len(t, a, 64)
	assert.Equal(t, a, GenerateKey(" R1 ", rows))
	assert.NotEqual(t, a, GenerateKey("R2", rows))
	assert.NotEqual(t, a, GenerateKey("R1", rows[:1]))
	assert.NotEqual(t, a, GenerateKey("R1", [][]string{rows[1], rows[0]}))
}

func TestTerminalNil(t *testing.T) {
	assert.NoError(t, Terminal(nil))
	assert.False(t, IsTerminal(errors.New("plain")))
}
