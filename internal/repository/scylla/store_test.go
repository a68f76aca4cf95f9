package scylla

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/gocql/gocql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"admin-auth-service/internal/model"
	"admin-auth-service/internal/repository"
)

func TestTTLSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{5 * time.Minute, 300},
		{1500 * time.Millisecond, 2},
		{0, 1},
		{-time.Minute, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ttlSeconds(tt.in), "ttlSeconds(%v)", tt.in)
	}
}

// fakeDB keeps one otp_sessions row and answers the statements the store issues.
// casApplied scripts the outcome of successive LWTs; once it is empty they apply.
type fakeDB struct {
	mu         sync.Mutex
	row        *model.OTPSession
	casApplied []bool
	casErr     error
	casCalls   [][]interface{}
}

func (db *fakeDB) Query(_ context.Context, stmt string, values ...interface{}) query {
	return &fakeQuery{db: db, stmt: stmt, values: values}
}

type fakeQuery struct {
	db     *fakeDB
	stmt   string
	values []interface{}
}

func (q *fakeQuery) Exec() error { return nil }

func (q *fakeQuery) Scan(dest ...interface{}) error {
	q.db.mu.Lock()
	defer q.db.mu.Unlock()
	if q.stmt != selectOTPSession {
		return errors.New("unexpected scan: " + q.stmt)
	}
	if q.db.row == nil {
		return gocql.ErrNotFound
	}
	r := q.db.row
	cols := []interface{}{
		r.SessionID, r.Code.Hash, r.Code.Salt, r.Code.PepperVersion, r.Code.Algorithm,
		r.CreatedAt, r.ExpiresAt, r.Attempts, r.MaxAttempts, r.Consumed, r.ClientIP,
	}
	for i := range dest {
		reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(cols[i]))
	}
	return nil
}

func (q *fakeQuery) MapScanCAS(map[string]interface{}) (bool, error) {
	q.db.mu.Lock()
	defer q.db.mu.Unlock()
	q.db.casCalls = append(q.db.casCalls, q.values)
	if q.db.casErr != nil {
		return false, q.db.casErr
	}
	if len(q.db.casApplied) > 0 {
		applied := q.db.casApplied[0]
		q.db.casApplied = q.db.casApplied[1:]
		if !applied {
			// a concurrent writer got there first
			q.db.row.Attempts++
			return false, nil
		}
	}
	q.db.row.Attempts = q.values[1].(int)
	q.db.row.Consumed = q.values[2].(bool)
	return true, nil
}

func newFakeStore(row *model.OTPSession) (*Store, *fakeDB) {
	db := &fakeDB{row: row}
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	return &Store{db: db, now: func() time.Time { return now }}, db
}

func pendingSession() *model.OTPSession {
	return &model.OTPSession{
		SessionID:   "s1",
		Code:        model.CodeHash{Hash: "h", Algorithm: "argon2id-v1"},
		ExpiresAt:   time.Date(2026, 5, 1, 9, 5, 0, 0, time.UTC),
		MaxAttempts: 5,
	}
}

func incrementAttempts(s *model.OTPSession) bool {
	s.Attempts++
	return true
}

func TestStore_UpdateAppliesConditionally(t *testing.T) {
	store, db := newFakeStore(pendingSession())

	updated, err := store.UpdateOTPSession(context.Background(), "s1", incrementAttempts)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Attempts)

	require.Len(t, db.casCalls, 1)
	// TTL, new attempts, new consumed, key, expected attempts, expected consumed
	assert.Equal(t, []interface{}{300, 1, false, "s1", 0, false}, db.casCalls[0])
}

func TestStore_UpdateRetriesLostRace(t *testing.T) {
	store, db := newFakeStore(pendingSession())
	db.casApplied = []bool{false, false}

	updated, err := store.UpdateOTPSession(context.Background(), "s1", incrementAttempts)
	require.NoError(t, err)

	// each retry re-reads the row the winner wrote
	assert.Equal(t, 3, updated.Attempts)
	require.Len(t, db.casCalls, 3)
	assert.Equal(t, 2, db.casCalls[2][4])
}

func TestStore_UpdateGivesUpAfterRepeatedConflicts(t *testing.T) {
	store, db := newFakeStore(pendingSession())
	db.casApplied = []bool{false, false, false}

	_, err := store.UpdateOTPSession(context.Background(), "s1", incrementAttempts)
	assert.ErrorIs(t, err, repository.ErrConflict)
	assert.Len(t, db.casCalls, maxCASAttempts)
}

func TestStore_UpdateSkipsWriteWhenFnDeclines(t *testing.T) {
	store, db := newFakeStore(pendingSession())

	got, err := store.UpdateOTPSession(context.Background(), "s1", func(s *model.OTPSession) bool {
		s.Consumed = true
		return false
	})
	require.NoError(t, err)
	assert.True(t, got.Consumed)
	assert.Empty(t, db.casCalls)
	assert.False(t, db.row.Consumed)
}

func TestStore_UpdateMissingAndFailingRows(t *testing.T) {
	store, _ := newFakeStore(nil)
	_, err := store.UpdateOTPSession(context.Background(), "gone", incrementAttempts)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	store, db := newFakeStore(pendingSession())
	db.casErr = errors.New("no hosts available")
	_, err = store.UpdateOTPSession(context.Background(), "s1", incrementAttempts)
	require.Error(t, err)
	assert.NotErrorIs(t, err, repository.ErrConflict)
	assert.ErrorContains(t, err, "no hosts available")
}
