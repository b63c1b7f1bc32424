package pricing

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(store UsageStore) *Recorder {
	rec := NewRecorder(store)
	rec.now = func() time.Time { return testNow }
	rec.newID = func() string { return "generated-key" }
	return rec
}

func TestRecorder_EmptyIsNoop(t *testing.T) {
	store := &mockUsageStore{}
	rec := newTestRecorder(store)

	receipt, err := rec.Record(context.Background(), newCart(line(1, 1, "1", 1)), nil, "k1")
	require.NoError(t, err)
	assert.Equal(t, "k1", receipt.IdempotencyKey)
	assert.Empty(t, receipt.RuleIDs)
	assert.Empty(t, store.batches)
}

func TestRecorder_BuildsSortedDedupedBatch(t *testing.T) {
	limited := newRule("LIMITED", CartFixed, CartTarget())
	limited.PerUserLimit = intPtr(2)
	open := newRule("OPEN", CartFixed, CartTarget())

	store := &mockUsageStore{}
	rec := newTestRecorder(store)
	cart := newCart(line(1, 1, "10", 1))

	applied := []AppliedRule{
		{Rule: open, Amount: dec("1.00"), Scope: "cart"},
		{Rule: limited, Amount: dec("2.50"), Scope: "cart"},
		{Rule: open, Amount: dec("1.00"), Scope: "cart"},
	}
	receipt, err := rec.Record(context.Background(), cart, applied, "")
	require.NoError(t, err)
	assert.Equal(t, "generated-key", receipt.IdempotencyKey)
	assert.False(t, receipt.Duplicate)

	require.Len(t, store.batches, 1)
	b := store.batches[0]
	assert.Equal(t, "generated-key", b.IdempotencyKey)
	assert.Equal(t, cart.ID, b.CartID)
	require.Len(t, b.Increments, 2)
	assert.Negative(t, bytes.Compare(b.Increments[0].RuleID[:], b.Increments[1].RuleID[:]))
	for _, inc := range b.Increments {
		assert.Equal(t, inc.RuleID == limited.ID, inc.TrackUser)
	}
	assert.Equal(t, "3.50", FormatMoney(b.Event.TotalDiscount))
	assert.Len(t, b.Event.Rules, 2)
	assert.Equal(t, testNow, b.Event.RecordedAt)
}

func TestRecorder_AnonymousDoesNotTrackUser(t *testing.T) {
	limited := newRule("LIMITED", CartFixed, CartTarget())
	limited.PerUserLimit = intPtr(1)
	cart := newCart(line(1, 1, "10", 1))
	cart.UserID = ""

	b := BuildBatch(cart, []AppliedRule{{Rule: limited, Amount: dec("1")}}, "k", testNow)
	require.Len(t, b.Increments, 1)
	assert.False(t, b.Increments[0].TrackUser)
}

func TestRecorder_Errors(t *testing.T) {
	ruleID := uuid.New()

	tests := []struct {
		name          string
		storeErr      error
		wantDuplicate bool
		wantErr       error
	}{
		{name: "duplicate key", storeErr: ErrDuplicateApplication, wantDuplicate: true},
		{
			name:     "limit exceeded",
			storeErr: &LimitExceededError{RuleID: ruleID, Limit: LimitGlobal},
			wantErr:  ErrConcurrentLimitExceeded,
		},
		{
			name:     "persistence",
			storeErr: &PersistenceError{Op: "commit", Err: errors.New("conn reset")},
			wantErr:  ErrPersistence,
		},
		{name: "unclassified", storeErr: errors.New("boom"), wantErr: ErrPersistence},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRule("R", CartFixed, CartTarget())
			r.ID = ruleID
			rec := newTestRecorder(&mockUsageStore{err: tt.storeErr})

			receipt, err := rec.Record(context.Background(), newCart(line(1, 1, "10", 1)),
				[]AppliedRule{{Rule: r, Amount: dec("1")}}, "key")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, receipt)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDuplicate, receipt.Duplicate)
		})
	}
}
