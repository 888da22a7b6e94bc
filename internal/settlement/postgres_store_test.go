//go:build integration

package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/testutil"
)

func TestPostgresRecords_HashIsUnique(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)
	now := time.Now().UTC().Truncate(time.Millisecond)

	rec := &TransferRecord{
		ID: "xfr_1", TxHash: "0x01", Reference: "deposit:0x01", Attempt: 1,
		Direction: Inbound, Purpose: PurposeDeposit,
		From: "0xaaaa000000000000000000000000000000000001", To: "0xcccc000000000000000000000000000000000003",
		Amount: 1_000_000, Status: StatusConfirmed, PostingKey: "deposit:0x01",
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.Create(ctx, rec))

	dup := *rec
	dup.ID = "xfr_2"
	dup.Reference = "deposit:other"
	assert.ErrorIs(t, store.Create(ctx, &dup), ErrDuplicate)

	got, err := store.GetByHash(ctx, "0x01")
	require.NoError(t, err)
	assert.Equal(t, PurposeDeposit, got.Purpose)
	assert.Equal(t, int64(1_000_000), got.Amount)
}

func TestPostgresRecords_LatestAttemptAndStatus(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)
	now := time.Now().UTC()

	for i := 1; i <= 2; i++ {
		require.NoError(t, store.Create(ctx, &TransferRecord{
			ID: "xfr_r" + string(rune('0'+i)), Reference: "release:txn_1", Attempt: i,
			Direction: Outbound, Purpose: PurposeRelease,
			From: "0xcccc000000000000000000000000000000000003", To: "0xbbbb000000000000000000000000000000000002",
			Amount: 2_000_000, Status: StatusSubmitting, PostingKey: "release:txn_1",
			StartBlock: 40 + uint64(i), CreatedAt: now, UpdatedAt: now,
		}))
	}
	assert.ErrorIs(t, store.Create(ctx, &TransferRecord{
		ID: "xfr_r9", Reference: "release:txn_1", Attempt: 2,
		Direction: Outbound, Purpose: PurposeRelease,
		From: "0xcccc000000000000000000000000000000000003", To: "0xbbbb000000000000000000000000000000000002",
		Amount: 2_000_000, Status: StatusSubmitting, PostingKey: "release:txn_1",
		CreatedAt: now, UpdatedAt: now,
	}), ErrDuplicate)

	latest, err := store.LatestByReference(ctx, "release:txn_1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Attempt)
	assert.Equal(t, uint64(42), latest.StartBlock)

	latest.TxHash = "0x02"
	latest.Status = StatusPending
	require.NoError(t, store.Update(ctx, latest))

	pending, err := store.ListByStatus(ctx, StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "0x02", pending[0].TxHash)
}
