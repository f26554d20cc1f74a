package auditlog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"assetescrow/core/events"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "audit.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAppendAndFilter(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	store.Emit(&events.Record{Type: "escrow.funds_received", Attributes: map[string]string{"paymentId": "0xAB", "amount": "300"}})
	store.Emit(&events.Record{Type: "escrow.payment_settled", Attributes: map[string]string{"paymentId": "0xab"}})
	store.Emit(&events.Record{Type: "escrow.funds_withdrawn", Attributes: map[string]string{"account": "0x01"}})

	all, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "escrow.funds_received", all[0].Type)
	require.Equal(t, "300", all[0].Attributes["amount"])
	require.Less(t, all[0].Sequence, all[1].Sequence)

	byPayment, err := store.List(ctx, Filter{PaymentID: "0xAb"})
	require.NoError(t, err)
	require.Len(t, byPayment, 2)

	byType, err := store.List(ctx, Filter{Type: "escrow.funds_withdrawn"})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	require.Empty(t, byType[0].PaymentID)

	after, err := store.List(ctx, Filter{AfterSequence: all[1].Sequence, Limit: 5})
	require.NoError(t, err)
	require.Len(t, after, 1)
	require.Equal(t, all[2].Sequence, after[0].Sequence)
}

func TestAppendRequiresType(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Append(context.Background(), &events.Record{})
	require.Error(t, err)
}

func TestIdempotency(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	cached, err := store.LookupIdempotency(ctx, "0x01", "key-1", "hash-a")
	require.NoError(t, err)
	require.Nil(t, cached)

	require.NoError(t, store.SaveIdempotency(ctx, "0x01", "key-1", "hash-a", 201, []byte(`{"ok":true}`)))
	cached, err = store.LookupIdempotency(ctx, "0x01", "key-1", "hash-a")
	require.NoError(t, err)
	require.Equal(t, 201, cached.Status)
	require.JSONEq(t, `{"ok":true}`, string(cached.Body))

	_, err = store.LookupIdempotency(ctx, "0x01", "key-1", "hash-b")
	require.ErrorIs(t, err, ErrIdempotencyMismatch)

	other, err := store.LookupIdempotency(ctx, "0x02", "key-1", "hash-a")
	require.NoError(t, err)
	require.Nil(t, other)
}

func TestIdempotencyReservation(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	cached, err := store.ReserveIdempotency(ctx, "0x01", "key-1", "hash-a")
	require.NoError(t, err)
	require.Nil(t, cached)

	_, err = store.ReserveIdempotency(ctx, "0x01", "key-1", "hash-a")
	require.ErrorIs(t, err, ErrIdempotencyInProgress)
	_, err = store.LookupIdempotency(ctx, "0x01", "key-1", "hash-a")
	require.ErrorIs(t, err, ErrIdempotencyInProgress)
	_, err = store.ReserveIdempotency(ctx, "0x01", "key-1", "hash-b")
	require.ErrorIs(t, err, ErrIdempotencyMismatch)

	require.NoError(t, store.SaveIdempotency(ctx, "0x01", "key-1", "hash-a", 201, []byte(`{"ok":true}`)))
	cached, err = store.ReserveIdempotency(ctx, "0x01", "key-1", "hash-a")
	require.NoError(t, err)
	require.Equal(t, 201, cached.Status)
	require.NoError(t, store.ReleaseIdempotency(ctx, "0x01", "key-1"))
	cached, err = store.LookupIdempotency(ctx, "0x01", "key-1", "hash-a")
	require.NoError(t, err)
	require.NotNil(t, cached, "completed responses survive release")

	_, err = store.ReserveIdempotency(ctx, "0x01", "key-2", "hash-a")
	require.NoError(t, err)
	require.NoError(t, store.ReleaseIdempotency(ctx, "0x01", "key-2"))
	cached, err = store.ReserveIdempotency(ctx, "0x01", "key-2", "hash-c")
	require.NoError(t, err)
	require.Nil(t, cached, "released keys can be claimed again")
}
