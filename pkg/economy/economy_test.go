// Copyright 2025 Certen Protocol

package economy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfirm_DoubleSettlementRefused(t *testing.T) {
	l := New(time.Hour, 250)
	in := l.Create("acct-1", "S1", 500)

	first, err := l.Confirm(in.ID, "tx-ref-1")
	require.NoError(t, err)
	require.Equal(t, IntentSettled, first.Status)

	second, err := l.Confirm(in.ID, "tx-ref-1")
	require.NoError(t, err) // idempotent re-confirm of the same intent, not an error
	require.Equal(t, IntentSettled, second.Status)
	require.Equal(t, first.SettledAtMs, second.SettledAtMs)
}

func TestConfirm_DuplicateTxRefAcrossIntentsRejected(t *testing.T) {
	l := New(time.Hour, 250)
	a := l.Create("acct-1", "S1", 500)
	b := l.Create("acct-1", "S2", 500)

	_, err := l.Confirm(a.ID, "shared-tx-ref")
	require.NoError(t, err)

	_, err = l.Confirm(b.ID, "shared-tx-ref")
	require.ErrorIs(t, err, ErrDuplicateTxRef)

	got, ok := l.Get(b.ID)
	require.True(t, ok)
	require.Equal(t, IntentCreated, got.Status)
}

func TestConfirm_UnknownIntent(t *testing.T) {
	l := New(time.Hour, 250)
	_, err := l.Confirm("does-not-exist", "tx-ref")
	require.ErrorIs(t, err, ErrIntentNotFound)
}

func TestExpireStale_TransitionsPastTTL(t *testing.T) {
	l := New(time.Millisecond, 250)
	in := l.Create("acct-1", "S1", 100)

	time.Sleep(5 * time.Millisecond)
	n := l.ExpireStale(time.Now().UnixMilli())
	require.Equal(t, 1, n)

	got, ok := l.Get(in.ID)
	require.True(t, ok)
	require.Equal(t, IntentExpired, got.Status)

	_, err := l.Confirm(in.ID, "tx-ref")
	require.ErrorIs(t, err, ErrIntentNotSettleable)
}
