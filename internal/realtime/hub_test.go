package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func TestSubscription_Matches(t *testing.T) {
	evt := &Event{
		Type:    EventTransaction,
		Parties: []string{"0xbuyer", "0xseller"},
		TxnID:   "txn_1",
		Amount:  5_000_000,
	}

	cases := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"empty subscription", Subscription{}, true},
		{"type match", Subscription{EventTypes: []EventType{EventTransaction}}, true},
		{"type mismatch", Subscription{EventTypes: []EventType{EventOracleRun}}, false},
		{"party match is case-insensitive", Subscription{Parties: []string{"0xSELLER"}}, true},
		{"party mismatch", Subscription{Parties: []string{"0xother"}}, false},
		{"transaction match", Subscription{TransactionIDs: []string{"txn_1"}}, true},
		{"transaction mismatch", Subscription{TransactionIDs: []string{"txn_2"}}, false},
		{"above min amount", Subscription{MinAmount: 1_000_000}, true},
		{"below min amount", Subscription{MinAmount: 10_000_000}, false},
		{"since is not a filter", Subscription{Since: 99}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.sub.Matches(evt))
		})
	}
}

func TestSubscription_MinAmountIgnoresOracleRuns(t *testing.T) {
	sub := Subscription{MinAmount: 100}
	assert.True(t, sub.Matches(&Event{Type: EventOracleRun}))
}

func TestEmit_LiftsIDAndAmount(t *testing.T) {
	h := testHub()
	h.Emit("transaction", []string{"0xa"}, map[string]interface{}{"id": "txn_9", "amount": int64(42)})

	events := h.Since(0, Subscription{})
	require.Len(t, events, 1)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, "txn_9", events[0].TxnID)
	assert.Equal(t, int64(42), events[0].Amount)
	assert.Equal(t, EventTransaction, events[0].Type)
}

func TestSince_FiltersAndOrders(t *testing.T) {
	h := testHub()
	h.Emit("transaction", []string{"0xa"}, map[string]interface{}{"id": "txn_1"})
	h.Emit("oracle_run", nil, map[string]interface{}{"id": "run_1"})
	h.Emit("transaction", []string{"0xb"}, map[string]interface{}{"id": "txn_2"})

	all := h.Since(1, Subscription{})
	require.Len(t, all, 2)
	assert.Equal(t, uint64(2), all[0].Seq)
	assert.Equal(t, uint64(3), all[1].Seq)

	onlyB := h.Since(0, Subscription{Parties: []string{"0xB"}})
	require.Len(t, onlyB, 1)
	assert.Equal(t, "txn_2", onlyB[0].TxnID)
}

func TestSince_RingWraps(t *testing.T) {
	h := testHub()
	total := ReplaySize + 10
	for i := 0; i < total; i++ {
		h.Emit("oracle_run", nil, map[string]interface{}{})
	}

	events := h.Since(0, Subscription{})
	require.Len(t, events, ReplaySize)
	assert.Equal(t, uint64(11), events[0].Seq)
	assert.Equal(t, uint64(total), events[len(events)-1].Seq)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Seq+1, events[i].Seq)
	}
}

func runHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h, cancel
}

func TestHub_RegisterAndUnregister(t *testing.T) {
	h, _ := runHub(t)

	c := &Client{hub: h, send: make(chan []byte, sendBuffer)}
	h.register <- c
	require.Eventually(t, func() bool {
		return h.Stats().Connected == 1
	}, time.Second, 5*time.Millisecond)

	h.unregister <- c
	require.Eventually(t, func() bool {
		return h.Stats().Connected == 0
	}, time.Second, 5*time.Millisecond)

	stats := h.Stats()
	assert.Equal(t, int64(1), stats.PeakConns)
	assert.Equal(t, int64(1), stats.TotalConns)

	_, open := <-c.send
	assert.False(t, open, "send channel is closed on unregister")
}

func TestHub_DeliversToMatchingClients(t *testing.T) {
	h, _ := runHub(t)

	buyer := &Client{hub: h, send: make(chan []byte, sendBuffer), sub: Subscription{Parties: []string{"0xbuyer"}}}
	other := &Client{hub: h, send: make(chan []byte, sendBuffer), sub: Subscription{Parties: []string{"0xother"}}}
	h.register <- buyer
	h.register <- other

	h.Emit("transaction", []string{"0xbuyer", "0xseller"}, map[string]interface{}{"id": "txn_1", "state": "FUNDED"})

	select {
	case msg := <-buyer.send:
		var got map[string]interface{}
		require.NoError(t, json.Unmarshal(msg, &got))
		assert.Equal(t, "transaction", got["type"])
		assert.Equal(t, "txn_1", got["txnId"])
		assert.EqualValues(t, 1, got["seq"])
	case <-time.After(time.Second):
		t.Fatal("buyer did not receive the event")
	}

	require.Eventually(t, func() bool {
		return h.Stats().TotalEvents == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, other.send)
}

func TestHub_StopClosesClients(t *testing.T) {
	h, cancel := runHub(t)

	c := &Client{hub: h, send: make(chan []byte, sendBuffer)}
	h.register <- c
	cancel()

	select {
	case <-h.done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	_, open := <-c.send
	assert.False(t, open)
	assert.Equal(t, 0, h.Stats().Connected)
}
