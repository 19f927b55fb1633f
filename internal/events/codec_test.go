package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettlementEnvelopeBinary(t *testing.T) {
	at := time.Date(2026, 5, 4, 10, 30, 0, 123_000_000, time.UTC)
	ev := domain.CompletionEvent{
		SettlementID: "s1",
		OrderID:      "o1",
		Pair:         "ETH-USDC",
		Venue:        domain.VenueAMM,
		Status:       domain.SettlementAbandoned,
		Reason:       "confirmation_timeout",
		Attempts:     1,
		Latency:      1500 * time.Millisecond,
		At:           at,
	}

	b, err := Marshal(Settlement(ev))
	require.NoError(t, err)

	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, TypeSettlement, got.Type)
	assert.True(t, at.Equal(got.At))
	assert.Equal(t, "abandoned", got.Data["status"])
	assert.Equal(t, "confirmation_timeout", got.Data["reason"])
	assert.Equal(t, float64(1500), got.Data["latencyMs"])
	_, hasTx := got.Data["txHash"]
	assert.False(t, hasTx)
}

func TestTradeEnvelopeJSON(t *testing.T) {
	f := domain.Fill{
		ID:        "f1",
		OrderID:   "o2",
		Pair:      "ETH-USDC",
		Side:      domain.OrderSideSell,
		Price:     decimal.RequireFromString("1.00"),
		Amount:    decimal.NewFromInt(50),
		Venue:     domain.VenueOrderbook,
		Timestamp: time.Unix(1_700_000_000, 0).UTC(),
	}
	b, err := MarshalJSON(Trade(f))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "trade", m["type"])
	assert.Equal(t, "2023-11-14T22:13:20Z", m["at"])
	data := m["data"].(map[string]any)
	assert.Equal(t, "1", data["price"])
	assert.Equal(t, "50", data["amount"])
}

func TestToJSONMatchesMarshalJSON(t *testing.T) {
	env := Alert(domain.Alert{Kind: domain.AlertPairPaused, Name: "ETH-USDC", At: time.Unix(5, 0)})
	bin, err := Marshal(env)
	require.NoError(t, err)
	viaBin, err := ToJSON(bin)
	require.NoError(t, err)
	direct, err := MarshalJSON(env)
	require.NoError(t, err)
	assert.JSONEq(t, string(direct), string(viaBin))
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte{0xff, 0x01})
	assert.Error(t, err)
}
