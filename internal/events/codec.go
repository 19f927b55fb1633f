// Package events encodes engine notifications (trades, order updates,
// settlement completions, alerts) into a protobuf envelope shared by the
// signal bus, the WebSocket stream and the message broker.
//
// The envelope is a google.protobuf.Struct with three fields:
//
//	type  string
//	at    RFC 3339 timestamp (from google.protobuf.Timestamp)
//	data  object
package events

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/domain"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Envelope types.
const (
	TypeTrade      = "trade"
	TypeOrder      = "order"
	TypeSettlement = "settlement"
	TypeAlert      = "alert"
)

// ContentType is the MIME type of Marshal output.
const ContentType = "application/x-protobuf"

// Envelope is the decoded form of an event.
type Envelope struct {
	Type string
	At   time.Time
	Data map[string]any
}

func (e Envelope) toStruct() (*structpb.Struct, error) {
	ts, err := protojson.Marshal(timestamppb.New(e.At))
	if err != nil {
		return nil, fmt.Errorf("events: timestamp: %w", err)
	}
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	// protojson quotes the timestamp; strip the quotes for a plain string.
	return structpb.NewStruct(map[string]any{
		"type": e.Type,
		"at":   string(ts[1 : len(ts)-1]),
		"data": data,
	})
}

func fromStruct(s *structpb.Struct) (Envelope, error) {
	m := s.AsMap()
	env := Envelope{}
	env.Type, _ = m["type"].(string)
	if at, ok := m["at"].(string); ok && at != "" {
		var ts timestamppb.Timestamp
		if err := protojson.Unmarshal([]byte(`"`+at+`"`), &ts); err != nil {
			return Envelope{}, fmt.Errorf("events: timestamp %q: %w", at, err)
		}
		env.At = ts.AsTime()
	}
	env.Data, _ = m["data"].(map[string]any)
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("events: envelope without type")
	}
	return env, nil
}

// Marshal encodes e in protobuf binary form.
func Marshal(e Envelope) ([]byte, error) {
	s, err := e.toStruct()
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// MarshalJSON encodes e as protobuf JSON, for text consumers.
func MarshalJSON(e Envelope) ([]byte, error) {
	s, err := e.toStruct()
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(s)
}

// Unmarshal decodes protobuf binary produced by Marshal.
func Unmarshal(b []byte) (Envelope, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return Envelope{}, fmt.Errorf("events: decode: %w", err)
	}
	return fromStruct(&s)
}

// ToJSON re-encodes a binary envelope as JSON.
func ToJSON(b []byte) ([]byte, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("events: decode: %w", err)
	}
	return protojson.Marshal(&s)
}

// Trade builds the envelope for a fill.
func Trade(f domain.Fill) Envelope {
	return Envelope{
		Type: TypeTrade,
		At:   f.Timestamp,
		Data: map[string]any{
			"fillId":              f.ID,
			"orderId":             f.OrderID,
			"counterpartyOrderId": f.CounterpartyOrderID,
			"pair":                f.Pair,
			"side":                string(f.Side),
			"price":               f.Price.String(),
			"amount":              f.Amount.String(),
			"venue":               string(f.Venue),
		},
	}
}

// Order builds the envelope for an order state change.
func Order(o domain.Order, st domain.OrderState) Envelope {
	data := map[string]any{
		"orderId":         o.ID,
		"pair":            o.Pair,
		"side":            string(o.Side),
		"type":            string(o.Kind()),
		"status":          string(st.Status),
		"filled":          st.FilledAmount.String(),
		"securityWarning": st.SecurityWarning,
	}
	if st.Venue != "" {
		data["venue"] = string(st.Venue)
	}
	if st.Reason != "" {
		data["reason"] = st.Reason
	}
	return Envelope{Type: TypeOrder, At: st.UpdatedAt, Data: data}
}

// Settlement builds the envelope for a completion event.
func Settlement(ev domain.CompletionEvent) Envelope {
	data := map[string]any{
		"settlementId": ev.SettlementID,
		"orderId":      ev.OrderID,
		"pair":         ev.Pair,
		"venue":        string(ev.Venue),
		"status":       string(ev.Status),
		"attempts":     float64(ev.Attempts),
		"latencyMs":    float64(ev.Latency.Milliseconds()),
	}
	if ev.TxHash != "" {
		data["txHash"] = ev.TxHash
	}
	if ev.Reason != "" {
		data["reason"] = ev.Reason
	}
	return Envelope{Type: TypeSettlement, At: ev.At, Data: data}
}

// Alert builds the envelope for an operator alert.
func Alert(a domain.Alert) Envelope {
	return Envelope{
		Type: TypeAlert,
		At:   a.At,
		Data: map[string]any{
			"kind":      a.Kind,
			"name":      a.Name,
			"component": a.Component,
			"message":   a.Message,
			"value":     a.Value,
			"threshold": a.Threshold,
		},
	}
}
