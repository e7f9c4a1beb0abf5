// Package transformer provides implementations of the
// publisher.Transformer interface for converting CDC deltas to
// sink-specific formats.
package transformer

import (
	"encoding/json"

	"github.com/lily-data/metapipe/cdc"
	"github.com/lily-data/metapipe/publisher"
)

func init() {
	publisher.RegisterTransformer("json", func() publisher.Transformer {
		return &JSONTransformer{}
	})
}

// JSONTransformer emits the canonical outbound CDC JSON object.
type JSONTransformer struct{}

// outboundDelta is the published wire shape. Before is null for
// INSERT operations.
type outboundDelta struct {
	EventID         string            `json:"eventId"`
	Operation       string            `json:"operation"`
	Table           string            `json:"table"`
	PrimaryKey      string            `json:"primaryKey"`
	PrimaryKeyValue string            `json:"primaryKeyValue"`
	Timestamp       string            `json:"timestamp"`
	User            string            `json:"user"`
	Before          map[string]string `json:"before"`
	After           map[string]string `json:"after"`
	Version         int               `json:"version"`
}

func (t *JSONTransformer) Transform(eventID string, event cdc.Event) ([]byte, error) {
	return json.Marshal(outboundDelta{
		EventID:         eventID,
		Operation:       event.Operation,
		Table:           event.Table,
		PrimaryKey:      event.PrimaryKey,
		PrimaryKeyValue: event.PrimaryKeyValue,
		Timestamp:       event.Timestamp,
		User:            event.User,
		Before:          event.Before,
		After:           event.After,
		Version:         event.Version,
	})
}
