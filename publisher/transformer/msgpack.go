package transformer

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/lily-data/metapipe/cdc"
	"github.com/lily-data/metapipe/publisher"
)

func init() {
	publisher.RegisterTransformer("msgpack", func() publisher.Transformer {
		return &MsgpackTransformer{}
	})
}

// MsgpackTransformer emits the delta as a compact msgpack document for
// sinks feeding binary-friendly consumers.
type MsgpackTransformer struct{}

type msgpackDelta struct {
	EventID         string            `msgpack:"eventId"`
	Operation       string            `msgpack:"op"`
	Table           string            `msgpack:"tbl"`
	PrimaryKey      string            `msgpack:"pk"`
	PrimaryKeyValue string            `msgpack:"pkv"`
	Timestamp       string            `msgpack:"ts"`
	User            string            `msgpack:"user"`
	Before          map[string]string `msgpack:"before"`
	After           map[string]string `msgpack:"after"`
	Version         int               `msgpack:"ver"`
}

func (t *MsgpackTransformer) Transform(eventID string, event cdc.Event) ([]byte, error) {
	return msgpack.Marshal(msgpackDelta{
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
