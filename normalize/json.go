package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lily-data/metapipe/common"
	"github.com/lily-data/metapipe/rules"
)

// JSONProcessor normalizes JSON-shaped events. The payload either
// arrives pre-decoded as a map or as a raw JSON document under the
// "raw" payload key.
type JSONProcessor struct{}

func (p *JSONProcessor) CanHandle(format string) bool {
	switch strings.ToLower(format) {
	case "json", "application/json":
		return true
	}
	return false
}

func (p *JSONProcessor) Process(event common.InboundEvent, rule rules.Rule) (common.Envelope, error) {
	payload := event.Payload

	if raw, ok := payload["raw"].(string); ok && len(payload) == 1 {
		decoded := make(map[string]any)
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			return common.Envelope{}, fmt.Errorf("decode json payload: %w", err)
		}
		payload = decoded
	}

	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}

	return common.Envelope{
		ID:           event.EventID,
		EventType:    event.EventType,
		MetadataType: metadataType(event, payload),
		Payload:      out,
	}, nil
}

// metadataType prefers an explicit payload declaration, then falls back
// to the event type.
func metadataType(event common.InboundEvent, payload map[string]any) string {
	if t, ok := payload["metadataType"].(string); ok && t != "" {
		return t
	}
	if event.EventType != "" {
		return event.EventType
	}
	return common.UnknownValue
}
