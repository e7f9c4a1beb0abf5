package normalize

import (
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/lily-data/metapipe/common"
	"github.com/lily-data/metapipe/rules"
)

// CSVProcessor normalizes single-record CSV payloads: a header row and
// one value row under the "raw" payload key.
type CSVProcessor struct{}

func (p *CSVProcessor) CanHandle(format string) bool {
	switch strings.ToLower(format) {
	case "csv", "text/csv":
		return true
	}
	return false
}

func (p *CSVProcessor) Process(event common.InboundEvent, rule rules.Rule) (common.Envelope, error) {
	raw, ok := event.Payload["raw"].(string)
	if !ok {
		return common.Envelope{}, fmt.Errorf("csv payload requires a raw document")
	}

	reader := csv.NewReader(strings.NewReader(raw))
	records, err := reader.ReadAll()
	if err != nil {
		return common.Envelope{}, fmt.Errorf("decode csv payload: %w", err)
	}
	if len(records) < 2 {
		return common.Envelope{}, fmt.Errorf("csv payload requires a header and a value row")
	}

	header, values := records[0], records[1]
	if len(header) != len(values) {
		return common.Envelope{}, fmt.Errorf("csv header/value length mismatch: %d vs %d", len(header), len(values))
	}

	payload := make(map[string]any, len(header))
	for i, col := range header {
		payload[strings.TrimSpace(col)] = values[i]
	}

	return common.Envelope{
		ID:           event.EventID,
		EventType:    event.EventType,
		MetadataType: metadataType(event, payload),
		Payload:      payload,
	}, nil
}
