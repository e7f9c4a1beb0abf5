package common

const (
	// UnknownValue stands in for any field the payload does not carry
	UnknownValue = "UNKNOWN"
	// SystemUser is the fallback actor for events with no user attribution
	SystemUser = "system"
	// DefaultFormat is assumed when an event declares no payload format
	DefaultFormat = "json"
)

// InboundEvent is the wire form of a metadata-change event as received
// from an ingress transport. EventID must be non-empty for status
// tracking to function.
type InboundEvent struct {
	EventType string         `json:"eventType"`
	EventID   string         `json:"eventId"`
	Timestamp string         `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
	Metadata  map[string]any `json:"metadata"`
}

// Format returns the event's declared payload format, or DefaultFormat
// when the metadata carries none.
func (e InboundEvent) Format() string {
	if f, ok := e.Metadata["format"].(string); ok && f != "" {
		return f
	}
	return DefaultFormat
}

// Tenant returns the tenant the event was submitted for, or the empty
// string when the metadata carries none.
func (e InboundEvent) Tenant() string {
	if t, ok := e.Metadata["tenantId"].(string); ok {
		return t
	}
	return ""
}

// Envelope is the canonical internal representation of an event after
// format-specific normalization. It is produced once per event and
// consumed by CDC generation and the outbound publisher.
type Envelope struct {
	ID           string
	EventType    string
	MetadataType string
	Payload      map[string]any
}
