// Package normalize converts raw inbound events into the canonical
// envelope form. Format-specific processors advertise the formats they
// can handle; the registry selects the first match.
package normalize

import (
	"errors"
	"fmt"

	"github.com/lily-data/metapipe/common"
	"github.com/lily-data/metapipe/rules"
)

// ErrUnsupportedFormat is returned when no registered processor can
// handle an event's declared format.
var ErrUnsupportedFormat = errors.New("unsupported metadata format")

// Processor normalizes one family of payload formats.
type Processor interface {
	// CanHandle reports whether the processor accepts the format.
	CanHandle(format string) bool
	// Process converts the raw event into a canonical envelope.
	Process(event common.InboundEvent, rule rules.Rule) (common.Envelope, error)
}

// Registry holds the registered processors in registration order.
type Registry struct {
	processors []Processor
}

// NewRegistry creates a registry preloaded with the built-in JSON and
// CSV processors.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Register(&JSONProcessor{})
	r.Register(&CSVProcessor{})
	return r
}

// Register appends a processor. Earlier registrations win on overlap.
func (r *Registry) Register(p Processor) {
	r.processors = append(r.processors, p)
}

// Lookup returns the first processor accepting the format.
func (r *Registry) Lookup(format string) (Processor, error) {
	for _, p := range r.processors {
		if p.CanHandle(format) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
}

// Normalize converts event into an envelope using the processor for its
// declared format.
func (r *Registry) Normalize(event common.InboundEvent, format string, rule rules.Rule) (common.Envelope, error) {
	p, err := r.Lookup(format)
	if err != nil {
		return common.Envelope{}, err
	}
	return p.Process(event, rule)
}
