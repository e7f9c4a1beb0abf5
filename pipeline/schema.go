package pipeline

import (
	"github.com/rs/zerolog/log"

	"github.com/lily-data/metapipe/common"
	"github.com/lily-data/metapipe/rules"
)

// RequiredFieldsValidator is the default schema collaborator: an
// envelope is valid when every field the rule requires is present in
// the payload.
type RequiredFieldsValidator struct{}

func (RequiredFieldsValidator) IsValid(env common.Envelope, rule rules.Rule) bool {
	for _, field := range rule.RequiredFields {
		if _, ok := env.Payload[field]; !ok {
			log.Debug().
				Str("envelope", env.ID).
				Str("field", field).
				Msg("Required field missing")
			return false
		}
	}
	return true
}
