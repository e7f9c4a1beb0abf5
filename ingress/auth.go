package ingress

import "strings"

// TokenValidator decides whether an inbound bearer token is acceptable.
type TokenValidator interface {
	Validate(token string) bool
}

// StaticTokenValidator accepts tokens from a fixed allow list. An empty
// list accepts everything, which keeps local setups friction free.
type StaticTokenValidator struct {
	tokens map[string]struct{}
}

func NewStaticTokenValidator(tokens []string) *StaticTokenValidator {
	v := &StaticTokenValidator{tokens: make(map[string]struct{}, len(tokens))}
	for _, t := range tokens {
		if t != "" {
			v.tokens[t] = struct{}{}
		}
	}
	return v
}

func (v *StaticTokenValidator) Validate(token string) bool {
	if len(v.tokens) == 0 {
		return true
	}
	_, ok := v.tokens[token]
	return ok
}

// BearerToken extracts the token from an "Authorization: Bearer x"
// value. Returns the raw value unchanged when no scheme prefix is
// present.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimPrefix(header, prefix)
	}
	return header
}
