// Package enrich applies rule-driven post-normalization steps to an
// envelope: duplicate-field collapsing, computed-field fill, PII
// masking and field encryption. Every step is idempotent so a replayed
// or re-attempted event enriches to the same result.
package enrich

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gobwas/glob"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/lily-data/metapipe/common"
	"github.com/lily-data/metapipe/rules"
)

const encryptedPrefix = "enc:"

// Encryptor encrypts a single field value. Implementations must be
// deterministic so enrichment stays idempotent.
type Encryptor interface {
	Encrypt(value string) (string, error)
}

// DigestEncryptor replaces a value with a keyed digest. It is a
// placeholder for a real encryption collaborator; the digest is
// deterministic and clearly non-reversible.
type DigestEncryptor struct{}

func (DigestEncryptor) Encrypt(value string) (string, error) {
	return fmt.Sprintf("%s%016x", encryptedPrefix, xxhash.Sum64String(value)), nil
}

// compiled PII patterns, shared across rules
var patternCache = xsync.NewMapOf[string, glob.Glob]()

func compilePattern(pattern string) (glob.Glob, bool) {
	if g, ok := patternCache.Load(pattern); ok {
		return g, true
	}
	g, err := glob.Compile(strings.ToLower(pattern))
	if err != nil {
		log.Warn().Err(err).Str("pattern", pattern).Msg("Invalid PII field pattern, skipping")
		return nil, false
	}
	patternCache.Store(pattern, g)
	return g, true
}

// Enricher runs the enrichment steps for one envelope.
type Enricher struct {
	encryptor Encryptor
}

// NewEnricher creates an enricher using the given encryptor, falling
// back to DigestEncryptor when nil.
func NewEnricher(encryptor Encryptor) *Enricher {
	if encryptor == nil {
		encryptor = DigestEncryptor{}
	}
	return &Enricher{encryptor: encryptor}
}

// Enrich returns a new envelope with all steps applied. The input
// envelope's payload is not mutated.
func (e *Enricher) Enrich(env common.Envelope, rule rules.Rule) (common.Envelope, error) {
	payload := make(map[string]any, len(env.Payload))
	for k, v := range env.Payload {
		payload[k] = v
	}

	deduplicate(payload)
	fill(payload, env)
	mask(payload, rule.PIIFields)
	if err := e.encrypt(payload, rule.EncryptFields()); err != nil {
		return common.Envelope{}, err
	}

	out := env
	out.Payload = payload
	return out, nil
}

// deduplicate collapses fields that are spelling variants of the same
// name carrying the same value (e.g. "user_id" and "userId"). The
// lexicographically smallest key in each group survives.
func deduplicate(payload map[string]any) {
	groups := make(map[string][]string)
	for k := range payload {
		canon := canonicalKey(k)
		groups[canon] = append(groups[canon], k)
	}

	for _, keys := range groups {
		if len(keys) < 2 {
			continue
		}
		sort.Strings(keys)
		keeper := valueHash(payload[keys[0]])
		for _, k := range keys[1:] {
			if valueHash(payload[k]) == keeper {
				delete(payload, k)
			}
		}
	}
}

func canonicalKey(key string) string {
	key = strings.ToLower(key)
	key = strings.ReplaceAll(key, "_", "")
	key = strings.ReplaceAll(key, "-", "")
	return key
}

func valueHash(v any) uint64 {
	return xxhash.Sum64String(fmt.Sprint(v))
}

// fill adds computed fields that are missing. Existing values are never
// overwritten, which keeps re-enrichment stable.
func fill(payload map[string]any, env common.Envelope) {
	if _, ok := payload["processedAt"]; !ok {
		payload["processedAt"] = time.Now().UTC().Format(time.RFC3339)
	}
	if _, ok := payload["user"]; !ok {
		payload["user"] = common.SystemUser
	}
	if _, ok := payload["metadataType"]; !ok && env.MetadataType != "" {
		payload["metadataType"] = env.MetadataType
	}
}

// mask replaces the values of fields matching the rule's PII patterns.
func mask(payload map[string]any, piiPatterns []string) {
	if len(piiPatterns) == 0 {
		return
	}

	globs := make([]glob.Glob, 0, len(piiPatterns))
	for _, pattern := range piiPatterns {
		if g, ok := compilePattern(pattern); ok {
			globs = append(globs, g)
		}
	}

	for k, v := range payload {
		name := strings.ToLower(k)
		for _, g := range globs {
			if g.Match(name) {
				payload[k] = MaskValue(fmt.Sprint(v))
				break
			}
		}
	}
}

// MaskValue hides all but the first and last two characters. Masking a
// masked value yields the same masked value.
func MaskValue(value string) string {
	if len(value) <= 4 {
		return "****"
	}
	return value[:2] + "****" + value[len(value)-2:]
}

func (e *Enricher) encrypt(payload map[string]any, fields []string) error {
	for _, field := range fields {
		v, ok := payload[field]
		if !ok {
			continue
		}
		s := fmt.Sprint(v)
		if strings.HasPrefix(s, encryptedPrefix) {
			continue // already encrypted
		}
		encrypted, err := e.encryptor.Encrypt(s)
		if err != nil {
			return fmt.Errorf("encrypt field %s: %w", field, err)
		}
		payload[field] = encrypted
	}
	return nil
}
