package constraint

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/policygate/gateway/internal/domain/decision"
)

// FieldStrategy names how a single argument field is anonymized.
type FieldStrategy string

const (
	// StrategyMask replaces the value with a fixed placeholder, or a
	// format-preserving mask for recognized shapes (email, phone).
	StrategyMask FieldStrategy = "mask"
	// StrategyRedact removes the field from the forwarded arguments.
	StrategyRedact FieldStrategy = "redact"
	// StrategyHash replaces the value with a deterministic keyed hash.
	StrategyHash FieldStrategy = "hash"
	// StrategyTokenize replaces the value with an opaque token and keeps
	// the original reachable through the vault for authorized reversal.
	StrategyTokenize FieldStrategy = "tokenize"
)

const maskedValue = "***MASKED***"

var (
	emailRe = regexp.MustCompile(`^([^@]+)(@.+)$`)
	digitRe = regexp.MustCompile(`\d`)
)

// Anonymizer enforces "anonymize:<fields>" directives: each directive names
// the argument fields to transform, optionally with a per-field strategy
// ("anonymize:email,ssn" defaults every field to mask;
// "anonymize:email=mask,ssn=hash,notes=redact" picks per field). It is
// grounded on the gateway's existing sensitive-argument redaction
// (audit.RedactSensitiveArgs) generalized from a fixed keyword list to
// policy-directive-driven field selection. Hashing and tokenization are both
// keyed off a process-level secret so the same input always anonymizes to
// the same output, matching identity_service.go's crypto/rand key-generation
// idiom rather than argon2id's intentionally-salted password hashing.
type Anonymizer struct {
	key []byte

	vaultMu sync.Mutex
	vault   map[string]any // token -> original value, for tokenize reversal
}

// NewAnonymizer creates an Anonymizer. A random process-level key is
// generated for hash/tokenize determinism; it does not survive a restart, so
// tokens and hashes are stable only for the lifetime of one gateway process.
func NewAnonymizer() *Anonymizer {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic("anonymizer: failed to seed process key: " + err.Error())
	}
	return &Anonymizer{
		key:   key,
		vault: make(map[string]any),
	}
}

// Scheme implements Processor.
func (a *Anonymizer) Scheme() string { return "anonymize" }

// parseFields turns a directive payload into per-field strategies. Entries
// are comma-separated, each "field" (mask by default) or "field=strategy".
func parseFields(payload string) (map[string]FieldStrategy, error) {
	if payload == "" {
		return nil, fmt.Errorf("anonymize directive names no fields")
	}
	fields := make(map[string]FieldStrategy)
	for _, entry := range strings.Split(payload, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, strategy, found := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("anonymize directive has an empty field name in %q", payload)
		}
		if !found {
			fields[name] = StrategyMask
			continue
		}
		switch FieldStrategy(strings.TrimSpace(strategy)) {
		case StrategyMask, StrategyRedact, StrategyHash, StrategyTokenize:
			fields[name] = FieldStrategy(strings.TrimSpace(strategy))
		default:
			return nil, fmt.Errorf("anonymize directive has unknown strategy %q for field %q", strategy, name)
		}
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("anonymize directive names no fields")
	}
	return fields, nil
}

// Apply implements Processor. A malformed directive is a critical failure
// (an unenforceable privacy constraint must not fall open); a transformable
// field always transforms, preserving the surrounding argument shape.
func (a *Anonymizer) Apply(_ context.Context, d Directive, _ decision.DecisionContext, args map[string]any) (map[string]any, decision.ConstraintOutcome, error) {
	fields, err := parseFields(d.Payload)
	if err != nil {
		return args, decision.ConstraintOutcome{}, err
	}

	if len(args) == 0 {
		return args, decision.ConstraintOutcome{Name: d.Raw, Applied: false, Criticality: decision.CriticalityNone}, nil
	}

	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}

	applied := false
	for field, strategy := range fields {
		v, ok := out[field]
		if !ok {
			continue
		}
		applied = true
		switch strategy {
		case StrategyRedact:
			delete(out, field)
		case StrategyMask:
			out[field] = formatPreservingMask(v)
		case StrategyHash:
			out[field] = a.hash(v)
		case StrategyTokenize:
			out[field] = a.tokenize(v)
		}
	}

	return out, decision.ConstraintOutcome{
		Name:        d.Raw,
		Applied:     applied,
		Criticality: decision.CriticalityNone,
		Transformed: out,
	}, nil
}

// hash returns a deterministic, keyed digest of v: the same input always
// produces the same hash within one gateway process, so applying the
// constraint twice is idempotent, but the digest cannot be reproduced
// without the process key.
func (a *Anonymizer) hash(v any) string {
	mac := hmac.New(sha256.New, a.key)
	mac.Write([]byte(fmt.Sprintf("%v", v)))
	return hex.EncodeToString(mac.Sum(nil))
}

// tokenize replaces a value with an opaque token derived deterministically
// from the value and the process key, and remembers the mapping so an
// authorized obligation executor can reverse it later. Deterministic
// derivation, rather than a random token per call, is what makes applying
// the constraint twice to the same value idempotent.
func (a *Anonymizer) tokenize(v any) string {
	token := a.hash(v)

	a.vaultMu.Lock()
	if _, exists := a.vault[token]; !exists {
		a.vault[token] = v
	}
	a.vaultMu.Unlock()

	return token
}

// formatPreservingMask masks a value while preserving enough shape for the
// result to remain recognizable as an email or phone number; anything else
// falls back to the fixed placeholder.
func formatPreservingMask(v any) string {
	s := fmt.Sprintf("%v", v)

	if m := emailRe.FindStringSubmatch(s); m != nil {
		local, domain := m[1], m[2]
		if len(local) <= 2 {
			return strings.Repeat("*", len(local)) + domain
		}
		return local[:1] + strings.Repeat("*", len(local)-2) + local[len(local)-1:] + domain
	}

	// Phone-shaped: more than four digit positions (digits plus asterisks
	// from an earlier mask, so masking twice gives the same result).
	totalDigits := len(digitRe.FindAllString(s, -1))
	if totalDigits > 0 && totalDigits+strings.Count(s, "*") > 4 {
		runes := []rune(s)
		digitsSeen := 0
		for i, r := range runes {
			if r < '0' || r > '9' {
				continue
			}
			digitsSeen++
			if totalDigits-digitsSeen >= 4 {
				runes[i] = '*'
			}
		}
		return string(runes)
	}

	return maskedValue
}

// Detokenize reverses a previously tokenized value. Returns false if the
// token is unknown.
func (a *Anonymizer) Detokenize(token string) (any, bool) {
	a.vaultMu.Lock()
	defer a.vaultMu.Unlock()
	v, ok := a.vault[token]
	return v, ok
}
