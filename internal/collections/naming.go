// Package collections provides collection naming for tradition corpora.
//
// Collection names follow the format: {tradition}__{kind}
// where kind is "knowledge" (document corpus) or "journal" (per-user entries).
// The mapping is deterministic so any orchestrator instance computes the same
// target collection without coordination.
//
// Example:
//
//	name, err := collections.Knowledge("ayurveda")
//	// Result: "ayurveda__knowledge"
package collections

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Kind identifies what a collection stores.
type Kind string

const (
	// KindKnowledge holds chunks from a tradition's source documents.
	KindKnowledge Kind = "knowledge"

	// KindJournal holds one point per indexed journal entry.
	KindJournal Kind = "journal"
)

const separator = "__"

var (
	// ErrInvalidTradition indicates an empty or malformed tradition name.
	ErrInvalidTradition = errors.New("invalid tradition name")

	// ErrInvalidKind indicates an unknown collection kind.
	ErrInvalidKind = errors.New("invalid collection kind")

	// ErrInvalidName indicates a malformed collection name.
	ErrInvalidName = errors.New("invalid collection name format")
)

// traditionPattern bounds normalized tradition names so the resulting
// collection name satisfies vector-store naming rules.
var traditionPattern = regexp.MustCompile(`^[a-z0-9_]{1,48}$`)

// NormalizeTradition lowercases a tradition name and maps separators the
// vector store rejects (dash, dot, space) to underscores.
func NormalizeTradition(tradition string) string {
	s := strings.ToLower(strings.TrimSpace(tradition))
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '.', ' ':
			return '_'
		default:
			return r
		}
	}, s)
}

// ValidateTradition checks a normalized tradition name.
func ValidateTradition(tradition string) error {
	if tradition == "" {
		return fmt.Errorf("%w: tradition required", ErrInvalidTradition)
	}
	if !traditionPattern.MatchString(tradition) {
		return fmt.Errorf("%w: must match %s, got %q", ErrInvalidTradition, traditionPattern.String(), tradition)
	}
	return nil
}

// Name generates the collection name for a (tradition, kind) pair.
func Name(tradition string, kind Kind) (string, error) {
	normalized := NormalizeTradition(tradition)
	if err := ValidateTradition(normalized); err != nil {
		return "", err
	}
	switch kind {
	case KindKnowledge, KindJournal:
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	return normalized + separator + string(kind), nil
}

// Knowledge returns the knowledge collection name for a tradition.
func Knowledge(tradition string) (string, error) {
	return Name(tradition, KindKnowledge)
}

// Journal returns the journal collection name for a tradition.
func Journal(tradition string) (string, error) {
	return Name(tradition, KindJournal)
}

// Parse splits a collection name into its tradition and kind.
func Parse(name string) (string, Kind, error) {
	if name == "" {
		return "", "", fmt.Errorf("%w: name required", ErrInvalidName)
	}
	idx := strings.LastIndex(name, separator)
	if idx <= 0 {
		return "", "", fmt.Errorf("%w: expected {tradition}__{kind}, got %q", ErrInvalidName, name)
	}
	tradition := name[:idx]
	kind := Kind(name[idx+len(separator):])
	switch kind {
	case KindKnowledge, KindJournal:
	default:
		return "", "", fmt.Errorf("%w: unknown kind in %q", ErrInvalidName, name)
	}
	if err := ValidateTradition(tradition); err != nil {
		return "", "", err
	}
	return tradition, kind, nil
}
