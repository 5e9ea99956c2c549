// Package reconcile matches quotes from independent providers to a single
// canonical event per real-world contest. Matching is by normalized
// participant names plus a start-time window; the canonicalization table
// absorbs the casing, abbreviation, and mascot differences between provider
// feeds.
package reconcile

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// TeamEntry is one row of the canonicalization table.
type TeamEntry struct {
	Canonical    string   // full canonical name, e.g. "Los Angeles Lakers"
	Abbreviation string   // e.g. "LAL"
	Aliases      []string // other names providers use, e.g. "LA Lakers"
}

// Normalizer resolves provider participant names to canonical names.
type Normalizer struct {
	byName   map[string]string // normalized alias/name -> canonical
	byAbbrev map[string]string // lowercase abbreviation -> canonical
}

// NewNormalizer builds a normalizer from a canonicalization table.
func NewNormalizer(table []TeamEntry) *Normalizer {
	n := &Normalizer{
		byName:   make(map[string]string),
		byAbbrev: make(map[string]string),
	}
	for _, e := range table {
		canon := e.Canonical
		n.byName[clean(canon)] = canon
		if e.Abbreviation != "" {
			n.byAbbrev[strings.ToLower(e.Abbreviation)] = canon
		}
		for _, a := range e.Aliases {
			n.byName[clean(a)] = canon
		}
	}
	return n
}

// Normalize maps a provider's participant name to its canonical form. Names
// absent from the table fall back to their cleaned form, so two providers
// spelling an unknown team identically still reconcile.
func (n *Normalizer) Normalize(name string) string {
	cleaned := clean(name)
	if canon, ok := n.byName[cleaned]; ok {
		return canon
	}
	if canon, ok := n.byAbbrev[strings.ToLower(strings.TrimSpace(name))]; ok {
		return canon
	}
	// Mascot stripping: drop the trailing word and retry, so "Boston
	// Celtics" still matches a table keyed on "Boston".
	if idx := strings.LastIndex(cleaned, " "); idx > 0 {
		if canon, ok := n.byName[cleaned[:idx]]; ok {
			return canon
		}
	}
	// And the reverse: a table keyed on the full name matched by city only.
	for key, canon := range n.byName {
		if strings.HasPrefix(key, cleaned+" ") {
			return canon
		}
	}
	return cleaned
}

// ParticipantKey returns an order-insensitive key for a participant set,
// used to index canonical events. Home/away order differences between
// providers must not prevent a match.
func (n *Normalizer) ParticipantKey(sport string, participants []string) string {
	normed := make([]string, len(participants))
	for i, p := range participants {
		normed[i] = n.Normalize(p)
	}
	sort.Strings(normed)
	return sport + "|" + strings.Join(normed, "|")
}

// NormalizeAll normalizes a participant list preserving order.
func (n *Normalizer) NormalizeAll(participants []string) []string {
	out := make([]string, len(participants))
	for i, p := range participants {
		out[i] = n.Normalize(p)
	}
	return out
}

// clean lowercases, strips accents and punctuation, and collapses spaces.
func clean(name string) string {
	name = strings.ToLower(name)

	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	name, _, _ = transform.String(t, name)

	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
