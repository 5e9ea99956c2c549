package reconcile

import "testing"

func nbaTable() []TeamEntry {
	return []TeamEntry{
		{Canonical: "Los Angeles Lakers", Abbreviation: "LAL", Aliases: []string{"LA Lakers", "L.A. Lakers"}},
		{Canonical: "Boston Celtics", Abbreviation: "BOS", Aliases: []string{"Celtics"}},
		{Canonical: "Golden State Warriors", Abbreviation: "GSW", Aliases: []string{"GS Warriors"}},
	}
}

func TestNormalize(t *testing.T) {
	n := NewNormalizer(nbaTable())

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "exact canonical", in: "Los Angeles Lakers", want: "Los Angeles Lakers"},
		{name: "casing", in: "los angeles LAKERS", want: "Los Angeles Lakers"},
		{name: "alias", in: "LA Lakers", want: "Los Angeles Lakers"},
		{name: "alias with punctuation", in: "L.A. Lakers", want: "Los Angeles Lakers"},
		{name: "abbreviation", in: "LAL", want: "Los Angeles Lakers"},
		{name: "mascot-only alias", in: "Celtics", want: "Boston Celtics"},
		{name: "unknown name falls back to cleaned form", in: "Springfield Atoms", want: "springfield atoms"},
		{name: "accents stripped", in: "Bóston Celtics", want: "Boston Celtics"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := n.Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParticipantKeyOrderInsensitive(t *testing.T) {
	n := NewNormalizer(nbaTable())

	a := n.ParticipantKey("basketball_nba", []string{"Los Angeles Lakers", "Boston Celtics"})
	b := n.ParticipantKey("basketball_nba", []string{"Celtics", "LA Lakers"})
	if a != b {
		t.Errorf("keys differ for same matchup: %q vs %q", a, b)
	}

	c := n.ParticipantKey("basketball_nba", []string{"Golden State Warriors", "Boston Celtics"})
	if a == c {
		t.Error("different matchups produced the same key")
	}

	d := n.ParticipantKey("hockey_nhl", []string{"Los Angeles Lakers", "Boston Celtics"})
	if a == d {
		t.Error("same participants in different sports must not collide")
	}
}
