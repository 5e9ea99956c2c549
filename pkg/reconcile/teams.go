package reconcile

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// LoadTeams reads a canonicalization table from a YAML file shaped as:
//
//	teams:
//	  - canonical: Los Angeles Lakers
//	    abbreviation: LAL
//	    aliases: [LA Lakers]
func LoadTeams(path string) ([]TeamEntry, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load teams file: %w", err)
	}

	var raw struct {
		Teams []struct {
			Canonical    string   `koanf:"canonical"`
			Abbreviation string   `koanf:"abbreviation"`
			Aliases      []string `koanf:"aliases"`
		} `koanf:"teams"`
	}
	if err := k.UnmarshalWithConf("", &raw, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("parse teams file: %w", err)
	}

	out := make([]TeamEntry, 0, len(raw.Teams))
	for i, t := range raw.Teams {
		if t.Canonical == "" {
			return nil, fmt.Errorf("teams[%d]: canonical must not be empty", i)
		}
		out = append(out, TeamEntry{
			Canonical:    t.Canonical,
			Abbreviation: t.Abbreviation,
			Aliases:      t.Aliases,
		})
	}
	return out, nil
}

// DefaultTeams returns the built-in NBA canonicalization table, used when no
// teams file is configured. Unknown names still reconcile via the cleaned-name
// fallback; the table only improves cross-provider matching.
func DefaultTeams() []TeamEntry {
	return []TeamEntry{
		{Canonical: "Atlanta Hawks", Abbreviation: "ATL", Aliases: []string{"Hawks"}},
		{Canonical: "Boston Celtics", Abbreviation: "BOS", Aliases: []string{"Celtics"}},
		{Canonical: "Brooklyn Nets", Abbreviation: "BKN", Aliases: []string{"Nets"}},
		{Canonical: "Charlotte Hornets", Abbreviation: "CHA", Aliases: []string{"Hornets"}},
		{Canonical: "Chicago Bulls", Abbreviation: "CHI", Aliases: []string{"Bulls"}},
		{Canonical: "Cleveland Cavaliers", Abbreviation: "CLE", Aliases: []string{"Cavaliers", "Cavs"}},
		{Canonical: "Dallas Mavericks", Abbreviation: "DAL", Aliases: []string{"Mavericks", "Mavs"}},
		{Canonical: "Denver Nuggets", Abbreviation: "DEN", Aliases: []string{"Nuggets"}},
		{Canonical: "Detroit Pistons", Abbreviation: "DET", Aliases: []string{"Pistons"}},
		{Canonical: "Golden State Warriors", Abbreviation: "GSW", Aliases: []string{"Warriors", "GS Warriors"}},
		{Canonical: "Houston Rockets", Abbreviation: "HOU", Aliases: []string{"Rockets"}},
		{Canonical: "Indiana Pacers", Abbreviation: "IND", Aliases: []string{"Pacers"}},
		{Canonical: "Los Angeles Clippers", Abbreviation: "LAC", Aliases: []string{"LA Clippers", "Clippers"}},
		{Canonical: "Los Angeles Lakers", Abbreviation: "LAL", Aliases: []string{"LA Lakers", "Lakers"}},
		{Canonical: "Memphis Grizzlies", Abbreviation: "MEM", Aliases: []string{"Grizzlies"}},
		{Canonical: "Miami Heat", Abbreviation: "MIA", Aliases: []string{"Heat"}},
		{Canonical: "Milwaukee Bucks", Abbreviation: "MIL", Aliases: []string{"Bucks"}},
		{Canonical: "Minnesota Timberwolves", Abbreviation: "MIN", Aliases: []string{"Timberwolves", "Wolves"}},
		{Canonical: "New Orleans Pelicans", Abbreviation: "NOP", Aliases: []string{"Pelicans"}},
		{Canonical: "New York Knicks", Abbreviation: "NYK", Aliases: []string{"NY Knicks", "Knicks"}},
		{Canonical: "Oklahoma City Thunder", Abbreviation: "OKC", Aliases: []string{"Thunder"}},
		{Canonical: "Orlando Magic", Abbreviation: "ORL", Aliases: []string{"Magic"}},
		{Canonical: "Philadelphia 76ers", Abbreviation: "PHI", Aliases: []string{"76ers", "Sixers"}},
		{Canonical: "Phoenix Suns", Abbreviation: "PHX", Aliases: []string{"Suns"}},
		{Canonical: "Portland Trail Blazers", Abbreviation: "POR", Aliases: []string{"Trail Blazers", "Blazers"}},
		{Canonical: "Sacramento Kings", Abbreviation: "SAC", Aliases: []string{"Kings"}},
		{Canonical: "San Antonio Spurs", Abbreviation: "SAS", Aliases: []string{"Spurs"}},
		{Canonical: "Toronto Raptors", Abbreviation: "TOR", Aliases: []string{"Raptors"}},
		{Canonical: "Utah Jazz", Abbreviation: "UTA", Aliases: []string{"Jazz"}},
		{Canonical: "Washington Wizards", Abbreviation: "WAS", Aliases: []string{"Wizards"}},
	}
}
