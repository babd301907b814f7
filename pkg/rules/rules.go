// Package rules turns firehose commits into labeling decisions. Rules are pure
// predicates over a decoded record; the engine decides which commits are worth
// evaluating and collects every rule that matches.
package rules

import (
	"slices"
	"strings"

	"jetstream-labeler/internal/config"
	"jetstream-labeler/internal/models"
)

// Rule is a content predicate. Matches must not have side effects.
type Rule interface {
	Name() string
	Matches(record models.Record) bool
}

// Labeled is implemented by rules whose label differs from their name, or
// that also label the parent of a matching reply.
type Labeled interface {
	Label() string
	ParentLabel() string
}

// TagRule matches a record by its tags or by markers in its text. Matching is
// case-insensitive. Tags match exactly unless Contains is set, in which case
// any tag containing one of Tags matches.
type TagRule struct {
	RuleName    string
	LabelValue  string
	ParentValue string
	Tags        []string
	Contains    bool
	Markers     []string
	// Collections limits the rule to these record types. Empty means posts.
	Collections []string
}

func (r *TagRule) Name() string { return r.RuleName }

func (r *TagRule) Label() string {
	if r.LabelValue == "" {
		return r.RuleName
	}
	return r.LabelValue
}

func (r *TagRule) ParentLabel() string { return r.ParentValue }

func (r *TagRule) Matches(record models.Record) bool {
	if record == nil || !r.applies(record.Collection()) {
		return false
	}

	for _, tag := range record.Tags() {
		tag = strings.ToLower(tag)
		for _, want := range r.Tags {
			want = strings.ToLower(want)
			if tag == want || (r.Contains && strings.Contains(tag, want)) {
				return true
			}
		}
	}

	text := strings.ToLower(record.Text())
	for _, marker := range r.Markers {
		if marker != "" && strings.Contains(text, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

func (r *TagRule) applies(collection string) bool {
	if len(r.Collections) == 0 {
		return collection == models.CollectionPost
	}
	return slices.Contains(r.Collections, collection)
}

// FromConfig builds the enabled built-in rules in a fixed order.
func FromConfig(cfg config.RulesConfig) []Rule {
	var out []Rule
	for _, rc := range []struct {
		name string
		cfg  config.RuleConfig
	}{
		{"spoiler", cfg.Spoiler},
		{"ai", cfg.AI},
	} {
		if rc.cfg.Disabled {
			continue
		}
		out = append(out, &TagRule{
			RuleName:    rc.name,
			LabelValue:  rc.cfg.Label,
			ParentValue: rc.cfg.ParentLabel,
			Tags:        rc.cfg.Tags,
			Contains:    rc.cfg.TagMatch == "contains",
			Markers:     rc.cfg.Markers,
		})
	}
	return out
}
