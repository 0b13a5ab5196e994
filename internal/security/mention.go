package security

import (
	"fmt"
	"regexp"
	"strings"
)

// MentionMatcher holds the configured mention patterns, compiled once at
// startup. A nil *MentionMatcher matches nothing.
type MentionMatcher struct {
	patterns []*regexp.Regexp
}

// NewMentionMatcher compiles patterns with BuildPatterns. It returns nil
// (identity-only matching) when no patterns are configured.
func NewMentionMatcher(patterns []string) (*MentionMatcher, error) {
	compiled, err := BuildPatterns(patterns)
	if err != nil {
		return nil, err
	}
	if len(compiled) == 0 {
		return nil, nil
	}
	return &MentionMatcher{patterns: compiled}, nil
}

// Matches reports whether text matches any configured pattern.
func (m *MentionMatcher) Matches(text string) bool {
	if m == nil {
		return false
	}
	return MatchesAny(text, m.patterns)
}

// BuildPatterns compiles mention patterns case-insensitively. Entries without
// regex metacharacters are matched as literal substrings.
func BuildPatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		expr := p
		if !isRegex(p) {
			expr = regexp.QuoteMeta(p)
		}
		re, err := regexp.Compile(`(?i)` + expr)
		if err != nil {
			return nil, fmt.Errorf("mention pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// MatchesAny reports whether text matches at least one pattern.
func MatchesAny(text string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func isRegex(s string) bool {
	return strings.ContainsAny(s, `()[]{}|^$.*+?\`)
}

// SelfMentionPattern matches the user mention tokens <@id> and <@!id>
// together with the whitespace around them.
func SelfMentionPattern(selfID string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\s*<@!?` + regexp.QuoteMeta(selfID) + `>\s*`)
}

// MentionsSelf reports whether text mentions the bot user. An unknown
// identity never matches.
func MentionsSelf(text, selfID string) bool {
	if selfID == "" {
		return false
	}
	return strings.Contains(text, "<@"+selfID+">") || strings.Contains(text, "<@!"+selfID+">")
}

// StripSelfMention removes every mention of the bot from text, collapsing the
// whitespace it leaves behind, and trims the result.
func StripSelfMention(text, selfID string) string {
	if selfID == "" {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(SelfMentionPattern(selfID).ReplaceAllString(text, " "))
}
