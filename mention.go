package agentworld

import (
	"regexp"
	"strings"
)

// Mention parsing. A mention is an @name token; only mentions at paragraph
// beginnings (start of string or start of line, after optional leading
// whitespace) are significant for routing. All functions are
// case-insensitive on names and idempotent.

var (
	mentionRe     = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)
	paraMentionRe = regexp.MustCompile(`^([ \t]*)@([A-Za-z0-9_-]+)([ \t]*)`)
)

// ExtractMentions returns every mentioned name in text, lowercased, in
// first-occurrence order, without duplicates.
func ExtractMentions(text string) []string {
	matches := mentionRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		name := strings.ToLower(m[1])
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// ExtractParagraphBeginningMentions returns the names mentioned at the
// start of any line, lowercased, deduplicated. Only the first mention of a
// line qualifies; "@a @b hi" yields just "a".
func ExtractParagraphBeginningMentions(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, line := range strings.Split(text, "\n") {
		m := paraMentionRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := strings.ToLower(m[2])
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// HasAnyMentionAtBeginning reports whether any line of text opens with a
// mention.
func HasAnyMentionAtBeginning(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		if paraMentionRe.MatchString(line) {
			return true
		}
	}
	return false
}

// AddAutoMention prepends "@target " unless some line already opens with a
// mention. Used to keep agent-to-agent replies addressed; idempotent.
func AddAutoMention(text, target string) string {
	if target == "" {
		return text
	}
	if HasAnyMentionAtBeginning(text) {
		return text
	}
	return "@" + target + " " + text
}

// RemoveSelfMentions strips mentions of agentID from the beginning of each
// line, repeating while the line still opens with one. Mid-line
// self-references are preserved. Leading whitespace survives the strip.
func RemoveSelfMentions(text, agentID string) string {
	if agentID == "" {
		return text
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		for {
			m := paraMentionRe.FindStringSubmatch(line)
			if m == nil || !strings.EqualFold(m[2], agentID) {
				break
			}
			line = m[1] + line[len(m[0]):]
		}
		lines[i] = line
	}
	return strings.Join(lines, "\n")
}
