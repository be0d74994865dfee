// Package compose turns normalized records into delivery-ready payloads:
// a bounded thread title, a body split across the platform's message-size
// limit, and link-action rows for websites and uploaded offers.
package compose

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"formrelay/internal/types"
)

const (
	// titleMaxRunes is the platform's thread title limit.
	titleMaxRunes = 100

	// costMaxRunes bounds the cost fragment appended to the title.
	costMaxRunes = 20

	// unknownProject is the title fallback when no field label matches a
	// project-name hint.
	unknownProject = "Unknown Project"

	// ellipsis marks title truncation.
	ellipsis = "…"

	// continuationNotice is appended to the initial body when sections
	// overflow into follow-up messages. The segmentation budget reserves
	// room for it.
	continuationNotice = "\n\n*(full response continues below)*"
)

// defaultWebsiteHints identify fields rendered as a website link action
// instead of body text.
var defaultWebsiteHints = []string{"website", "homepage"}

// Config tunes the composition heuristics. Hint matching is always
// case-insensitive substring matching against field labels.
type Config struct {
	ProjectHints     []string
	CostHints        []string
	AuditHints       []string
	WebsiteHints     []string
	MessageCharLimit int
	ExplorerBaseURL  string
	Logger           *slog.Logger
}

// Composer builds MessagePayloads. Composition never fails: a field that
// cannot be formatted is logged and skipped rather than aborting the
// payload.
type Composer struct {
	projectHints []string
	costHints    []string
	auditHints   []string
	websiteHints []string
	charLimit    int
	linkifier    *Linkifier
	logger       *slog.Logger
}

// New creates a Composer.
func New(cfg Config) *Composer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	websiteHints := cfg.WebsiteHints
	if len(websiteHints) == 0 {
		websiteHints = defaultWebsiteHints
	}
	return &Composer{
		projectHints: cfg.ProjectHints,
		costHints:    cfg.CostHints,
		auditHints:   cfg.AuditHints,
		websiteHints: websiteHints,
		charLimit:    cfg.MessageCharLimit,
		linkifier:    NewLinkifier(cfg.ExplorerBaseURL),
		logger:       logger,
	}
}

// Compose builds the payload for one record and destination.
func (c *Composer) Compose(rec types.NormalizedRecord, dest types.DestinationMapping) types.MessagePayload {
	payload := types.MessagePayload{
		Title: c.buildTitle(rec),
	}

	sections, navActions, winningOffers, otherOffers := c.buildParts(rec)

	// Navigation row: website first, then the external reference.
	if dest.ReferenceURL != "" {
		navActions = append(navActions, types.ActionLink{Label: "Review Board", URL: dest.ReferenceURL})
	}
	if len(navActions) > 0 {
		payload.ActionGroups = append(payload.ActionGroups, navActions)
	}

	// Offer rows: winning offers first, then the rest, five per row.
	offers := append(winningOffers, otherOffers...)
	for start := 0; start < len(offers); start += 5 {
		payload.ActionGroups = append(payload.ActionGroups, offers[start:min(start+5, len(offers))])
	}

	payload.InitialBody, payload.OverflowSegments = c.segment(sections)
	return payload
}

// buildTitle renders "{date} - {project}[ - {cost}]", truncated to the
// platform's title limit.
func (c *Composer) buildTitle(rec types.NormalizedRecord) string {
	project := unknownProject
	if field, ok := firstTextMatch(rec.Fields, c.projectHints); ok && field.Value.Text != "" {
		project = field.Value.Text
	}

	title := fmt.Sprintf("%s - %s", rec.SubmittedDate, project)

	// The cost fragment is suppressed entirely for audit-context records.
	if !anyLabelMatches(rec.Fields, c.auditHints) {
		if field, ok := firstTextMatch(rec.Fields, c.costHints); ok && field.Value.Text != "" {
			title += " - " + truncateAtBoundary(field.Value.Text, costMaxRunes)
		}
	}

	return truncateRunes(title, titleMaxRunes)
}

// buildParts walks the record's fields once, splitting them into body
// sections and the three action buckets. Fields are reordered so labels
// containing "name" come first (stable otherwise); project-name fields are
// excluded because they already went into the title.
func (c *Composer) buildParts(rec types.NormalizedRecord) (sections []string, nav, winning, other []types.ActionLink) {
	fields := make([]types.Field, len(rec.Fields))
	copy(fields, rec.Fields)
	sort.SliceStable(fields, func(i, j int) bool {
		iName := containsFold(fields[i].Label, "name")
		jName := containsFold(fields[j].Label, "name")
		return iName && !jName
	})

	for _, field := range fields {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("panic formatting field, skipping",
						"record_id", rec.RecordID,
						"label", field.Label,
						"panic", r,
					)
				}
			}()

			switch {
			case labelMatches(field.Label, c.projectHints):
				// Already in the title.

			case field.Value.IsFiles():
				links := fileActions(field.Value.Files)
				if containsFold(field.Label, "winning") {
					winning = append(winning, links...)
				} else {
					other = append(other, links...)
				}

			case labelMatches(field.Label, c.websiteHints):
				if field.Value.Text != "" {
					nav = append(nav, types.ActionLink{Label: "Website", URL: normalizeURL(field.Value.Text)})
				}

			default:
				sections = append(sections,
					fmt.Sprintf("## %s\n%s\n\n", field.Label, c.linkifier.Linkify(field.Value.Text)))
			}
		}()
	}

	return sections, nav, winning, other
}

// segment splits the body sections across the message-size limit: sections
// pack greedily into the initial body up to the limit minus the
// continuation notice, and the remainder packs, in order, into follow-up
// segments each bounded by the full limit. A single section longer than
// the budget is hard-split first so no chunk can exceed it.
func (c *Composer) segment(sections []string) (string, []string) {
	budget := c.charLimit - utf8.RuneCountInString(continuationNotice)

	var chunks []string
	for _, section := range sections {
		chunks = append(chunks, splitRunes(section, budget)...)
	}

	var initial strings.Builder
	used := 0
	rest := chunks
	for len(rest) > 0 {
		n := utf8.RuneCountInString(rest[0])
		if used+n > budget {
			break
		}
		initial.WriteString(rest[0])
		used += n
		rest = rest[1:]
	}

	var overflow []string
	var current strings.Builder
	currentLen := 0
	for _, chunk := range rest {
		n := utf8.RuneCountInString(chunk)
		if currentLen > 0 && currentLen+n > c.charLimit {
			overflow = append(overflow, current.String())
			current.Reset()
			currentLen = 0
		}
		current.WriteString(chunk)
		currentLen += n
	}
	if currentLen > 0 {
		overflow = append(overflow, current.String())
	}

	body := initial.String()
	if len(overflow) > 0 {
		body += continuationNotice
	}
	return body, overflow
}

// fileActions turns a file map into link actions, sorted by display name
// so action order is deterministic.
func fileActions(files map[string]string) []types.ActionLink {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	links := make([]types.ActionLink, 0, len(names))
	for _, name := range names {
		links = append(links, types.ActionLink{Label: name, URL: files[name]})
	}
	return links
}

// firstTextMatch returns the first text-valued field whose label matches
// any hint.
func firstTextMatch(fields []types.Field, hints []string) (types.Field, bool) {
	for _, field := range fields {
		if !field.Value.IsFiles() && labelMatches(field.Label, hints) {
			return field, true
		}
	}
	return types.Field{}, false
}

// anyLabelMatches reports whether any field label matches any hint.
func anyLabelMatches(fields []types.Field, hints []string) bool {
	for _, field := range fields {
		if labelMatches(field.Label, hints) {
			return true
		}
	}
	return false
}

func labelMatches(label string, hints []string) bool {
	for _, hint := range hints {
		if containsFold(label, hint) {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// normalizeURL prefixes https:// when the value lacks a scheme.
func normalizeURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return trimmed
	}
	return "https://" + trimmed
}

// truncateRunes cuts s to at most max runes, replacing the tail with an
// ellipsis so the result is exactly max runes when truncation occurs.
func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + ellipsis
}

// truncateAtBoundary cuts s to at most max runes, preferring the last
// whitespace/comma/period boundary at or before the cut, and hard-cutting
// when no boundary exists.
func truncateAtBoundary(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}

	cut := -1
	for i := 0; i < max; i++ {
		switch runes[i] {
		case ' ', '\t', ',', '.':
			cut = i
		}
	}
	if cut > 0 {
		return strings.TrimRight(string(runes[:cut]), " \t,.")
	}
	return string(runes[:max])
}

// splitRunes splits s into chunks of at most max runes. Most sections fit
// in one chunk; only pathological single fields are split mid-text.
func splitRunes(s string, max int) []string {
	if utf8.RuneCountInString(s) <= max {
		return []string{s}
	}
	runes := []rune(s)
	var out []string
	for start := 0; start < len(runes); start += max {
		out = append(out, string(runes[start:min(start+max, len(runes))]))
	}
	return out
}
