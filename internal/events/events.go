// Package events derives visit metadata from the protocol's SoA tables:
// normalized visit names, study weeks, event-group classification and the
// offset/window arithmetic.
package events

import (
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/clindoc/ptdgen/internal/doctree"
	"github.com/clindoc/ptdgen/internal/rules"
)

// ErrNoProcedureTables reports that no table with a procedure header column
// was found, so no visit metadata can be derived.
var ErrNoProcedureTables = errors.New("no procedure tables found")

// VisitInfo is one visit's classification and scheduling metadata.
type VisitInfo struct {
	VisitName   string `json:"visit_name"`
	StudyWeek   *int   `json:"study_week"` // nil when the week cell was unparseable
	EventGroup  string `json:"event_group"`
	OffsetDays  int    `json:"offset_days"`
	OffsetType  string `json:"offset_type"`
	WindowEarly int    `json:"window_early"`
	WindowLate  int    `json:"window_late"`
}

// Grouper extracts VisitInfo rows from a protocol tree.
type Grouper struct {
	rules  rules.EventRules
	logger *log.Logger

	normRe *regexp.Regexp
	extRe  *regexp.Regexp
	weekRe *regexp.Regexp
}

// NewGrouper compiles the event rule set.
func NewGrouper(r rules.EventRules, logger *log.Logger) (*Grouper, error) {
	g := &Grouper{
		rules:  r,
		logger: logger,
		weekRe: regexp.MustCompile(`-?\d+`),
	}
	var err error
	if g.normRe, err = regexp.Compile(r.NormalizationPattern); err != nil {
		return nil, fmt.Errorf("compile visit normalization pattern: %w", err)
	}
	if g.extRe, err = regexp.Compile(`(?i)` + r.ExtensionPattern); err != nil {
		return nil, fmt.Errorf("compile extension pattern: %w", err)
	}
	return g, nil
}

// Normalize canonicalizes a visit token. A single-letter suffix is dropped
// to the base code; a multi-letter suffix marks the token as not a real
// visit. Tokens on the special-case allowlist bypass normalization.
func (g *Grouper) Normalize(v string) (string, bool) {
	v = strings.TrimSpace(v)
	m := g.normRe.FindStringSubmatch(v)
	if m == nil {
		upper := strings.ToUpper(v)
		if g.isSpecialCase(upper) {
			return upper, true
		}
		return "", false
	}
	base, suffix := m[1], m[2]
	if g.isSpecialCase(strings.ToUpper(base)) {
		return strings.ToUpper(base), true
	}
	if suffix != "" {
		if len(suffix) == g.rules.KeepSuffixLength {
			return base, true
		}
		return "", false
	}
	return base, true
}

func (g *Grouper) isSpecialCase(upper string) bool {
	for _, s := range g.rules.SpecialCases {
		if upper == s {
			return true
		}
	}
	return false
}

// soaTables finds tables whose first column contains a procedure keyword.
func (g *Grouper) soaTables(root *doctree.Node) []*doctree.Node {
	var tables []*doctree.Node
	root.Walk(func(n *doctree.Node) {
		if !strings.HasPrefix(n.Name, "Table") {
			return
		}
		for _, row := range n.Children {
			if len(row.Children) == 0 {
				continue
			}
			for _, p := range row.Children[0].Children {
				if p.Text == "" {
					continue
				}
				for _, kw := range g.rules.SoAKeywords {
					if strings.Contains(p.Text, kw) {
						tables = append(tables, n)
						return
					}
				}
			}
		}
	})
	return tables
}

func containsAnyFold(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// extractVisitsAndWeeks collects the visit-name row and study-week row of
// each table as two parallel lists, truncated to equal length.
func (g *Grouper) extractVisitsAndWeeks(tables []*doctree.Node) ([]string, []*int) {
	var names []string
	var weeks []*int

	for _, table := range tables {
		for _, row := range table.Children {
			if len(row.Children) == 0 {
				continue
			}
			first := row.Children[0]
			firstText := ""
			if len(first.Children) > 0 {
				firstText = strings.TrimSpace(first.Children[0].Text)
			}

			switch {
			case containsAnyFold(firstText, g.rules.VisitShortNameKeywords):
				for _, cell := range row.Children[1:] {
					for _, p := range cell.Children {
						if norm, ok := g.Normalize(p.Text); ok {
							names = append(names, norm)
						}
					}
				}
			case containsAnyFold(firstText, g.rules.StudyWeekKeywords):
				for _, cell := range row.Children[1:] {
					for _, p := range cell.Children {
						weeks = append(weeks, g.parseWeek(p.Text))
					}
				}
			}
		}
	}

	if len(names) > len(weeks) {
		names = names[:len(weeks)]
	} else if len(weeks) > len(names) {
		weeks = weeks[:len(names)]
	}
	return names, weeks
}

// parseWeek reads the first signed integer run in a cell, nil otherwise.
func (g *Grouper) parseWeek(text string) *int {
	m := g.weekRe.FindString(text)
	if m == "" {
		return nil
	}
	week, err := strconv.Atoi(m)
	if err != nil {
		return nil
	}
	return &week
}

// ExtensionWeek finds the study week at which the extension phase begins.
// The boolean is false when the protocol defines no extension, in which case
// no visit is ever classified Extension.
func (g *Grouper) ExtensionWeek(root *doctree.Node) (int, bool) {
	marker := strings.ToLower(g.rules.ExtensionSection)
	var section *doctree.Node
	root.Walk(func(n *doctree.Node) {
		if section == nil && strings.Contains(strings.ToLower(n.Text), marker) {
			section = n
		}
	})
	if section == nil {
		g.logger.Printf("no %q section found, treating extension start as infinite", g.rules.ExtensionSection)
		return 0, false
	}
	if m := g.extRe.FindStringSubmatch(section.FlatText()); m != nil {
		week, err := strconv.Atoi(m[1])
		if err == nil {
			g.logger.Printf("extension phase starts at week %d", week)
			return week, true
		}
	}
	g.logger.Printf("no extension week in %q section, treating extension start as infinite", g.rules.ExtensionSection)
	return 0, false
}

// eventGroup classifies one visit: explicit name mappings win, then the
// week-based extension split.
func (g *Grouper) eventGroup(name string, week *int, extWeek int, hasExt bool) string {
	for _, rule := range g.rules.EventGroups {
		for _, v := range rule.VisitNames {
			if name == v {
				return rule.GroupName
			}
		}
	}
	if hasExt && week != nil && *week >= extWeek {
		return "Extension"
	}
	return "Main Study"
}

// Extract returns one VisitInfo per distinct normalized visit, in first
// occurrence order.
func (g *Grouper) Extract(root *doctree.Node) ([]VisitInfo, error) {
	tables := g.soaTables(root)
	if len(tables) == 0 {
		return nil, ErrNoProcedureTables
	}

	names, weeks := g.extractVisitsAndWeeks(tables)
	extWeek, hasExt := g.ExtensionWeek(root)

	seen := make(map[string]struct{}, len(names))
	var visits []VisitInfo
	for i, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		info := VisitInfo{
			VisitName:  name,
			StudyWeek:  weeks[i],
			EventGroup: g.eventGroup(name, weeks[i], extWeek, hasExt),
			OffsetType: g.rules.OtherVisitOffsetType,
		}
		if len(visits) == 0 {
			info.OffsetType = g.rules.FirstVisitOffsetType
		}
		if weeks[i] != nil {
			info.OffsetDays = *weeks[i] * 7
			info.WindowEarly = info.OffsetDays + g.rules.EarlyWindowDays
			info.WindowLate = info.OffsetDays + g.rules.LateWindowDays
		}
		visits = append(visits, info)
	}

	g.logger.Printf("extracted %d visits from %d procedure tables", len(visits), len(tables))
	return visits, nil
}
