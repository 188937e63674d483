// Package forms extracts data-collection form records from an eCRF document
// tree: form names and labels, visit references, dynamic-trigger sentences,
// source classification and the required flag.
package forms

import (
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/clindoc/ptdgen/internal/doctree"
	"github.com/clindoc/ptdgen/internal/rules"
)

// ErrNoForms reports that a document yielded zero form records, which means
// the input does not look like an eCRF at all.
var ErrNoForms = errors.New("no forms found in document")

// Source classifies where a form definition comes from.
type Source string

const (
	SourceLibrary        Source = "Library"
	SourceNew            Source = "New"
	SourceReferenceStudy Source = "Ref. Study"
)

// Record is one detected form. Uniqueness key is (Label, Name, joined Visits).
type Record struct {
	Label             string   `json:"form_label"`
	Name              string   `json:"form_name"`
	Source            Source   `json:"source"`
	Visits            []string `json:"visits"`
	HasDynamicTrigger bool     `json:"has_dynamic_trigger"`
	TriggerText       string   `json:"trigger_text"`
	Required          bool     `json:"required"`

	Node *doctree.Node `json:"-"`
}

// VisitsJoined returns the canonical comma-joined visit string.
func (r Record) VisitsJoined() string {
	return strings.Join(r.Visits, ", ")
}

// Extractor finds form records in a document tree. Safe for reuse across
// documents; all pattern compilation happens once in NewExtractor.
type Extractor struct {
	rules  rules.FormRules
	logger *log.Logger

	visitRes       []*regexp.Regexp
	triggerRes     []*regexp.Regexp
	ignoreRes      []*regexp.Regexp
	nameRe         *regexp.Regexp
	badBracketRes  []*regexp.Regexp
	repeatExclRes  []*regexp.Regexp
	labelExclRes   []*regexp.Regexp
	refRes         []*regexp.Regexp
	newRes         []*regexp.Regexp
	libRes         []*regexp.Regexp
	legendRe       *regexp.Regexp
	sectionIdxRe   *regexp.Regexp
	digitsRe       *regexp.Regexp
	baseNameRe     *regexp.Regexp
	capsNameRe     *regexp.Regexp
	whitespaceRe   *regexp.Regexp
	domains        map[string]struct{}
}

// NewExtractor compiles the rule set. Invalid user-supplied patterns are a
// hard error so a bad rules file is caught at startup, not mid-run.
func NewExtractor(r rules.FormRules, logger *log.Logger) (*Extractor, error) {
	e := &Extractor{
		rules:        r,
		logger:       logger,
		sectionIdxRe: regexp.MustCompile(`\[(\d+)\]`),
		digitsRe:     regexp.MustCompile(`\d+`),
		baseNameRe:   regexp.MustCompile(`^([A-Z][A-Z_]*?)(?:_\d+|_[A-Z]+|\d+)?(?:\s|$)`),
		capsNameRe:   regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`),
		whitespaceRe: regexp.MustCompile(`\s+`),
		domains:      make(map[string]struct{}, len(r.Source.StandardDomains)),
	}
	for _, d := range r.Source.StandardDomains {
		e.domains[d] = struct{}{}
	}

	var err error
	if e.nameRe, err = regexp.Compile(`(?i)(?:` + r.ValidBrackets + `|` + r.ValidRepeating + `)`); err != nil {
		return nil, fmt.Errorf("compile form name pattern: %w", err)
	}
	if e.legendRe, err = regexp.Compile(`(?i)` + r.RequiredLegendPattern); err != nil {
		return nil, fmt.Errorf("compile required legend pattern: %w", err)
	}
	for _, set := range []struct {
		dst      *[]*regexp.Regexp
		patterns []string
		name     string
	}{
		{&e.visitRes, r.VisitPatterns, "visit"},
		{&e.triggerRes, r.TriggerPatterns, "trigger"},
		{&e.ignoreRes, r.IgnorePatterns, "ignore"},
		{&e.badBracketRes, r.InvalidBracketPatterns, "invalid bracket"},
		{&e.repeatExclRes, r.RepeatingExclusions, "repeating exclusion"},
		{&e.labelExclRes, r.InvalidLabelPatterns, "invalid label"},
		{&e.refRes, r.Source.ReferenceStudyIndicators, "reference study"},
		{&e.newRes, r.Source.NewIndicators, "new form"},
		{&e.libRes, r.Source.LibraryIndicators, "library"},
	} {
		for _, p := range set.patterns {
			re, err := regexp.Compile(`(?i)` + p)
			if err != nil {
				return nil, fmt.Errorf("compile %s pattern %q: %w", set.name, p, err)
			}
			*set.dst = append(*set.dst, re)
		}
	}
	return e, nil
}

// matchesPrefix reports whether re matches at the very start of s, the way a
// leading-anchor match would.
func matchesPrefix(re *regexp.Regexp, s string) bool {
	loc := re.FindStringIndex(s)
	return loc != nil && loc[0] == 0
}

// isUpperCode mirrors the "all cased characters uppercase, at least one cased
// character" rule used to accept bracketed form codes.
func isUpperCode(s string) bool {
	hasCased := false
	for _, r := range s {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsUpper(r) {
			hasCased = true
		}
	}
	return hasCased
}

// IsValidFormName reports whether text identifies a form: a bracketed
// uppercase code, or a (non-)repeating phrase of plausible length that is not
// known boilerplate.
func (e *Extractor) IsValidFormName(text string) bool {
	if text == "" {
		return false
	}
	m := e.nameRe.FindStringSubmatch(text)
	if m == nil {
		return false
	}
	if m[1] != "" {
		code := m[1]
		if !isUpperCode(code) {
			return false
		}
		for _, re := range e.badBracketRes {
			if matchesPrefix(re, code) {
				return false
			}
		}
		return true
	}
	if n := utf8.RuneCountInString(text); n < 10 || n > 80 {
		return false
	}
	for _, re := range e.repeatExclRes {
		if matchesPrefix(re, text) {
			return false
		}
	}
	return true
}

// IsValidFormLabel reports whether text is usable as a form label.
func (e *Extractor) IsValidFormLabel(text string) bool {
	n := utf8.RuneCountInString(text)
	if text == "" || n < 3 || n > 100 {
		return false
	}
	for _, re := range e.labelExclRes {
		if matchesPrefix(re, text) {
			return false
		}
	}
	return true
}

// extractVisits collects every visit-pattern match in text.
func (e *Extractor) extractVisits(text string, into map[string]struct{}) {
	for _, re := range e.visitRes {
		for _, m := range re.FindAllString(text, -1) {
			into[m] = struct{}{}
		}
	}
}

func (e *Extractor) deepSearchVisits(n *doctree.Node) map[string]struct{} {
	visits := make(map[string]struct{})
	n.Walk(func(c *doctree.Node) {
		e.extractVisits(strings.TrimSpace(c.Text), visits)
	})
	return visits
}

// TriggerFromText returns the cleaned trigger sentence if text qualifies:
// at least four words, matching one of the trigger patterns, collapsed
// whitespace and truncated to 300 characters.
func (e *Extractor) TriggerFromText(text string) (string, bool) {
	if text == "" || len(strings.Fields(text)) < 4 {
		return "", false
	}
	for _, re := range e.triggerRes {
		if re.MatchString(text) {
			trigger := e.whitespaceRe.ReplaceAllString(strings.TrimSpace(text), " ")
			if runes := []rune(trigger); len(runes) > 300 {
				trigger = string(runes[:297]) + "..."
			}
			return trigger, true
		}
	}
	return "", false
}

// deepSearchTriggers collects trigger sentences under n, pre-order, bounded
// by maxDepth.
func (e *Extractor) deepSearchTriggers(n *doctree.Node, maxDepth int) []string {
	var triggers []string
	n.WalkDepth(maxDepth, func(c *doctree.Node, _ int) {
		if t, ok := e.TriggerFromText(strings.TrimSpace(c.Text)); ok {
			triggers = append(triggers, t)
		}
	})
	return triggers
}

// contextText concatenates the first ~20 non-trivial text fragments under n,
// each truncated to 200 characters. Used only as fuzzy context for source
// classification.
func (e *Extractor) contextText(n *doctree.Node) string {
	var parts []string
	n.Walk(func(c *doctree.Node) {
		if len(parts) > 20 {
			return
		}
		t := strings.TrimSpace(c.Text)
		if utf8.RuneCountInString(t) > 10 {
			if runes := []rune(t); len(runes) > 200 {
				t = string(runes[:200])
			}
			parts = append(parts, t)
		}
	})
	return strings.Join(parts, " ")
}

// sectionIndex extracts the first bracketed occurrence index from a node
// path, the coordinate used for legend-to-form distance.
func (e *Extractor) sectionIndex(path string) int {
	m := e.sectionIdxRe.FindStringSubmatch(path)
	if m == nil {
		return 0
	}
	idx, _ := strconv.Atoi(m[1])
	return idx
}

// requiredFormTexts scans the whole document for "Key: [*] = Item is
// required" legends and maps each to the nearest form-looking node by
// path-index distance. A strict less-than comparison keeps the first node in
// document order on ties. The distance cutoff makes this a heuristic; it can
// misattribute legends in documents with irregular section numbering.
func (e *Extractor) requiredFormTexts(root *doctree.Node) map[string]bool {
	type candidate struct {
		text string
		idx  int
	}
	var formish []candidate
	var legends []candidate
	root.Walk(func(n *doctree.Node) {
		text := strings.TrimSpace(n.Text)
		if text == "" {
			return
		}
		if strings.Contains(text, "[") && strings.Contains(text, "]") && utf8.RuneCountInString(text) > 5 {
			formish = append(formish, candidate{text, e.sectionIndex(n.Path)})
		}
		if e.legendRe.MatchString(text) {
			legends = append(legends, candidate{text, e.sectionIndex(n.Path)})
		}
	})

	required := make(map[string]bool)
	for _, legend := range legends {
		best := -1
		bestDist := int(^uint(0) >> 1)
		for i, form := range formish {
			dist := legend.idx - form.idx
			if dist < 0 {
				dist = -dist
			}
			if dist < bestDist {
				bestDist = dist
				best = i
			}
		}
		if best >= 0 && bestDist <= e.rules.MaxLegendDistance {
			required[formish[best].text] = true
		}
	}
	return required
}

// sortVisits orders visit codes by leading numeric value, then lexically.
// Codes without a number sort after all numbered codes.
func (e *Extractor) sortVisits(set map[string]struct{}) []string {
	visits := make([]string, 0, len(set))
	for v := range set {
		visits = append(visits, v)
	}
	key := func(v string) int {
		if m := e.digitsRe.FindString(v); m != "" {
			n, _ := strconv.Atoi(m)
			return n
		}
		return 9999
	}
	sort.Slice(visits, func(i, j int) bool {
		ki, kj := key(visits[i]), key(visits[j])
		if ki != kj {
			return ki < kj
		}
		return visits[i] < visits[j]
	})
	return visits
}

// ClassifySource decides Library / New / Ref. Study for a form. Indicator
// patterns run against the combined lowercased text in priority order, then
// the standard clinical domain table, then the all-caps shape heuristic.
func (e *Extractor) ClassifySource(formName, formText, contextText, documentContext string) Source {
	clean := bracketCharsRe.ReplaceAllString(formName, "")
	clean = strings.TrimSpace(clean)
	if i := strings.Index(clean, "–"); i >= 0 {
		clean = strings.TrimRight(clean[:i], " \t")
	}
	clean = repeatingSuffixRe.ReplaceAllString(clean, "")

	upper := strings.ToUpper(clean)
	base := upper
	if m := e.baseNameRe.FindStringSubmatch(upper); m != nil {
		base = m[1]
	}

	allText := strings.ToLower(formName + " " + formText + " " + contextText + " " + documentContext)
	for _, re := range e.refRes {
		if re.MatchString(allText) {
			return SourceReferenceStudy
		}
	}
	for _, re := range e.newRes {
		if re.MatchString(allText) {
			return SourceNew
		}
	}
	for _, re := range e.libRes {
		if re.MatchString(allText) {
			return SourceLibrary
		}
	}

	if _, ok := e.domains[base]; ok {
		return SourceLibrary
	}
	if e.capsNameRe.MatchString(upper) {
		if utf8.RuneCountInString(base) <= e.rules.Source.MaxLibraryBaseLength {
			return SourceLibrary
		}
		return SourceNew
	}
	return SourceLibrary
}

var (
	bracketCharsRe    = regexp.MustCompile(`[\[\]()]`)
	repeatingSuffixRe = regexp.MustCompile(`\s*-\s*(Non-)?[Rr]epeating.*`)
)

// Extract walks the eCRF tree and returns all form records in document
// order. Returns ErrNoForms when nothing qualifies.
func (e *Extractor) Extract(root *doctree.Node) ([]Record, error) {
	requiredTexts := e.requiredFormTexts(root)
	documentContext := e.contextText(root)

	var sections []*doctree.Node
	root.Walk(func(n *doctree.Node) {
		if strings.HasPrefix(n.Name, "H1") {
			sections = append(sections, n)
		}
	})

	type seenKey struct {
		label, name, visits string
	}
	seen := make(map[seenKey]struct{})
	var records []Record

	for _, section := range sections {
		sectionLabel := strings.TrimSpace(section.Text)
		if !e.IsValidFormLabel(sectionLabel) {
			sectionLabel = "Unknown Section"
		}
		sectionVisits := e.deepSearchVisits(section)
		sectionTriggers := e.deepSearchTriggers(section, e.rules.MaxTriggerDepth-1)
		sectionContext := e.contextText(section)

		type frame struct {
			node  *doctree.Node
			label string
		}
		stack := []frame{{section, ""}}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			node, label := cur.node, cur.label
			text := strings.TrimSpace(node.Text)

			if strings.HasPrefix(node.Name, "H2") && e.IsValidFormLabel(text) && !e.IsValidFormName(text) {
				label = text
			}

			if e.IsValidFormName(text) {
				formName := text
				if e.ignored(formName) {
					continue // prune the subtree with the ignored form
				}
				formLabel := label
				if formLabel == "" {
					formLabel = sectionLabel
				}

				formVisits := e.deepSearchVisits(node)
				if len(formVisits) == 0 {
					formVisits = sectionVisits
				}
				visits := e.sortVisits(formVisits)
				visitsJoined := strings.Join(visits, ", ")

				key := seenKey{formLabel, formName, visitsJoined}
				if _, dup := seen[key]; !dup {
					seen[key] = struct{}{}

					triggers := e.deepSearchTriggers(node, e.rules.MaxTriggerDepth)
					if len(triggers) == 0 {
						triggers = sectionTriggers
					}
					// The enrollment form's "dynamic" language is boilerplate,
					// never a real trigger.
					if strings.Contains(formName, "[ENR]") {
						triggers = nil
					}
					unique := dedupe(triggers)

					nodeContext := e.contextText(node)
					source := e.ClassifySource(formName, text, sectionContext+" "+nodeContext, documentContext)

					rec := Record{
						Label:             formLabel,
						Name:              formName,
						Source:            source,
						Visits:            visits,
						HasDynamicTrigger: len(unique) > 0,
						Required:          requiredTexts[formName],
						Node:              node,
					}
					if len(unique) > 0 {
						rec.TriggerText = unique[0]
					}
					records = append(records, rec)
				}
			}

			for i := len(node.Children) - 1; i >= 0; i-- {
				stack = append(stack, frame{node.Children[i], label})
			}
		}
	}

	if len(records) == 0 {
		return nil, ErrNoForms
	}
	e.logger.Printf("extracted %d forms from %d sections", len(records), len(sections))
	return records, nil
}

func (e *Extractor) ignored(formName string) bool {
	for _, re := range e.ignoreRes {
		if re.MatchString(formName) {
			return true
		}
	}
	return false
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
