// Package items extracts data-entry item records from a form's table rows:
// item groups, labels, data types, codelist values, numeric formats and the
// repeating-group analysis.
package items

import (
	"log"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/clindoc/ptdgen/internal/doctree"
	"github.com/clindoc/ptdgen/internal/rules"
)

// DataType is the inferred entry widget family for an item.
type DataType string

const (
	TypeText     DataType = "Text"
	TypeCodelist DataType = "Codelist"
	TypeDateTime DataType = "Date/Time"
	TypeLabel    DataType = "Label"
)

// Record is one data-entry field. FormLabel and FormName are filled by the
// caller that knows which form the source node belongs to. Uniqueness key
// within a form is (ItemLabel, ItemGroup).
type Record struct {
	FormLabel       string   `json:"form_label"`
	FormName        string   `json:"form_name"`
	ItemGroup       string   `json:"item_group"` // empty means no group
	ItemLabel       string   `json:"item_label"`
	ItemOrder       int      `json:"item_order"`
	DataType        DataType `json:"data_type"`
	FieldLength     string   `json:"field_length,omitempty"`
	Precision       string   `json:"precision,omitempty"`
	NumberRange     string   `json:"number_range,omitempty"`
	Required        bool     `json:"required"`
	CodelistValues  string   `json:"codelist_values,omitempty"`
	GroupRepeating  bool     `json:"group_repeating"`
	RepeatMaximum   int      `json:"repeat_maximum"`
	QueryFutureDate bool     `json:"query_future_date"`
	ControlType     string   `json:"control_type,omitempty"`
	OpenQuery       string   `json:"open_query,omitempty"`
}

// Extractor scans a form's tables for item rows.
type Extractor struct {
	rules  rules.ItemRules
	logger *log.Logger

	metadataRes   []*regexp.Regexp
	orgRes        []*regexp.Regexp
	keywordRe     *regexp.Regexp
	dateTimeRe    *regexp.Regexp
	groupExclRes  []*regexp.Regexp
	punctuationRe *regexp.Regexp
	numberedRe    *regexp.Regexp
	allCapsRe     *regexp.Regexp
	shortCodesRe  *regexp.Regexp

	simpleLenRe   *regexp.Regexp
	complexLenRe  *regexp.Regexp
	precisionRe   *regexp.Regexp
	constraintRe  *regexp.Regexp
	decimalsRe    *regexp.Regexp
	rangeRe       *regexp.Regexp
	minOnlyRe     *regexp.Regexp
	maxOnlyRe     *regexp.Regexp
}

// NewExtractor compiles the item rule set.
func NewExtractor(r rules.ItemRules, logger *log.Logger) (*Extractor, error) {
	e := &Extractor{
		rules:         r,
		logger:        logger,
		punctuationRe: regexp.MustCompile(`[:\-().?!;]`),
		numberedRe:    regexp.MustCompile(`^\s*\d+\.\s+\w`),
		allCapsRe:     regexp.MustCompile(`^[A-Z,\s]+$`),
		shortCodesRe:  regexp.MustCompile(`^[A-Z]{1,2}(\s*,\s*[A-Z]{1,2})+$`),
		simpleLenRe:   regexp.MustCompile(`\|N(\d+)\|`),
		complexLenRe:  regexp.MustCompile(`\|.*N(\d+).*\|`),
		precisionRe:   regexp.MustCompile(`\|N\d+\.(\d+)\|`),
		constraintRe:  regexp.MustCompile(`\|.*N\d+\.(\d+).*\|`),
		decimalsRe:    regexp.MustCompile(`\d+\.(\d+)`),
		rangeRe:       regexp.MustCompile(`\|(\d+(?:\.\d+)?)\s*[<≤]\s*N\d+(?:\.\d+)?\s*[<≤]\s*(\d+(?:\.\d+)?)\|`),
		minOnlyRe:     regexp.MustCompile(`\|(\d+(?:\.\d+)?)\s*[<≤]\s*N\d+(?:\.\d+)?\|`),
		maxOnlyRe:     regexp.MustCompile(`\|N\d+(?:\.\d+)?\s*[<≤]\s*(\d+(?:\.\d+)?)\|`),
	}

	var err error
	if e.dateTimeRe, err = regexp.Compile(`(?i)` + r.DateTimePattern); err != nil {
		return nil, err
	}
	quoted := make([]string, len(r.InstructionKeywords))
	for i, kw := range r.InstructionKeywords {
		quoted[i] = regexp.QuoteMeta(kw)
	}
	if e.keywordRe, err = regexp.Compile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`); err != nil {
		return nil, err
	}
	for _, set := range []struct {
		dst      *[]*regexp.Regexp
		patterns []string
	}{
		{&e.metadataRes, r.MetadataMarkers},
		{&e.orgRes, r.OrganizationPatterns},
		{&e.groupExclRes, r.InvalidGroupPatterns},
	} {
		for _, p := range set.patterns {
			re, err := regexp.Compile(`(?i)` + p)
			if err != nil {
				return nil, err
			}
			*set.dst = append(*set.dst, re)
		}
	}
	return e, nil
}

func matchesPrefix(re *regexp.Regexp, s string) bool {
	loc := re.FindStringIndex(s)
	return loc != nil && loc[0] == 0
}

// IsMetadataTable reports whether a table is a running header/footer block
// (trial id, version, page numbers) rather than data.
func (e *Extractor) IsMetadataTable(table *doctree.Node) bool {
	text := table.FlatText()
	matches := 0
	for _, re := range e.metadataRes {
		if re.MatchString(text) {
			matches++
		}
	}
	if matches >= 3 {
		return true
	}
	for _, re := range e.orgRes {
		if re.MatchString(text) && matches >= 2 {
			return true
		}
	}
	return false
}

// IsInstruction classifies text as guidance prose rather than a question.
// A sentence ending in "?" is always a question.
func (e *Extractor) IsInstruction(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	if strings.HasSuffix(text, "?") {
		return false
	}
	if e.keywordRe.MatchString(text) {
		return true
	}
	punct := len(e.punctuationRe.FindAllString(text, -1))
	words := len(strings.Fields(text))
	if words < 5 && punct >= 1 {
		return true
	}
	if words >= 5 && float64(punct)/float64(words) > 0.1 {
		return true
	}
	return matchesPrefix(e.numberedRe, text)
}

// IsValidGroupLabel reports whether text can name an item group.
func (e *Extractor) IsValidGroupLabel(text string) bool {
	n := utf8.RuneCountInString(text)
	if text == "" || n < 3 || n > 100 {
		return false
	}
	for _, re := range e.groupExclRes {
		if matchesPrefix(re, text) {
			return false
		}
	}
	return true
}

// IsValidOptionContent filters metadata annotations out of option cells:
// all-caps comma lists like "C, CO" are review codes, not options.
func (e *Extractor) IsValidOptionContent(n *doctree.Node) bool {
	text := strings.TrimSpace(n.DeepText())
	if text == "" {
		return false
	}
	if matchesPrefix(e.allCapsRe, text) {
		return false
	}
	return !matchesPrefix(e.shortCodesRe, text)
}

// hasPECSPattern reports a P node containing an ExtraCharSpan that itself
// contains ExtraCharSpan children, anywhere under n.
func hasPECSPattern(n *doctree.Node) bool {
	found := false
	n.Walk(func(c *doctree.Node) {
		if found || doctree.BaseName(c.Name) != "P" {
			return
		}
		for _, child := range c.Children {
			if doctree.BaseName(child.Name) != "ExtraCharSpan" {
				continue
			}
			for _, grandchild := range child.Children {
				if doctree.BaseName(grandchild.Name) == "ExtraCharSpan" {
					found = true
					return
				}
			}
		}
	})
	return found
}

// hasPSubPattern reports a P node with a direct Sub child anywhere under n.
func hasPSubPattern(n *doctree.Node) bool {
	found := false
	n.Walk(func(c *doctree.Node) {
		if found || doctree.BaseName(c.Name) != "P" {
			return
		}
		for _, child := range c.Children {
			if doctree.BaseName(child.Name) == "Sub" {
				found = true
				return
			}
		}
	})
	return found
}

// HasOptionChild reports whether a cell contains option indicators: a nested
// list node, one of the span nesting patterns, or (for table cells) a
// paragraph with real text that passes the annotation filter.
func (e *Extractor) HasOptionChild(n *doctree.Node) bool {
	switch doctree.BaseName(n.Name) {
	case "LI", "L", "ExtraCharSpan", "LBody":
		return true
	}
	for _, child := range n.Children {
		if e.HasOptionChild(child) {
			return true
		}
	}
	if hasPECSPattern(n) || hasPSubPattern(n) {
		return true
	}
	if strings.HasPrefix(n.Name, "TD") {
		if !e.IsValidOptionContent(n) {
			return false
		}
		for _, p := range n.FindByNamePrefix("P") {
			if strings.TrimSpace(p.DeepText()) != "" {
				return true
			}
		}
	}
	return false
}

func isAsterisks(s string) bool {
	s = strings.TrimSpace(s)
	return s == "*" || s == "**" || s == "***"
}

// allParagraphSpans reports whether every node in ps is a ParagraphSpan,
// which marks a category header rather than item text.
func allParagraphSpans(ps []*doctree.Node) bool {
	for _, p := range ps {
		if !strings.HasPrefix(p.Name, "ParagraphSpan") {
			return false
		}
	}
	return len(ps) > 0
}

func joinedPTexts(ps []*doctree.Node) string {
	var texts []string
	for _, p := range ps {
		if t := p.DeepText(); t != "" {
			texts = append(texts, t)
		}
	}
	return strings.Join(texts, "\n")
}

type rawItem struct {
	group  string
	label  string
	option *doctree.Node
}

// Extract returns the item records of one form, fully derived and ordered.
// A form with no recognizable item rows yields a single placeholder record so
// the form still appears in downstream tables.
func (e *Extractor) Extract(form *doctree.Node) []Record {
	var raw []rawItem
	// The running group persists across table breaks within the form. A group
	// split across tables without repeating its header row is mis-grouped;
	// that is inherent to the heuristic.
	currentGroup := ""

	for _, table := range form.FindByNamePrefix("Table") {
		if e.IsMetadataTable(table) {
			e.logger.Printf("skipping metadata table %s", table.Name)
			continue
		}
		for _, tr := range table.FindByNamePrefix("TR") {
			var cells []*doctree.Node
			for _, child := range tr.Children {
				if strings.HasPrefix(child.Name, "TH") || strings.HasPrefix(child.Name, "TD") {
					cells = append(cells, child)
				}
			}

			// A single-cell row with a label-shaped, non-instruction text is
			// a group header, not an item.
			if len(cells) == 1 {
				text := cells[0].DeepText()
				if e.IsValidGroupLabel(text) && !e.IsInstruction(text) {
					currentGroup = text
					continue
				}
			}

			// Three-column rows: flag | question | options.
			if len(cells) == 3 {
				questionCell, optionCell := cells[1], cells[2]
				question := ""
				if ps := questionCell.FindByNamePrefix("P"); len(ps) > 0 {
					if allParagraphSpans(ps) {
						continue
					}
					question = joinedPTexts(ps)
				} else {
					question = questionCell.DeepText()
				}
				if strings.TrimSpace(question) == "" || isAsterisks(question) {
					continue
				}
				if e.IsInstruction(question) {
					continue
				}
				if !e.IsValidOptionContent(optionCell) {
					continue
				}
				raw = append(raw, rawItem{currentGroup, question, optionCell})
				continue
			}

			// General case: any option-bearing cell takes its label from the
			// cell to its left.
			for i, cell := range cells {
				if i == 0 || !e.HasOptionChild(cell) {
					continue
				}
				prev := cells[i-1]
				label := ""
				if subs := prev.FindByNamePrefix("Sub"); len(subs) > 0 {
					// The first Sub is the label; bracket-led ones are
					// hidden/read-only annotations.
					if t := strings.TrimSpace(subs[0].DeepText()); t != "" && !strings.HasPrefix(t, "[") {
						label = t
					}
				}
				if label == "" {
					if ps := prev.FindByNamePrefix("P"); len(ps) > 0 {
						if allParagraphSpans(ps) {
							continue
						}
						label = joinedPTexts(ps)
					} else {
						label = prev.DeepText()
					}
					if label == "" || isAsterisks(label) {
						continue
					}
				}
				if e.IsInstruction(label) {
					continue
				}
				raw = append(raw, rawItem{currentGroup, label, cell})
			}
		}
	}

	// Dedupe by (label, group), first occurrence wins.
	type key struct{ label, group string }
	seen := make(map[key]struct{}, len(raw))
	unique := raw[:0]
	for _, it := range raw {
		k := key{it.label, it.group}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, it)
	}

	if len(unique) == 0 {
		return []Record{{ItemOrder: 1, DataType: TypeText, RepeatMaximum: 50}}
	}

	// Group occurrence counts drive the repeating analysis.
	counts := make(map[string]int)
	for _, it := range unique {
		if g := strings.TrimSpace(it.group); g != "" {
			counts[g]++
		}
	}

	records := make([]Record, 0, len(unique))
	for i, it := range unique {
		group := strings.TrimSpace(it.group)
		repeating := group != "" && counts[group] > 1
		repeatMax := 50
		if repeating {
			repeatMax = counts[group]
		}

		codelist := e.codelistValues(it.option)
		dataType := e.DetermineDataType(it.option, codelist)
		required := strings.HasPrefix(strings.TrimSpace(it.label), "*")

		rec := Record{
			ItemGroup:       group,
			ItemLabel:       it.label,
			ItemOrder:       i + 1,
			DataType:        dataType,
			Required:        required,
			CodelistValues:  codelist,
			GroupRepeating:  repeating,
			RepeatMaximum:   repeatMax,
			QueryFutureDate: dataType == TypeDateTime,
		}
		if dataType == TypeText || dataType == TypeLabel {
			rec.FieldLength = e.FieldLength(codelist)
		}
		if dataType == TypeLabel {
			rec.Precision = e.Precision(codelist)
			rec.NumberRange = e.NumberRange(codelist)
		}
		if dataType == TypeCodelist {
			rec.ControlType = "Radio Button-Vertical"
		}
		if required {
			rec.OpenQuery = "Form,Item"
		}
		records = append(records, rec)
	}
	return records
}

// codelistValues collects option values from the option cell, preferring
// list bodies, then sub-nodes, then paragraphs; deduplicated in order and
// bullet-joined.
func (e *Extractor) codelistValues(option *doctree.Node) string {
	if option == nil {
		return ""
	}
	if lbodies := option.FindByNamePrefix("LBody"); len(lbodies) > 0 {
		var values []string
		for _, n := range lbodies {
			if t := n.DeepText(); t != "" {
				values = append(values, t)
			}
		}
		return bulletJoin(dedupe(values))
	}
	if subs := option.FindByNamePrefix("Sub"); len(subs) > 0 {
		var values []string
		for _, n := range subs {
			t := strings.TrimSpace(n.DeepText())
			if t == "" || t == "\uf0fe" || t == "□" || t == "¡" {
				continue
			}
			t = strings.TrimSpace(strings.TrimLeft(t, "¡□ "))
			if t != "" {
				values = append(values, t)
			}
		}
		if vals := dedupe(values); len(vals) > 0 {
			return bulletJoin(vals)
		}
	}
	if ps := option.FindByNamePrefix("P"); len(ps) > 0 {
		var values []string
		for _, n := range ps {
			t := n.DeepText()
			switch strings.TrimSpace(t) {
			case "", "\uf0fe", "□", "¡":
				continue
			}
			values = append(values, t)
		}
		if vals := dedupe(values); len(vals) > 0 {
			return bulletJoin(vals)
		}
	}
	return ""
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

func bulletJoin(values []string) string {
	if len(values) == 0 {
		return ""
	}
	var b strings.Builder
	for i, v := range values {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("• ")
		b.WriteString(v)
	}
	return b.String()
}

// DetermineDataType infers the entry type from the option cell structure and
// the rendered codelist text, in priority order.
func (e *Extractor) DetermineDataType(option *doctree.Node, codelist string) DataType {
	if option == nil {
		return TypeText
	}
	codelist = strings.TrimSpace(codelist)
	if e.dateTimeRe.MatchString(codelist) {
		return TypeDateTime
	}
	for _, lbody := range option.FindByNamePrefix("LBody") {
		if len(lbody.FindByNamePrefix("ExtraCharSpan")) > 0 {
			return TypeCodelist
		}
	}
	if len(option.FindByNamePrefix("ExtraCharSpan")) > 0 {
		return TypeCodelist
	}
	if strings.Contains(codelist, "|") && strings.Count(codelist, "•") <= 1 {
		return TypeLabel
	}
	return TypeText
}

// FieldLength derives the entry width from a |N<digits>| format token, or
// falls back to the longest plain line.
func (e *Extractor) FieldLength(codelist string) string {
	content := strings.TrimSpace(codelist)
	if content == "" {
		return ""
	}
	if m := e.simpleLenRe.FindStringSubmatch(content); m != nil {
		return m[1]
	}
	if m := e.complexLenRe.FindStringSubmatch(content); m != nil {
		return m[1]
	}
	maxLen := 0
	for _, line := range strings.Split(content, "\n") {
		cleaned := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "• "))
		if cleaned == "" || strings.HasPrefix(cleaned, "|") {
			continue
		}
		if n := utf8.RuneCountInString(cleaned); n > maxLen {
			maxLen = n
		}
	}
	if maxLen > 0 {
		return strconv.Itoa(maxLen)
	}
	return ""
}

// Precision derives decimal places from |N<d>.<p>| tokens, then from decimal
// literals in the content, defaulting to "0".
func (e *Extractor) Precision(codelist string) string {
	content := strings.TrimSpace(codelist)
	if content == "" {
		return ""
	}
	if m := e.precisionRe.FindStringSubmatch(content); m != nil {
		return m[1]
	}
	if m := e.constraintRe.FindStringSubmatch(content); m != nil {
		return m[1]
	}
	maxDecimals := 0
	for _, m := range e.decimalsRe.FindAllStringSubmatch(content, -1) {
		if len(m[1]) > maxDecimals {
			maxDecimals = len(m[1])
		}
	}
	if maxDecimals > 0 {
		return strconv.Itoa(maxDecimals)
	}
	return "0"
}

// NumberRange renders inequality-bounded |min < N ≤ max| tokens as
// "min - max"; one-sided bounds keep their side of the dash.
func (e *Extractor) NumberRange(codelist string) string {
	content := strings.TrimSpace(codelist)
	if content == "" {
		return ""
	}
	if m := e.rangeRe.FindStringSubmatch(content); m != nil {
		return m[1] + " - " + m[2]
	}
	if m := e.minOnlyRe.FindStringSubmatch(content); m != nil {
		return m[1] + " - "
	}
	if m := e.maxOnlyRe.FindStringSubmatch(content); m != nil {
		return " - " + m[1]
	}
	return ""
}
