// Package schedule parses the Schedule of Activities tables out of a
// protocol document tree: visit columns, procedure rows and the attendance
// marks connecting them.
package schedule

import (
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/clindoc/ptdgen/internal/doctree"
	"github.com/clindoc/ptdgen/internal/rules"
)

var (
	// ErrNoTables reports that the protocol contains no table that looks
	// like a schedule at all.
	ErrNoTables = errors.New("no schedule tables found")
	// ErrNoVisitHeader reports that the candidate tables have no row that
	// qualifies as a visit header.
	ErrNoVisitHeader = errors.New("no visit header row found")
)

// Schedule is the parsed visit/procedure attendance table. Visit order is
// header column order; procedure order is first-seen row order.
type Schedule struct {
	Visits     []string
	Procedures []string

	attendance map[string]map[string]bool // visit -> procedure -> attended
}

// Attended reports whether procedure carries an attendance marker at visit.
func (s *Schedule) Attended(procedure, visit string) bool {
	return s.attendance[visit][procedure]
}

func (s *Schedule) mark(procedure, visit string) {
	if s.attendance == nil {
		s.attendance = make(map[string]map[string]bool)
	}
	if s.attendance[visit] == nil {
		s.attendance[visit] = make(map[string]bool)
	}
	s.attendance[visit][procedure] = true
}

// Parser extracts a Schedule from a protocol tree.
type Parser struct {
	rules  rules.ScheduleRules
	logger *log.Logger

	visitRes   []*regexp.Regexp
	markerRes  []*regexp.Regexp
	headerRes  []*regexp.Regexp
	sectionRes []*regexp.Regexp
}

// NewParser compiles the schedule rule set.
func NewParser(r rules.ScheduleRules, logger *log.Logger) (*Parser, error) {
	p := &Parser{rules: r, logger: logger}
	for _, set := range []struct {
		dst      *[]*regexp.Regexp
		patterns []string
		name     string
	}{
		{&p.visitRes, r.VisitPatterns, "visit"},
		{&p.markerRes, r.CellMarkers, "cell marker"},
		{&p.headerRes, r.HeaderKeywords, "header keyword"},
		{&p.sectionRes, r.SectionBreaks, "section break"},
	} {
		for _, pat := range set.patterns {
			re, err := regexp.Compile(`(?i)` + pat)
			if err != nil {
				return nil, fmt.Errorf("compile %s pattern %q: %w", set.name, pat, err)
			}
			*set.dst = append(*set.dst, re)
		}
	}
	return p, nil
}

// VisitID extracts a visit identifier from cell text. The longest match is
// accepted only when it covers more than 30% of the cell's significant
// characters, which guards against visit codes embedded in prose.
func (p *Parser) VisitID(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	stripped := strings.NewReplacer(" ", "", "(", "", ")", "", "-", "").Replace(text)
	if stripped == "" {
		return ""
	}
	for _, re := range p.visitRes {
		matches := re.FindAllString(text, -1)
		if len(matches) == 0 {
			continue
		}
		longest := matches[0]
		for _, m := range matches[1:] {
			if len(m) > len(longest) {
				longest = m
			}
		}
		if float64(len(longest))/float64(len(stripped)) > 0.3 {
			return longest
		}
	}
	return ""
}

func (p *Parser) hasMarker(text string) bool {
	for _, re := range p.markerRes {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func matchesPrefix(re *regexp.Regexp, s string) bool {
	loc := re.FindStringIndex(s)
	return loc != nil && loc[0] == 0
}

// tableRows flattens every TR of a table to its cell texts.
func tableRows(table *doctree.Node) [][]string {
	var rows [][]string
	for _, tr := range table.FindByNamePrefix("TR") {
		row := make([]string, 0, len(tr.Children))
		for _, cell := range tr.Children {
			row = append(row, cell.FlatText())
		}
		rows = append(rows, row)
	}
	return rows
}

// visitCellCount counts cells in a row that yield a visit identifier.
func (p *Parser) visitCellCount(row []string) int {
	count := 0
	for _, cell := range row {
		if p.VisitID(cell) != "" {
			count++
		}
	}
	return count
}

func (p *Parser) rowsHaveVisits(rows [][]string, min int) bool {
	for _, row := range rows {
		if p.visitCellCount(row) >= min {
			return true
		}
	}
	return false
}

// mergeTables rejoins a logical schedule table that the source renderer
// split across physical table breaks. A table without visit cells is
// appended to the running buffer; a table with visits either flushes the
// buffer or absorbs buffered continuation rows in front of its own.
func (p *Parser) mergeTables(tables []*doctree.Node) [][][]string {
	var merged [][][]string
	var buffer [][]string
	buffered := false
	bufferHasVisits := false

	for _, table := range tables {
		rows := tableRows(table)
		hasVisits := p.rowsHaveVisits(rows, 2)

		if !buffered {
			buffer = rows
			bufferHasVisits = hasVisits
			buffered = true
			continue
		}
		switch {
		case !hasVisits:
			buffer = append(buffer, rows...)
		case bufferHasVisits:
			merged = append(merged, buffer)
			buffer = rows
		default:
			buffer = append(buffer, rows...)
			bufferHasVisits = true
		}
	}
	if buffered {
		merged = append(merged, buffer)
	}
	return merged
}

type visitColumn struct {
	index int
	name  string
}

// detectVisitHeader scores every row by its distinct visit identifiers plus
// two points per header keyword, returning the best row at or above the
// minimum visit count.
func (p *Parser) detectVisitHeader(allRows [][]string) int {
	bestIdx := -1
	bestScore := 0
	for i, row := range allRows {
		if len(row) == 0 {
			continue
		}
		unique := make(map[string]struct{})
		for _, cell := range row {
			if id := p.VisitID(cell); id != "" {
				unique[strings.ToUpper(id)] = struct{}{}
			}
		}
		score := len(unique)
		rowText := strings.ToLower(strings.Join(row, " "))
		for _, re := range p.headerRes {
			if re.MatchString(rowText) {
				score += 2
			}
		}
		if score > bestScore && score >= p.rules.MinVisitCount {
			bestScore = score
			bestIdx = i
		}
	}
	return bestIdx
}

func (p *Parser) rowHasMarkers(row []string, columns []visitColumn) bool {
	for _, col := range columns {
		if col.index < len(row) && p.hasMarker(row[col.index]) {
			return true
		}
	}
	return false
}

// findScheduleEnd scans past the header for the end of the procedure block:
// once enough marker rows have been seen, a long run of non-marker rows or a
// section-break first cell terminates the schedule.
func (p *Parser) findScheduleEnd(allRows [][]string, columns []visitColumn, startFrom int) int {
	procedures := 0
	consecutive := 0
	for i := startFrom; i < len(allRows); i++ {
		row := allRows[i]
		if len(row) == 0 {
			continue
		}
		if p.rowHasMarkers(row, columns) {
			procedures++
			consecutive = 0
			continue
		}
		consecutive++
		if procedures < p.rules.MinProcedures {
			continue
		}
		if consecutive > p.rules.ConsecutiveNonProcedureRows {
			p.logger.Printf("schedule end at row %d after %d procedures", i, procedures)
			return i
		}
		firstCell := strings.TrimSpace(row[0])
		for _, re := range p.sectionRes {
			if matchesPrefix(re, firstCell) {
				p.logger.Printf("section break at row %d: %q", i, firstCell)
				return i
			}
		}
	}
	return len(allRows)
}

// Parse extracts the schedule from a protocol tree.
func (p *Parser) Parse(root *doctree.Node) (*Schedule, error) {
	merged := p.mergeTables(root.FindByNamePrefix("Table"))

	var allRows [][]string
	candidates := 0
	for _, rows := range merged {
		if p.rowsHaveVisits(rows, p.rules.MinVisitCount) {
			candidates++
			allRows = append(allRows, rows...)
		}
	}
	if candidates == 0 {
		return nil, ErrNoTables
	}
	p.logger.Printf("found %d candidate schedule tables", candidates)

	headerIdx := p.detectVisitHeader(allRows)
	if headerIdx < 0 {
		return nil, ErrNoVisitHeader
	}

	var columns []visitColumn
	seen := make(map[string]struct{})
	sched := &Schedule{}
	for i, cell := range allRows[headerIdx] {
		id := p.VisitID(cell)
		if id == "" {
			continue
		}
		name := id
		for suffix := 1; ; suffix++ {
			if _, dup := seen[name]; !dup {
				break
			}
			name = fmt.Sprintf("%s_%d", id, suffix)
		}
		seen[name] = struct{}{}
		columns = append(columns, visitColumn{index: i, name: name})
		sched.Visits = append(sched.Visits, name)
	}
	if len(columns) == 0 {
		return nil, ErrNoVisitHeader
	}
	p.logger.Printf("detected %d visit columns: %v", len(sched.Visits), sched.Visits)

	end := p.findScheduleEnd(allRows, columns, headerIdx+1)

	seenProcedures := make(map[string]struct{})
	for _, row := range allRows[headerIdx+1 : end] {
		if len(row) == 0 {
			continue
		}
		firstCell := strings.TrimSpace(row[0])
		if p.isFilteredProcedure(firstCell) {
			continue
		}
		if !p.rowHasMarkers(row, columns) {
			continue
		}
		if _, dup := seenProcedures[firstCell]; !dup {
			seenProcedures[firstCell] = struct{}{}
			sched.Procedures = append(sched.Procedures, firstCell)
		}
		for _, col := range columns {
			if col.index < len(row) && p.hasMarker(row[col.index]) {
				sched.mark(firstCell, col.name)
			}
		}
	}

	p.logger.Printf("parsed schedule: %d procedures across %d visits", len(sched.Procedures), len(sched.Visits))
	return sched, nil
}

// isFilteredProcedure skips rows whose first cell is a known non-procedure
// term or itself a visit identifier.
func (p *Parser) isFilteredProcedure(firstCell string) bool {
	for _, term := range p.rules.ProcedureFilters {
		if strings.EqualFold(firstCell, term) {
			return true
		}
	}
	return p.VisitID(firstCell) != ""
}
