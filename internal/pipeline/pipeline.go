// Package pipeline runs the extraction stages in order over a protocol and
// eCRF document pair and collects their outputs, plus an in-memory registry
// for runs started over HTTP.
package pipeline

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/clindoc/ptdgen/internal/doctree"
	"github.com/clindoc/ptdgen/internal/events"
	"github.com/clindoc/ptdgen/internal/forms"
	"github.com/clindoc/ptdgen/internal/items"
	"github.com/clindoc/ptdgen/internal/matrix"
	"github.com/clindoc/ptdgen/internal/rules"
	"github.com/clindoc/ptdgen/internal/schedule"
)

// Result bundles the outputs of one pipeline run.
type Result struct {
	Forms    []forms.Record
	Items    []items.Record
	Schedule *schedule.Schedule
	Matrix   []matrix.Row
	Visits   []events.VisitInfo
}

// Pipeline wires the five extraction stages together. It is safe for
// concurrent Run calls: each stage holds only compiled rules.
type Pipeline struct {
	logger *log.Logger

	forms    *forms.Extractor
	items    *items.Extractor
	schedule *schedule.Parser
	matrix   *matrix.Reconciler
	events   *events.Grouper
}

// New builds all stages from one rule set.
func New(rs rules.Set, logger *log.Logger) (*Pipeline, error) {
	p := &Pipeline{logger: logger}
	var err error
	if p.forms, err = forms.NewExtractor(rs.Forms, logger); err != nil {
		return nil, fmt.Errorf("form extractor: %w", err)
	}
	if p.items, err = items.NewExtractor(rs.Items, logger); err != nil {
		return nil, fmt.Errorf("item extractor: %w", err)
	}
	if p.schedule, err = schedule.NewParser(rs.Schedule, logger); err != nil {
		return nil, fmt.Errorf("schedule parser: %w", err)
	}
	p.matrix = matrix.NewReconciler(rs.Matrix, logger)
	if p.events, err = events.NewGrouper(rs.Events, logger); err != nil {
		return nil, fmt.Errorf("event grouper: %w", err)
	}
	return p, nil
}

// Run decodes both documents and executes the stages. A form or schedule
// extraction miss aborts the run; a visit-metadata miss only degrades it,
// the result then carries an empty visit table.
func (p *Pipeline) Run(protocol, ecrf io.Reader) (*Result, error) {
	protoRoot, err := doctree.Decode(protocol)
	if err != nil {
		return nil, fmt.Errorf("protocol: %w", err)
	}
	ecrfRoot, err := doctree.Decode(ecrf)
	if err != nil {
		return nil, fmt.Errorf("ecrf: %w", err)
	}

	formRecs, err := p.forms.Extract(ecrfRoot)
	if err != nil {
		return nil, fmt.Errorf("extract forms: %w", err)
	}
	p.logger.Printf("pipeline: %d forms", len(formRecs))

	var itemRecs []items.Record
	for _, f := range formRecs {
		if f.Node == nil {
			continue
		}
		for _, it := range p.items.Extract(f.Node) {
			it.FormLabel = f.Label
			it.FormName = f.Name
			itemRecs = append(itemRecs, it)
		}
	}
	p.logger.Printf("pipeline: %d items", len(itemRecs))

	sched, err := p.schedule.Parse(protoRoot)
	if err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}

	rows := p.matrix.Build(formRecs, sched)
	p.logger.Printf("pipeline: %d matrix rows", len(rows))

	visits, err := p.events.Extract(protoRoot)
	if err != nil {
		p.logger.Printf("pipeline: visit metadata unavailable: %v", err)
		visits = nil
	}

	return &Result{
		Forms:    formRecs,
		Items:    itemRecs,
		Schedule: sched,
		Matrix:   rows,
		Visits:   visits,
	}, nil
}

// RunFiles runs the pipeline over two JSON files on disk.
func (p *Pipeline) RunFiles(protocolPath, ecrfPath string) (*Result, error) {
	protocol, err := os.Open(protocolPath)
	if err != nil {
		return nil, fmt.Errorf("open protocol: %w", err)
	}
	defer protocol.Close()

	ecrf, err := os.Open(ecrfPath)
	if err != nil {
		return nil, fmt.Errorf("open ecrf: %w", err)
	}
	defer ecrf.Close()

	return p.Run(protocol, ecrf)
}
