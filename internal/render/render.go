// Package render writes pipeline results into a workbook: one sheet per
// output table, data placement only.
package render

import (
	"fmt"
	"io"
	"log"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/clindoc/ptdgen/internal/items"
	"github.com/clindoc/ptdgen/internal/pipeline"
)

// Sheet names of the generated workbook.
const (
	SheetForms  = "Forms"
	SheetItems  = "Study Specific Forms"
	SheetMatrix = "SoA Matrix"
	SheetVisits = "Visits"
)

// groupPlaceholder marks items that belong to no named group.
const groupPlaceholder = "NaN"

var formHeaders = []string{
	"Form Label", "Form Name", "Source", "Visits",
	"Dynamic Trigger", "Trigger Details", "Required",
}

var itemHeaders = []string{
	"Form Label", "Form Name", "Item Group", "Item Label", "Item Order",
	"Data Type", "Field Length", "Precision", "Number Range", "Required",
	"Codelist Values", "Group Repeating", "Repeat Maximum",
	"Query Future Date", "Control Type", "Open Query",
}

var visitHeaders = []string{
	"Event Group", "Visit Name", "Study Week", "Offset Days",
	"Offset Type", "Day Range Early", "Day Range Late",
}

// Renderer places pipeline results into workbook sheets.
type Renderer struct {
	logger *log.Logger
}

func NewRenderer(logger *log.Logger) *Renderer {
	return &Renderer{logger: logger}
}

// Workbook builds the four-sheet workbook. The caller owns the file and must
// Close it.
func (r *Renderer) Workbook(res *pipeline.Result) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SheetForms); err != nil {
		f.Close()
		return nil, fmt.Errorf("rename forms sheet: %w", err)
	}
	for _, name := range []string{SheetItems, SheetMatrix, SheetVisits} {
		if _, err := f.NewSheet(name); err != nil {
			f.Close()
			return nil, fmt.Errorf("create sheet %q: %w", name, err)
		}
	}

	if err := r.writeForms(f, res); err != nil {
		f.Close()
		return nil, err
	}
	if err := r.writeItems(f, res); err != nil {
		f.Close()
		return nil, err
	}
	if err := r.writeMatrix(f, res); err != nil {
		f.Close()
		return nil, err
	}
	if err := r.writeVisits(f, res); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// WriteTo renders the workbook and streams it to w.
func (r *Renderer) WriteTo(res *pipeline.Result, w io.Writer) error {
	f, err := r.Workbook(res)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// Bytes renders the workbook into memory.
func (r *Renderer) Bytes(res *pipeline.Result) ([]byte, error) {
	f, err := r.Workbook(res)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile renders the workbook to a file on disk.
func (r *Renderer) WriteFile(res *pipeline.Result, path string) error {
	f, err := r.Workbook(res)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	r.logger.Printf("wrote workbook to %s", path)
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

func headerRow(headers []string) []any {
	row := make([]any, len(headers))
	for i, h := range headers {
		row[i] = h
	}
	return row
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func freezeHeader(f *excelize.File, sheet string) error {
	return f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

func (r *Renderer) writeForms(f *excelize.File, res *pipeline.Result) error {
	if err := writeRow(f, SheetForms, 1, headerRow(formHeaders)); err != nil {
		return err
	}
	for i, rec := range res.Forms {
		row := []any{
			rec.Label, rec.Name, string(rec.Source), rec.VisitsJoined(),
			yesNo(rec.HasDynamicTrigger), rec.TriggerText, yesNo(rec.Required),
		}
		if err := writeRow(f, SheetForms, i+2, row); err != nil {
			return err
		}
	}
	return freezeHeader(f, SheetForms)
}

func itemGroup(it items.Record) string {
	if it.ItemGroup == "" {
		return groupPlaceholder
	}
	return it.ItemGroup
}

func (r *Renderer) writeItems(f *excelize.File, res *pipeline.Result) error {
	if err := writeRow(f, SheetItems, 1, headerRow(itemHeaders)); err != nil {
		return err
	}
	for i, it := range res.Items {
		row := []any{
			it.FormLabel, it.FormName, itemGroup(it), it.ItemLabel, it.ItemOrder,
			string(it.DataType), it.FieldLength, it.Precision, it.NumberRange,
			yesNo(it.Required), it.CodelistValues, yesNo(it.GroupRepeating),
			it.RepeatMaximum, yesNo(it.QueryFutureDate), it.ControlType, it.OpenQuery,
		}
		if err := writeRow(f, SheetItems, i+2, row); err != nil {
			return err
		}
	}
	return freezeHeader(f, SheetItems)
}

func (r *Renderer) writeMatrix(f *excelize.File, res *pipeline.Result) error {
	headers := []any{"Form Label", "Form Name", "Procedure"}
	var visits []string
	if res.Schedule != nil {
		visits = res.Schedule.Visits
	}
	for _, v := range visits {
		headers = append(headers, v)
	}
	if err := writeRow(f, SheetMatrix, 1, headers); err != nil {
		return err
	}
	for i, row := range res.Matrix {
		values := []any{row.Form.Label, row.Form.Name, row.Procedure}
		for _, v := range visits {
			if rank, ok := row.Ranks[v]; ok {
				values = append(values, rank)
			} else {
				values = append(values, "")
			}
		}
		if err := writeRow(f, SheetMatrix, i+2, values); err != nil {
			return err
		}
	}
	return freezeHeader(f, SheetMatrix)
}

func (r *Renderer) writeVisits(f *excelize.File, res *pipeline.Result) error {
	if err := writeRow(f, SheetVisits, 1, headerRow(visitHeaders)); err != nil {
		return err
	}
	for i, v := range res.Visits {
		week := ""
		if v.StudyWeek != nil {
			week = strconv.Itoa(*v.StudyWeek)
		}
		row := []any{
			v.EventGroup, v.VisitName, week, v.OffsetDays,
			v.OffsetType, v.WindowEarly, v.WindowLate,
		}
		if err := writeRow(f, SheetVisits, i+2, row); err != nil {
			return err
		}
	}
	return freezeHeader(f, SheetVisits)
}
