package render

import (
	"bytes"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/clindoc/ptdgen/internal/events"
	"github.com/clindoc/ptdgen/internal/forms"
	"github.com/clindoc/ptdgen/internal/items"
	"github.com/clindoc/ptdgen/internal/matrix"
	"github.com/clindoc/ptdgen/internal/pipeline"
	"github.com/clindoc/ptdgen/internal/schedule"
)

func testResult() *pipeline.Result {
	week := 4
	return &pipeline.Result{
		Forms: []forms.Record{{
			Label:             "Adverse Event Log",
			Name:              "[AE_LOG]",
			Source:            forms.SourceLibrary,
			Visits:            []string{"V1", "V2"},
			HasDynamicTrigger: true,
			TriggerText:       "Complete this form only if an event occurred",
			Required:          false,
		}},
		Items: []items.Record{{
			FormLabel:       "Adverse Event Log",
			FormName:        "[AE_LOG]",
			ItemLabel:       "Date of onset",
			ItemOrder:       1,
			DataType:        items.TypeDateTime,
			Required:        true,
			RepeatMaximum:   50,
			OpenQuery:       "Form,Item",
			QueryFutureDate: true,
		}},
		Schedule: &schedule.Schedule{
			Visits:     []string{"V1", "V2"},
			Procedures: []string{"Adverse Events"},
		},
		Matrix: []matrix.Row{{
			Form:      forms.Record{Label: "Adverse Event Log", Name: "[AE_LOG]", Visits: []string{"V1", "V2"}},
			Procedure: "Adverse Events",
			Ranks:     map[string]int{"V1": 1},
		}},
		Visits: []events.VisitInfo{
			{
				VisitName: "V1", StudyWeek: &week, EventGroup: "Main Study",
				OffsetDays: 28, OffsetType: "Specific: V1 anchor",
				WindowEarly: 25, WindowLate: 31,
			},
			{VisitName: "SCR", EventGroup: "Screening", OffsetType: "Previous visit"},
		},
	}
}

func newTestRenderer() *Renderer {
	return NewRenderer(log.New(io.Discard, "", 0))
}

func TestBytesRoundTrip(t *testing.T) {
	data, err := newTestRenderer().Bytes(testResult())
	require.NoError(t, err)

	wb, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer wb.Close()

	assert.ElementsMatch(t, []string{SheetForms, SheetItems, SheetMatrix, SheetVisits}, wb.GetSheetList())

	get := func(sheet, cell string) string {
		v, err := wb.GetCellValue(sheet, cell)
		require.NoError(t, err)
		return v
	}

	assert.Equal(t, "Form Label", get(SheetForms, "A1"))
	assert.Equal(t, "Adverse Event Log", get(SheetForms, "A2"))
	assert.Equal(t, "Library", get(SheetForms, "C2"))
	assert.Equal(t, "V1, V2", get(SheetForms, "D2"))
	assert.Equal(t, "Yes", get(SheetForms, "E2"))
	assert.Equal(t, "No", get(SheetForms, "G2"))

	assert.Equal(t, "NaN", get(SheetItems, "C2")) // ungrouped item placeholder
	assert.Equal(t, "Date of onset", get(SheetItems, "D2"))
	assert.Equal(t, "1", get(SheetItems, "E2"))
	assert.Equal(t, "Date/Time", get(SheetItems, "F2"))
	assert.Equal(t, "Yes", get(SheetItems, "J2"))
	assert.Equal(t, "50", get(SheetItems, "M2"))
	assert.Equal(t, "Yes", get(SheetItems, "N2"))
	assert.Equal(t, "Form,Item", get(SheetItems, "P2"))

	// Matrix: visit columns follow the three fixed columns; a missing rank
	// renders blank.
	assert.Equal(t, "V1", get(SheetMatrix, "D1"))
	assert.Equal(t, "V2", get(SheetMatrix, "E1"))
	assert.Equal(t, "Adverse Events", get(SheetMatrix, "C2"))
	assert.Equal(t, "1", get(SheetMatrix, "D2"))
	assert.Equal(t, "", get(SheetMatrix, "E2"))

	assert.Equal(t, "Main Study", get(SheetVisits, "A2"))
	assert.Equal(t, "4", get(SheetVisits, "C2"))
	assert.Equal(t, "28", get(SheetVisits, "D2"))
	assert.Equal(t, "", get(SheetVisits, "C3")) // unknown study week stays blank
	assert.Equal(t, "Screening", get(SheetVisits, "A3"))
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ptd.xlsx")
	require.NoError(t, newTestRenderer().WriteFile(testResult(), path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	wb, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer wb.Close()
	v, err := wb.GetCellValue(SheetForms, "B2")
	require.NoError(t, err)
	assert.Equal(t, "[AE_LOG]", v)
}

func TestWorkbookEmptyResult(t *testing.T) {
	wb, err := newTestRenderer().Workbook(&pipeline.Result{})
	require.NoError(t, err)
	defer wb.Close()

	v, err := wb.GetCellValue(SheetMatrix, "A1")
	require.NoError(t, err)
	assert.Equal(t, "Form Label", v)
}
