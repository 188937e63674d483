package items

import (
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clindoc/ptdgen/internal/doctree"
	"github.com/clindoc/ptdgen/internal/rules"
)

func newTestExtractor(t *testing.T) *Extractor {
	t.Helper()
	e, err := NewExtractor(rules.Defaults().Items, log.New(io.Discard, "", 0))
	require.NoError(t, err)
	return e
}

func node(name, text string, children ...*doctree.Node) *doctree.Node {
	return &doctree.Node{Name: name, Text: text, Children: children}
}

func TestIsInstruction(t *testing.T) {
	e := newTestExtractor(t)
	tests := []struct {
		text string
		want bool
	}{
		// A question is never an instruction, even with a keyword inside.
		{"Have blood samples been collected?", false},
		{"Please enter the date of the visit", true},
		{"Note: fasting required before sampling", true},
		{"1. Select one option from the list below", true},
		{"Date (dd-mm-yyyy)", true}, // short text with punctuation
		{"Body weight", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.IsInstruction(tt.text), "text %q", tt.text)
	}
}

func TestIsValidOptionContent(t *testing.T) {
	e := newTestExtractor(t)
	tests := []struct {
		text string
		want bool
	}{
		{"C, CO", false},
		{"CO", false},
		{"A, R, CO, RT", false},
		{"A,R", false},
		{"Yes", true},
		{"1", true},
		{"Date format", true},
	}
	for _, tt := range tests {
		got := e.IsValidOptionContent(node("TD", tt.text))
		assert.Equal(t, tt.want, got, "text %q", tt.text)
	}
}

func TestIsMetadataTable(t *testing.T) {
	e := newTestExtractor(t)

	meta := node("Table", "",
		node("TR", "",
			node("TD", "Trial ID: NN1234"),
			node("TD[2]", "Sample eCRF"),
		),
		node("TR[2]", "",
			node("TD", "Version: 2.1"),
			node("TD[2]", "Page: 1 of 10"),
		),
	)
	assert.True(t, e.IsMetadataTable(meta))

	data := node("Table", "",
		node("TR", "",
			node("TD", "Sex"),
			node("TD[2]", "Male"),
		),
	)
	assert.False(t, e.IsMetadataTable(data))
}

// codelistTable builds a 3-column row whose option cell holds a list of
// checkbox options.
func codelistForm() *doctree.Node {
	option := node("TD[3]", "",
		node("L", "",
			node("LI", "",
				node("LBody", "Male", node("ExtraCharSpan", "□")),
			),
			node("LI[2]", "",
				node("LBody[2]", "Female", node("ExtraCharSpan", "□")),
			),
		),
	)
	row := node("TR", "",
		node("TH", "*"),
		node("TD", "", node("P", "Sex")),
		option,
	)
	return node("P", "[DM] Demography", node("Table", "", row))
}

func TestExtractThreeColumnCodelist(t *testing.T) {
	e := newTestExtractor(t)
	records := e.Extract(codelistForm())
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "Sex", rec.ItemLabel)
	assert.Equal(t, TypeCodelist, rec.DataType)
	assert.Equal(t, "• Male\n• Female", rec.CodelistValues)
	assert.Equal(t, "Radio Button-Vertical", rec.ControlType)
	assert.Empty(t, rec.FieldLength)
	assert.Equal(t, 1, rec.ItemOrder)
	assert.False(t, rec.GroupRepeating)
	assert.Equal(t, 50, rec.RepeatMaximum)
}

func TestExtractRejectsAnnotationOptionCell(t *testing.T) {
	e := newTestExtractor(t)
	row := node("TR", "",
		node("TH", "*"),
		node("TD", "", node("P", "Race")),
		node("TD[3]", "C, CO"),
	)
	form := node("P", "[DM] Demography", node("Table", "", row))

	records := e.Extract(form)
	// Nothing qualified, so the placeholder row stands in for the form.
	require.Len(t, records, 1)
	assert.Empty(t, records[0].ItemLabel)
	assert.Equal(t, TypeText, records[0].DataType)
	assert.Equal(t, 50, records[0].RepeatMaximum)
}

func TestExtractTwoColumnLabelFormat(t *testing.T) {
	e := newTestExtractor(t)
	row := node("TR", "",
		node("TD", "", node("P", "Weight")),
		node("TD[2]", "", node("P", "|N3.2| kg")),
	)
	form := node("P", "[VS] Vital Signs", node("Table", "", row))

	records := e.Extract(form)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "Weight", rec.ItemLabel)
	assert.Equal(t, TypeLabel, rec.DataType)
	assert.Equal(t, "3", rec.FieldLength)
	assert.Equal(t, "2", rec.Precision)
	assert.Empty(t, rec.NumberRange)
	assert.False(t, rec.QueryFutureDate)
}

func TestExtractGroupRepeating(t *testing.T) {
	e := newTestExtractor(t)
	table := node("Table", "",
		node("TR", "", node("TD", "Vital Signs Measurements")),
		node("TR[2]", "",
			node("TD", "", node("P", "Systolic BP")),
			node("TD[2]", "", node("P", "|N3| mmHg")),
		),
		node("TR[3]", "",
			node("TD", "", node("P", "Diastolic BP")),
			node("TD[2]", "", node("P", "|N3| mmHg")),
		),
	)
	// The group persists into the next table until a new header row appears.
	table2 := node("Table[2]", "",
		node("TR", "", node("TD", "Other Assessments")),
		node("TR[2]", "",
			node("TD", "", node("P", "Pulse rate value")),
			node("TD[2]", "", node("P", "|N3| bpm")),
		),
	)
	form := node("P", "[VS] Vital Signs", table, table2)

	records := e.Extract(form)
	require.Len(t, records, 3)

	assert.Equal(t, "Vital Signs Measurements", records[0].ItemGroup)
	assert.True(t, records[0].GroupRepeating)
	assert.Equal(t, 2, records[0].RepeatMaximum)
	assert.True(t, records[1].GroupRepeating)
	assert.Equal(t, 2, records[1].RepeatMaximum)

	assert.Equal(t, "Other Assessments", records[2].ItemGroup)
	assert.False(t, records[2].GroupRepeating)
	assert.Equal(t, 50, records[2].RepeatMaximum)

	// Orders are 1..N with no gaps.
	for i, rec := range records {
		assert.Equal(t, i+1, rec.ItemOrder)
	}
}

func TestExtractDeduplicates(t *testing.T) {
	e := newTestExtractor(t)
	mkRow := func(n string) *doctree.Node {
		return node(n, "",
			node("TD", "", node("P", "Weight")),
			node("TD[2]", "", node("P", "|N3| kg")),
		)
	}
	form := node("P", "[VS] Vital Signs",
		node("Table", "", mkRow("TR"), mkRow("TR[2]")),
	)
	records := e.Extract(form)
	assert.Len(t, records, 1)
}

func TestExtractSkipsMetadataTable(t *testing.T) {
	e := newTestExtractor(t)
	meta := node("Table", "",
		node("TR", "",
			node("TD", "Trial ID: NN1234 Sample eCRF Version: 2.1"),
			node("TD[2]", "", node("P", "Page: 1 of 10")),
		),
	)
	form := node("P", "[DM] Demography", meta)

	records := e.Extract(form)
	require.Len(t, records, 1)
	assert.Empty(t, records[0].ItemLabel) // placeholder only
}

func TestExtractSkipsParagraphSpanQuestions(t *testing.T) {
	e := newTestExtractor(t)
	row := node("TR", "",
		node("TH", ""),
		node("TD", "", node("ParagraphSpan", "Category header")),
		node("TD[3]", "", node("P", "Some option text")),
	)
	form := node("P", "[DM] Demography", node("Table", "", row))

	records := e.Extract(form)
	require.Len(t, records, 1)
	assert.Empty(t, records[0].ItemLabel)
}

func TestExtractDateTimeAndRequired(t *testing.T) {
	e := newTestExtractor(t)
	row := node("TR", "",
		node("TD", "", node("P", "*Date of visit")),
		node("TD[2]", "", node("P", "Req (1900-2100)")),
	)
	form := node("P", "[SV] Subject Visit", node("Table", "", row))

	records := e.Extract(form)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, TypeDateTime, rec.DataType)
	assert.True(t, rec.QueryFutureDate)
	assert.True(t, rec.Required)
	assert.Equal(t, "Form,Item", rec.OpenQuery)
}

func TestExtractLabelFromSubNode(t *testing.T) {
	e := newTestExtractor(t)
	row := node("TR", "",
		node("TH", "",
			node("Sub", "Pulse rate"),
			node("Sub[2]", "[hidden]"),
		),
		node("TD", "",
			node("L", "", node("LI", "", node("LBody", "Regular"))),
		),
	)
	form := node("P", "[VS] Vital Signs", node("Table", "", row))

	records := e.Extract(form)
	require.Len(t, records, 1)
	assert.Equal(t, "Pulse rate", records[0].ItemLabel)
	assert.Equal(t, "• Regular", records[0].CodelistValues)
}

func TestFieldLengthPrecisionRange(t *testing.T) {
	e := newTestExtractor(t)

	assert.Equal(t, "3", e.FieldLength("• |N3| Years"))
	assert.Equal(t, "3", e.FieldLength("• |0 < N3 ≤ 200| kg"))
	assert.Equal(t, "3", e.FieldLength("• Yes\n• No")) // longest plain line
	assert.Equal(t, "", e.FieldLength(""))

	assert.Equal(t, "2", e.Precision("|N3.2|"))
	assert.Equal(t, "2", e.Precision("|0.00 < N3.2 ≤ 200.00|"))
	assert.Equal(t, "0", e.Precision("|N3| plain"))
	assert.Equal(t, "", e.Precision(""))

	assert.Equal(t, "0 - 200", e.NumberRange("|0 < N3 ≤ 200|"))
	assert.Equal(t, "0 - ", e.NumberRange("|0 < N3|"))
	assert.Equal(t, " - 200", e.NumberRange("|N3 ≤ 200|"))
	assert.Equal(t, "", e.NumberRange("|N3|"))
}

func TestDetermineDataType(t *testing.T) {
	e := newTestExtractor(t)

	assert.Equal(t, TypeText, e.DetermineDataType(nil, ""))

	plain := node("TD", "", node("P", "free text"))
	assert.Equal(t, TypeText, e.DetermineDataType(plain, "free text"))

	withECS := node("TD", "", node("P", "", node("ExtraCharSpan", "□")))
	assert.Equal(t, TypeCodelist, e.DetermineDataType(withECS, ""))

	assert.Equal(t, TypeDateTime, e.DetermineDataType(plain, "Req (1900-2100)"))
	assert.Equal(t, TypeLabel, e.DetermineDataType(plain, "• |N3| Years"))
}
