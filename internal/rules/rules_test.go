package rules

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestDefaultsCompile(t *testing.T) {
	set := Defaults()

	var patterns []string
	patterns = append(patterns, set.Forms.VisitPatterns...)
	patterns = append(patterns, set.Forms.TriggerPatterns...)
	patterns = append(patterns, set.Forms.IgnorePatterns...)
	patterns = append(patterns, set.Forms.ValidBrackets)
	patterns = append(patterns, set.Forms.ValidRepeating)
	patterns = append(patterns, set.Forms.InvalidBracketPatterns...)
	patterns = append(patterns, set.Forms.RepeatingExclusions...)
	patterns = append(patterns, set.Forms.InvalidLabelPatterns...)
	patterns = append(patterns, set.Forms.Source.ReferenceStudyIndicators...)
	patterns = append(patterns, set.Forms.Source.NewIndicators...)
	patterns = append(patterns, set.Forms.Source.LibraryIndicators...)
	patterns = append(patterns, set.Forms.RequiredLegendPattern)
	patterns = append(patterns, set.Items.MetadataMarkers...)
	patterns = append(patterns, set.Items.OrganizationPatterns...)
	patterns = append(patterns, set.Items.DateTimePattern)
	patterns = append(patterns, set.Items.InvalidGroupPatterns...)
	patterns = append(patterns, set.Schedule.VisitPatterns...)
	patterns = append(patterns, set.Schedule.CellMarkers...)
	patterns = append(patterns, set.Schedule.SectionBreaks...)
	patterns = append(patterns, set.Events.NormalizationPattern)
	patterns = append(patterns, set.Events.ExtensionPattern)

	for _, p := range patterns {
		_, err := regexp.Compile(p)
		assert.NoError(t, err, "pattern %q", p)
	}
}

func TestDefaultsThresholds(t *testing.T) {
	set := Defaults()
	assert.Equal(t, 3, set.Schedule.MinVisitCount)
	assert.Equal(t, 25, set.Schedule.MinProcedures)
	assert.Equal(t, 0.5, set.Matrix.FuzzyThreshold)
	assert.False(t, set.Matrix.IncludeUnmapped)
	assert.Equal(t, 7, set.Forms.MaxTriggerDepth)
	assert.Equal(t, 5, set.Forms.MaxLegendDistance)
	assert.Equal(t, -3, set.Events.EarlyWindowDays)
	assert.Equal(t, 3, set.Events.LateWindowDays)
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	set := Load(filepath.Join(t.TempDir(), "nope.json"), discardLogger())
	assert.Equal(t, Defaults(), set)
}

func TestLoadEmptyPath(t *testing.T) {
	assert.Equal(t, Defaults(), Load("", discardLogger()))
}

func TestLoadOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	content := `{
		"schedule": {"min_visit_count": 2},
		"matrix": {"fuzzy_threshold": 0.8, "include_unmapped": true}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	set := Load(path, discardLogger())
	assert.Equal(t, 2, set.Schedule.MinVisitCount)
	assert.Equal(t, 0.8, set.Matrix.FuzzyThreshold)
	assert.True(t, set.Matrix.IncludeUnmapped)
	// Untouched fields keep their defaults.
	assert.Equal(t, Defaults().Forms.ValidBrackets, set.Forms.ValidBrackets)
	assert.Equal(t, Defaults().Schedule.MinProcedures, set.Schedule.MinProcedures)
}

func TestLoadInvalidJSONFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	set := Load(path, discardLogger())
	assert.Equal(t, Defaults(), set)

	_, err := LoadStrict(path)
	assert.Error(t, err)
}
