// Package rules holds the per-stage classification rules and thresholds.
// Every pattern list and numeric threshold used by the extraction stages is
// overridable through a JSON rules file; the built-in defaults reflect the
// rule set the pipeline was tuned on.
package rules

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
)

// FormRules drives form detection, trigger search and source classification.
type FormRules struct {
	VisitPatterns          []string    `json:"visit_patterns"`
	TriggerPatterns        []string    `json:"trigger_patterns"`
	IgnorePatterns         []string    `json:"ignore_patterns"`
	ValidBrackets          string      `json:"valid_brackets"`
	ValidRepeating         string      `json:"valid_repeating"`
	InvalidBracketPatterns []string    `json:"invalid_bracket_patterns"`
	RepeatingExclusions    []string    `json:"repeating_exclusions"`
	InvalidLabelPatterns   []string    `json:"invalid_label_patterns"`
	Source                 SourceRules `json:"source_classification"`
	MaxTriggerDepth        int         `json:"max_trigger_depth"`
	RequiredLegendPattern  string      `json:"required_legend_pattern"`
	MaxLegendDistance      int         `json:"max_legend_distance"`
}

// SourceRules are the indicator lists for Library / New / Ref. Study
// classification, checked in priority order.
type SourceRules struct {
	ReferenceStudyIndicators []string `json:"reference_study_indicators"`
	NewIndicators            []string `json:"new_indicators"`
	LibraryIndicators        []string `json:"library_indicators"`
	StandardDomains          []string `json:"standard_domains"`
	MaxLibraryBaseLength     int      `json:"max_library_base_length"`
}

// ItemRules drives item-row classification within a form.
type ItemRules struct {
	MetadataMarkers      []string `json:"metadata_markers"`
	OrganizationPatterns []string `json:"organization_patterns"`
	InstructionKeywords  []string `json:"instruction_keywords"`
	DateTimePattern      string   `json:"date_time_pattern"`
	InvalidGroupPatterns []string `json:"invalid_group_patterns"`
}

// ScheduleRules drives the schedule-of-activities table parser.
type ScheduleRules struct {
	VisitPatterns               []string `json:"visit_patterns"`
	HeaderKeywords              []string `json:"header_keywords"`
	CellMarkers                 []string `json:"cell_markers"`
	SectionBreaks               []string `json:"section_breaks"`
	ProcedureFilters            []string `json:"procedure_filters"`
	MinVisitCount               int      `json:"min_visit_count"`
	MinProcedures               int      `json:"min_procedures"`
	ConsecutiveNonProcedureRows int      `json:"consecutive_non_procedures_threshold"`
}

// MatrixRules drives form-to-procedure fuzzy reconciliation.
type MatrixRules struct {
	FuzzyThreshold  float64 `json:"fuzzy_threshold"`
	IncludeUnmapped bool    `json:"include_unmapped"`
	CaseInsensitive bool    `json:"case_insensitive"`
}

// EventRules drives visit normalization, event grouping and window math.
type EventRules struct {
	SoAKeywords            []string         `json:"soa_keywords"`
	VisitShortNameKeywords []string         `json:"visit_short_name_keywords"`
	StudyWeekKeywords      []string         `json:"study_week_keywords"`
	NormalizationPattern   string           `json:"normalization_pattern"`
	KeepSuffixLength       int              `json:"keep_suffix_length"`
	SpecialCases           []string         `json:"special_cases"`
	ExtensionSection       string           `json:"extension_section"`
	ExtensionPattern       string           `json:"extension_pattern"`
	EventGroups            []EventGroupRule `json:"event_groups"`
	EarlyWindowDays        int              `json:"early_window"`
	LateWindowDays         int              `json:"late_window"`
	FirstVisitOffsetType   string           `json:"first_visit_offset_type"`
	OtherVisitOffsetType   string           `json:"other_visit_offset_type"`
}

// EventGroupRule maps explicit visit codes to a named event group; explicit
// mappings win over the week-based Extension/Main Study split.
type EventGroupRule struct {
	GroupName  string   `json:"group_name"`
	VisitNames []string `json:"visit_names"`
}

// Set bundles the rules of all pipeline stages.
type Set struct {
	Forms    FormRules     `json:"forms"`
	Items    ItemRules     `json:"items"`
	Schedule ScheduleRules `json:"schedule"`
	Matrix   MatrixRules   `json:"matrix"`
	Events   EventRules    `json:"events"`
}

// Defaults returns the built-in rule set.
func Defaults() Set {
	return Set{
		Forms: FormRules{
			VisitPatterns: []string{
				`\bV\d+[A-Z]*(?:-\d+)?\b`,
			},
			TriggerPatterns: []string{
				`\bdynamic(?:ally)?\b`,
				`\btrigger(?:s|ed)?\b`,
				`\bonly\s+if\b`,
				`\bcomplete\s+(?:this\s+)?form\s+(?:only\s+)?(?:if|when)\b`,
				`\bdisplayed\s+(?:only\s+)?(?:if|when)\b`,
				`\bif\s+applicable\b`,
			},
			IgnorePatterns: []string{
				`^\[TEMPLATE\]`,
				`^\[EXAMPLE\]`,
			},
			ValidBrackets:  `\[([A-Z0-9_\-]{3,})\]`,
			ValidRepeating: `.*\b(Non-)?[Rr]epeating\b.*`,
			InvalidBracketPatterns: []string{
				`^L\d+$`,
				`^[A-Z]\d+$`,
			},
			RepeatingExclusions: []string{
				`^(CRF|Form)\s+(Date|Time|Coordinator|Designer|Notes?).*`,
				`^\w{1,4}\s+(Date|Time|Coordinator|Designer)\b.*`,
				`^\s*(Date|Time|Coordinator|Designer)\s*-\s*(Non-)?[Rr]epeating.*`,
			},
			InvalidLabelPatterns: []string{
				`^\s*V\d+[A-Z]*\s*$`,
				`Design\s*Notes?\s*:?$`,
				`Oracle\s*item\s*design\s*notes?\s*:?$`,
				`General\s*item\s*design\s*notes?\s*:?$`,
				`^\s*Non-Visit\s*Related\s*$`,
				`^Data from.*`,
				`^Hidden item.*`,
				`^\d+\s+`,
				`^\s*(Non-)?[Rr]epeating(\s+form)?\s*$`,
			},
			Source: SourceRules{
				ReferenceStudyIndicators: []string{
					`reference\s+study`,
					`copied\s+from\s+study`,
					`same\s+as\s+study\s+\w+`,
				},
				NewIndicators: []string{
					`study\s+specific\s+form`,
					`new\s+form\s+required`,
					`custom\s+designed`,
				},
				LibraryIndicators: []string{
					`standard\s+library\s+form`,
					`global\s+library`,
				},
				StandardDomains: []string{
					"DEMOGRAPHY", "DEMOGRAPHIC", "DEMOGRAPHICS", "DEMO",
					"INCLUSION", "EXCLUSION", "INCLUSIONEXCLUSION", "ELIGIBILITY",
					"INFORMED_CONSENT", "CONSENT", "ICF",
					"MEDICAL_HIST", "MEDICAL_HISTORY", "MEDHIST",
					"PHYSICAL_EXAM", "PHYSICALEXAM", "PE", "PHYSEXAM",
					"VITAL_SIGNS", "VITALSIGNS", "VITALS", "VS",
					"LAB", "LABORATORY", "LABS", "LABVALUE", "LABRESULT",
					"ECG", "ELECTROCARDIOGRAM", "EKG",
					"AE", "ADVERSE_EVENT", "ADVERSEEVENT", "SAE", "SERIOUS_AE",
					"CONMED", "CONCOMITANT_MEDICATION", "CONCOMITANTMEDICATION",
					"RANDOMIZATION", "RANDOMISATION", "RTSM", "IVRS", "IWRS",
				},
				MaxLibraryBaseLength: 15,
			},
			MaxTriggerDepth:       7,
			RequiredLegendPattern: `Key\s*:\s*\[\*\]\s*=\s*Item\s+is\s+required`,
			MaxLegendDistance:     5,
		},
		Items: ItemRules{
			MetadataMarkers: []string{
				`Trial\s+ID\s*:`,
				`Sample\s+eCRF`,
				`Mock-up`,
				`requirement`,
				`Version\s*:\s*\d+\.\d+`,
				`Page\s*:\s*\d+\s+of\s+\d+`,
			},
			OrganizationPatterns: []string{
				`Clinical\s+Trial`,
				`Protocol`,
			},
			InstructionKeywords: []string{
				"please", "note", "ensure", "click", "enter", "complete",
				"select", "indicate", "check", "provide", "collect",
				"integration", "Study ID",
			},
			DateTimePattern: `Req.*?\(\d{4}[-–—/]{1,2}\d{4}\)`,
			InvalidGroupPatterns: []string{
				`^\s*V\d+[A-Z]*\s*$`,
				`Design\s*Notes?\s*:?$`,
				`Oracle\s*item\s*design\s*notes?\s*:?$`,
				`General\s*item\s*design\s*notes?\s*:?$`,
				`^\s*Non-Visit\s*Related\s*$`,
				`^Data from.*`,
				`^Hidden item.*`,
				`^The item.*`,
				`^\d+\s+`,
				`.*\|A\d+\|.*`,
				`^\s*(Non-)?[Rr]epeating(\s+form)?\s*$`,
			},
		},
		Schedule: ScheduleRules{
			VisitPatterns: []string{
				`\b(?:V|P)\d+[A-Za-z]*\b`,
			},
			HeaderKeywords: []string{
				`visit`,
				`screening`,
				`baseline`,
				`week`,
			},
			CellMarkers: []string{
				`\b(?:X|YES|Y)\b`,
			},
			SectionBreaks: []string{
				`^\s*Appendix\b`,
				`^\s*Section\s+\d+`,
				`^\s*Abbreviations?\b`,
				`^\s*Footnotes?\b`,
			},
			ProcedureFilters: []string{
				"procedure", "procedures", "visit", "assessment", "activity",
			},
			MinVisitCount:               3,
			MinProcedures:               25,
			ConsecutiveNonProcedureRows: 25,
		},
		Matrix: MatrixRules{
			FuzzyThreshold:  0.5,
			IncludeUnmapped: false,
			CaseInsensitive: true,
		},
		Events: EventRules{
			SoAKeywords:            []string{"Procedure"},
			VisitShortNameKeywords: []string{"visit short name"},
			StudyWeekKeywords:      []string{"study week"},
			NormalizationPattern:   `^([VP]\d+)(?:\s([a-zA-Z]+))?$`,
			KeepSuffixLength:       1,
			SpecialCases:           []string{"SCR", "RAND"},
			ExtensionSection:       "Study rationale",
			ExtensionPattern:       `(\d+)\s*weeks on treatment`,
			EventGroups: []EventGroupRule{
				{GroupName: "Screening", VisitNames: []string{"SCR"}},
				{GroupName: "Randomization", VisitNames: []string{"RAND"}},
			},
			EarlyWindowDays:      -3,
			LateWindowDays:       3,
			FirstVisitOffsetType: "Specific: V1 anchor",
			OtherVisitOffsetType: "Previous visit",
		},
	}
}

// Load reads a JSON rules file and overlays it on the defaults. A missing or
// invalid file is not fatal: the defaults are returned and a warning logged,
// since every threshold has a sane built-in value.
func Load(path string, logger *log.Logger) Set {
	set := Defaults()
	if path == "" {
		return set
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Printf("rules file %s not loaded, using defaults: %v", path, err)
		return set
	}
	if err := json.Unmarshal(data, &set); err != nil {
		logger.Printf("rules file %s has invalid JSON, using defaults: %v", path, err)
		return Defaults()
	}
	return set
}

// LoadStrict is Load for callers that need to distinguish a bad rules file
// from an intentionally absent one.
func LoadStrict(path string) (Set, error) {
	set := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return set, fmt.Errorf("read rules file: %w", err)
	}
	if err := json.Unmarshal(data, &set); err != nil {
		return Defaults(), fmt.Errorf("parse rules file %s: %w", path, err)
	}
	return set, nil
}
