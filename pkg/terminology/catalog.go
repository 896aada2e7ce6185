package terminology

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/synaptica-ai/eventchain/pkg/experiment"
	"gopkg.in/yaml.v3"
)

// Column names shared by every clinical fact table.
const (
	ColPatientID = "patient_id"
	ColCode      = "code"
	ColDate      = "date"
	ColEventID   = "event_id"
	ColNumValue  = "num_value"
	ColTextValue = "text_value"
	ColStrength  = "strength"
	ColRoute     = "route"
	ColBrand     = "brand"
)

// Source describes where one event category lives in the store.
type Source struct {
	Table        string   `yaml:"table" json:"table"`
	CodeSystems  []string `yaml:"code_systems" json:"code_systems"`
	ExtraColumns []string `yaml:"extra_columns" json:"extra_columns"`
	ValueColumns bool     `yaml:"value_columns" json:"value_columns"`
}

type Catalog struct {
	Sources           map[experiment.Category]Source `yaml:"sources" json:"sources"`
	CrosswalkTable    string                         `yaml:"crosswalk_table" json:"crosswalk_table"`
	DescriptionsTable string                         `yaml:"descriptions_table" json:"descriptions_table"`
	PatientTable      string                         `yaml:"patient_table" json:"patient_table"`
}

// Load reads a YAML catalog. Keys the file leaves out keep their default.
func Load(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultCatalog(), err
	}
	var override Catalog
	if err := yaml.Unmarshal(content, &override); err != nil {
		return Catalog{}, err
	}
	cat := DefaultCatalog()
	for raw, src := range override.Sources {
		category, ok := experiment.ParseCategory(string(raw))
		if !ok {
			return Catalog{}, fmt.Errorf("terminology catalog: unknown category %q", raw)
		}
		if src.Table == "" {
			return Catalog{}, fmt.Errorf("terminology catalog: category %s has no table", category)
		}
		cat.Sources[category] = src
	}
	if override.CrosswalkTable != "" {
		cat.CrosswalkTable = override.CrosswalkTable
	}
	if override.DescriptionsTable != "" {
		cat.DescriptionsTable = override.DescriptionsTable
	}
	if override.PatientTable != "" {
		cat.PatientTable = override.PatientTable
	}
	return cat, nil
}

func (c Catalog) Lookup(category experiment.Category) (Source, bool) {
	if c.Sources == nil {
		return Source{}, false
	}
	src, ok := c.Sources[category]
	return src, ok
}

// Columns lists what an event query selects: the base triple, the category's
// extra columns, and the value columns when the event constrains them.
func (c Catalog) Columns(ev experiment.Event) []string {
	cols := []string{ColPatientID, ColCode, ColDate}
	src, ok := c.Lookup(ev.Category)
	if !ok {
		return cols
	}
	cols = append(cols, src.ExtraColumns...)
	if src.ValueColumns {
		if ev.NumValue != "" {
			cols = append(cols, ColNumValue)
		}
		if ev.TextValue != "" {
			cols = append(cols, ColTextValue)
		}
	}
	return cols
}

func DefaultCatalog() Catalog {
	return Catalog{
		Sources: map[experiment.Category]Source{
			experiment.CategoryDiagnosis: {
				Table:       "diagnosis",
				CodeSystems: []string{"ICD-10-CM", "ICD-9-CM"},
			},
			experiment.CategoryProcedure: {
				Table:       "procedure",
				CodeSystems: []string{"CPT", "HCPCS", "ICD-10-PCS"},
			},
			experiment.CategoryMedication: {
				Table:        "medication_drug",
				CodeSystems:  []string{"RxNorm", "NDC"},
				ExtraColumns: []string{ColStrength, ColRoute, ColBrand},
			},
			experiment.CategoryLabResult: {
				Table:        "lab_result",
				CodeSystems:  []string{"LOINC"},
				ValueColumns: true,
			},
			experiment.CategoryVitalSign: {
				Table:        "vital_signs",
				CodeSystems:  []string{"LOINC"},
				ValueColumns: true,
			},
			experiment.CategoryPatient: {
				Table: "patient",
			},
		},
		CrosswalkTable:    "code_map",
		DescriptionsTable: "standardized_terminology",
		PatientTable:      "patient",
	}
}
