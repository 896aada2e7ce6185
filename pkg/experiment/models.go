package experiment

import (
	"strconv"
	"strings"
)

// Category is the closed set of event kinds an experiment may reference.
type Category string

const (
	CategoryDiagnosis  Category = "diagnosis"
	CategoryProcedure  Category = "procedure"
	CategoryMedication Category = "medication"
	CategoryLabResult  Category = "lab_result"
	CategoryVitalSign  Category = "vital_sign"
	CategoryPatient    Category = "patient"
)

var categoryAliases = map[string]Category{
	"diagnosis":  CategoryDiagnosis,
	"procedure":  CategoryProcedure,
	"medication": CategoryMedication,
	"labresult":  CategoryLabResult,
	"lab":        CategoryLabResult,
	"vitalsign":  CategoryVitalSign,
	"vitals":     CategoryVitalSign,
	"patient":    CategoryPatient,
}

// ParseCategory accepts the spellings used by study configs ("LabResult",
// "lab_result", "Lab Result") and reports false for anything else.
func ParseCategory(s string) (Category, bool) {
	key := strings.ToLower(s)
	key = strings.NewReplacer("_", "", " ", "", "-", "").Replace(key)
	c, ok := categoryAliases[key]
	return c, ok
}

// DeathCode selects the patient vital-status lookup for patient events.
const DeathCode = "DEATH"

type MatchMode string

const (
	FirstMatch MatchMode = "first_match"
	AllMatches MatchMode = "all_matches"
)

type TimeFrame struct {
	MinDate string `json:"min_date,omitempty"`
	MaxDate string `json:"max_date,omitempty"`
}

type AttributeEventGroup struct {
	Events []Event        `json:"events"`
	Period *TimeInterval `json:"period,omitempty"`
}

type Event struct {
	ID              string               `json:"id"`
	Category        Category             `json:"category"`
	Name            string               `json:"name,omitempty"`
	Codes           []string             `json:"codes,omitempty"`
	NumValue        string               `json:"num_value,omitempty"`
	TextValue       string               `json:"text_value,omitempty"`
	Negation        bool                 `json:"negation,omitempty"`
	IncludeSubcodes bool                 `json:"include_subcodes,omitempty"`
	Period          *TimeInterval        `json:"period,omitempty"`
	Exclude         *AttributeEventGroup `json:"exclude,omitempty"`
	Having          *AttributeEventGroup `json:"having,omitempty"`
}

func (e Event) HasAttributeEvents() bool {
	return (e.Exclude != nil && len(e.Exclude.Events) > 0) || (e.Having != nil && len(e.Having.Events) > 0)
}

func (e Event) IsPatient() bool {
	return e.Category == CategoryPatient
}

func (e Event) HasCode(code string) bool {
	for _, c := range e.Codes {
		if c == code {
			return true
		}
	}
	return false
}

type Level struct {
	Level     int           `json:"level"`
	Name      string        `json:"name,omitempty"`
	Period    *TimeInterval `json:"period,omitempty"`
	Events    []Event       `json:"events"`
	MatchMode MatchMode     `json:"match_mode,omitempty"`
}

func (l Level) FirstMatch() bool {
	return l.MatchMode == FirstMatch
}

// DisplayName falls back to the level number when the config gives no name.
func (l Level) DisplayName() string {
	if l.Name != "" {
		return l.Name
	}
	return "level_" + strconv.Itoa(l.Level)
}

type Config struct {
	Name              string     `json:"name,omitempty"`
	Levels            []Level    `json:"levels"`
	ComorbidityScores []string   `json:"comorbidity_scores,omitempty"`
	TimeFrame         *TimeFrame `json:"time_frame,omitempty"`
	OutcomeDir        string     `json:"-"`
}

func (c *Config) LevelByNumber(n int) Level {
	return c.Levels[n]
}

// Events lists every top-level event of every level, in level order.
func (c *Config) Events() []Event {
	var events []Event
	for _, l := range c.Levels {
		events = append(events, l.Events...)
	}
	return events
}

// OutcomeDirFor replaces path separators so a study name is a single directory.
func OutcomeDirFor(name string) string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(name)
}
