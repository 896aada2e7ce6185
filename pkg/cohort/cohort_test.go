package cohort

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/eventchain/pkg/events"
	"github.com/synaptica-ai/eventchain/pkg/experiment"
	"github.com/synaptica-ai/eventchain/pkg/store"
	"github.com/synaptica-ai/eventchain/pkg/store/storetest"
	"github.com/synaptica-ai/eventchain/pkg/terminology"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func study(events ...experiment.Event) *experiment.Config {
	return &experiment.Config{Name: "s", Levels: []experiment.Level{{Level: 0, Events: events}}}
}

func TestSplitByFirstCharacter(t *testing.T) {
	var ids []string
	for i := 1; i <= 199; i++ {
		ids = append(ids, fmt.Sprintf("p%03d", i))
	}
	ids = append(ids, "q001")

	groups := Split(ids)
	require.Len(t, groups, 2)
	assert.Equal(t, "p", groups[0].Key)
	assert.Len(t, groups[0].Patients, 199)
	assert.Equal(t, "q", groups[1].Key)
	assert.Equal(t, []string{"q001"}, groups[1].Patients)
}

func TestSplitSortsKeys(t *testing.T) {
	groups := Split([]string{"f1", "0a", "f2", "", "a9"})
	require.Len(t, groups, 3)
	assert.Equal(t, []string{"0", "a", "f"}, []string{groups[0].Key, groups[1].Key, groups[2].Key})
	assert.Equal(t, []string{"f1", "f2"}, groups[2].Patients)
}

func TestFindCohort(t *testing.T) {
	gw := storetest.New().
		AddRecords("diagnosis",
			store.Record{PatientID: "b2", Code: "I21", Date: day("2020-01-01")},
			store.Record{PatientID: "a1", Code: "I21", Date: day("2020-02-01")},
			store.Record{PatientID: "a1", Code: "I21", Date: day("2020-03-01")},
			store.Record{PatientID: "c3", Code: "E11", Date: day("2020-03-01")},
		).
		AddPatients(
			store.Patient{PatientID: "a1", Sex: "F"},
			store.Patient{PatientID: "b2", Sex: "M"},
		)
	finder := NewFinder(events.NewResolver(gw, terminology.DefaultCatalog(), 2), gw)

	cfg := study(experiment.Event{ID: "mi", Category: experiment.CategoryDiagnosis, Codes: []string{"I21"}})
	// the time frame does not restrict the index search
	cfg.TimeFrame = &experiment.TimeFrame{MinDate: "2021-01-01"}

	c, err := finder.Find(context.Background(), cfg, true)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Size())
	require.Len(t, c.Groups, 2)
	assert.Equal(t, []string{"a1"}, c.Groups[0].Patients)
	assert.Equal(t, []string{"b2"}, c.Groups[1].Patients)
	require.Len(t, c.Patients, 2)
	assert.Equal(t, "a1", c.Patients[0].PatientID)
}

func TestFindCohortWithoutPatients(t *testing.T) {
	gw := storetest.New()
	finder := NewFinder(events.NewResolver(gw, terminology.DefaultCatalog(), 2), gw)
	_, err := finder.Find(context.Background(), study(experiment.Event{ID: "x", Category: experiment.CategoryDiagnosis, Codes: []string{"Z"}}), false)
	require.ErrorIs(t, err, ErrNoPatients)
}

func TestBuildEventsMetadata(t *testing.T) {
	gw := storetest.New().AddDescriptions(
		store.CodeDescription{Code: "I21", CodeSystem: "ICD-10-CM", Description: "Acute myocardial infarction"},
		store.CodeDescription{Code: "I21", CodeSystem: "CPT", Description: "wrong system"},
		store.CodeDescription{Code: "I50", CodeSystem: "ICD-10-CM", Description: "Heart failure"},
	)
	cfg := &experiment.Config{Name: "s", Levels: []experiment.Level{
		{Level: 0, Name: "index", Events: []experiment.Event{
			{ID: "mi", Name: "MI", Category: experiment.CategoryDiagnosis, Codes: []string{"I21", "I99"}},
		}},
		{Level: 1, Events: []experiment.Event{
			{ID: "nohf", Category: experiment.CategoryDiagnosis, Codes: []string{"I50", "I21"}, Negation: true},
			{ID: "death", Category: experiment.CategoryPatient, Codes: []string{experiment.DeathCode}},
		}},
	}}

	rows, err := BuildEventsMetadata(context.Background(), gw, terminology.DefaultCatalog(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []EventCode{
		{Code: "I21", Category: "diagnosis", Description: "Acute myocardial infarction", EventName: "MI", EventID: "mi", Level: "index"},
		{Code: "I99", Category: "diagnosis", Description: NoDescription, EventName: "MI", EventID: "mi", Level: "index"},
		{Code: "not [I50 I21]", Category: "diagnosis", Description: "not [Heart failure| Acute myocardial infarction]", EventID: "nohf", Level: "level_1"},
		{Code: experiment.DeathCode, Category: "patient", Description: experiment.DeathCode, EventID: "death", Level: "level_1"},
	}, rows)
}
