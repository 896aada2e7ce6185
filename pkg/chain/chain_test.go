package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/eventchain/pkg/cohort"
	"github.com/synaptica-ai/eventchain/pkg/common/logger"
	"github.com/synaptica-ai/eventchain/pkg/events"
	"github.com/synaptica-ai/eventchain/pkg/experiment"
	"github.com/synaptica-ai/eventchain/pkg/output"
	"github.com/synaptica-ai/eventchain/pkg/store"
	"github.com/synaptica-ai/eventchain/pkg/store/storetest"
	"github.com/synaptica-ai/eventchain/pkg/terminology"
	"github.com/synaptica-ai/eventchain/pkg/timeline"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func rec(patient, code, date, event string) store.Record {
	return store.Record{PatientID: patient, Code: code, Date: day(date), EventID: event}
}

func dx(id string, codes ...string) experiment.Event {
	return experiment.Event{ID: id, Category: experiment.CategoryDiagnosis, Codes: codes}
}

type fixture struct {
	builder *Builder
	writer  *output.MemoryWriter
	paths   output.Paths
}

func newFixture(gw store.Gateway) fixture {
	catalog := terminology.DefaultCatalog()
	writer := output.NewMemoryWriter()
	paths := output.NewPaths("/out", "study")
	b := NewBuilder(events.NewResolver(gw, catalog, 2), catalog, writer, paths,
		WithClock(func() time.Time { return day("2024-01-01") }))
	return fixture{builder: b, writer: writer, paths: paths}
}

func (f fixture) table(t *testing.T, path string) *output.Table {
	t.Helper()
	tab, ok := f.writer.Table(path)
	require.True(t, ok, "no table at %s", path)
	return tab
}

// Scenario A: FirstMatch keeps the earliest qualifying target.
func TestBuildFirstMatchKeepsEarliestTarget(t *testing.T) {
	gw := storetest.New().AddRecords("diagnosis",
		store.Record{PatientID: "p1", Code: "A", Date: day("2020-01-01")},
		store.Record{PatientID: "p1", Code: "B", Date: day("2020-01-03")},
		store.Record{PatientID: "p1", Code: "B", Date: day("2020-01-05")},
	)
	f := newFixture(gw)
	cfg := &experiment.Config{Name: "s", Levels: []experiment.Level{
		{Level: 0, Events: []experiment.Event{dx("a", "A")}},
		{Level: 1, Period: experiment.Days(1, 10), MatchMode: experiment.FirstMatch, Events: []experiment.Event{dx("b", "B")}},
	}}

	res, err := f.builder.Build(context.Background(), cfg, cohort.Group{Key: "p", Patients: []string{"p1"}}, false)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1}, res.LevelRows)
	assert.Equal(t, []int{1}, res.TransitionRows)
	assert.Equal(t, 1, res.ChainRows)

	tr := f.table(t, f.paths.Transition(1, "p"))
	require.Len(t, tr.Rows, 1)
	assert.Equal(t, []interface{}{day("2020-01-03")}, tr.Column("date_1"))
	assert.Equal(t, []interface{}{int64(2)}, tr.Column("t_0"))

	final := f.table(t, f.paths.Chain("p"))
	names := make([]string, len(final.Columns))
	for i, c := range final.Columns {
		names[i] = c.Name
	}
	assert.Equal(t, []string{
		"patient_id", "code_0", "date_0", "event_id_0", "t_0",
		"code_1", "date_1", "event_id_1", "total_time",
	}, names)
	assert.Equal(t, []interface{}{"p1", "A", day("2020-01-01"), "a", int64(2), "B", day("2020-01-03"), "b", int64(2)}, final.Rows[0])
}

// Scenario B: a negated level admits the synthetic row pinned at d+30.
func TestBuildNegatedLevel(t *testing.T) {
	gw := storetest.New().AddRecords("diagnosis",
		store.Record{PatientID: "p1", Code: "A", Date: day("2020-01-01")},
		store.Record{PatientID: "p1", Code: "X", Date: day("2020-03-01")},
	)
	f := newFixture(gw)
	nox := dx("nox", "X")
	nox.Negation = true
	cfg := &experiment.Config{Name: "s", Levels: []experiment.Level{
		{Level: 0, Events: []experiment.Event{dx("a", "A")}},
		{Level: 1, Period: experiment.Days(0, 30), Events: []experiment.Event{nox}},
	}}

	_, err := f.builder.Build(context.Background(), cfg, cohort.Group{Key: "p", Patients: []string{"p1"}}, false)
	require.NoError(t, err)

	lvl := f.table(t, f.paths.Level(1, "p"))
	require.Len(t, lvl.Rows, 1)
	assert.Equal(t, []interface{}{"not [X]"}, lvl.Column("code_1"))
	assert.Equal(t, []interface{}{day("2020-01-31")}, lvl.Column("date_1"))
}

// Under FirstMatch the negated level still sees X on 02-05, so only the
// window anchored on 01-01 is empty.
func TestBuildNegatedFirstMatchLevel(t *testing.T) {
	gw := storetest.New().AddRecords("diagnosis",
		store.Record{PatientID: "p1", Code: "A", Date: day("2020-01-01")},
		store.Record{PatientID: "p1", Code: "A", Date: day("2020-01-10")},
		store.Record{PatientID: "p1", Code: "X", Date: day("2020-02-05")},
	)
	f := newFixture(gw)
	nox := dx("nox", "X")
	nox.Negation = true
	cfg := &experiment.Config{Name: "s", Levels: []experiment.Level{
		{Level: 0, Events: []experiment.Event{dx("a", "A")}},
		{Level: 1, Period: experiment.Days(0, 30), MatchMode: experiment.FirstMatch, Events: []experiment.Event{nox}},
	}}

	res, err := f.builder.Build(context.Background(), cfg, cohort.Group{Key: "p", Patients: []string{"p1"}}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChainRows)

	final := f.table(t, f.paths.Chain("p"))
	require.Len(t, final.Rows, 1)
	assert.Equal(t, []interface{}{day("2020-01-01")}, final.Column("date_0"))
	assert.Equal(t, []interface{}{"not [X]"}, final.Column("code_1"))
	assert.Equal(t, []interface{}{day("2020-01-31")}, final.Column("date_1"))
}

// The synthetic row of a window cut short by the time frame is not at the
// interval's far edge, so it never matches.
func TestBuildNegatedLevelClampedByTimeFrame(t *testing.T) {
	gw := storetest.New().AddRecords("diagnosis", store.Record{PatientID: "p1", Code: "A", Date: day("2020-01-01")})
	f := newFixture(gw)
	nox := dx("nox", "X")
	nox.Negation = true
	cfg := &experiment.Config{
		Name:      "s",
		TimeFrame: &experiment.TimeFrame{MaxDate: "2020-01-21"},
		Levels: []experiment.Level{
			{Level: 0, Events: []experiment.Event{dx("a", "A")}},
			{Level: 1, Period: experiment.Days(0, 30), Events: []experiment.Event{nox}},
		},
	}
	_, err := f.builder.Build(context.Background(), cfg, cohort.Group{Key: "p", Patients: []string{"p1"}}, false)
	require.ErrorIs(t, err, ErrNoMatch)
	assert.True(t, IsNoData(err))

	_, ok := f.writer.Table(f.paths.Level(0, "p"))
	assert.True(t, ok, "level 0 is persisted before the failing level")
	_, ok = f.writer.Table(f.paths.Chain("p"))
	assert.False(t, ok)
}

// The event period shifts the windows already shifted by the level period:
// level [20,30] then event [5,10] searches [d+25, d+40]. Admission uses the
// event period alone, so d=30 is fetched but never matched.
func TestBuildEventPeriodStacksOnLevelWindows(t *testing.T) {
	gw := storetest.New().AddRecords("diagnosis",
		store.Record{PatientID: "p1", Code: "A", Date: day("2020-01-01")},
		store.Record{PatientID: "p1", Code: "B", Date: day("2020-01-08")},
		store.Record{PatientID: "p1", Code: "B", Date: day("2020-01-31")},
		store.Record{PatientID: "p1", Code: "B", Date: day("2020-02-15")},
	)
	f := newFixture(gw)
	b := dx("b", "B")
	b.Period = experiment.Days(5, 10)
	cfg := &experiment.Config{Name: "s", Levels: []experiment.Level{
		{Level: 0, Events: []experiment.Event{dx("a", "A")}},
		{Level: 1, Period: experiment.Days(20, 30), Events: []experiment.Event{b}},
	}}

	_, err := f.builder.Build(context.Background(), cfg, cohort.Group{Key: "p", Patients: []string{"p1"}}, false)
	require.ErrorIs(t, err, ErrNoMatch)

	_, ok := f.writer.Table(f.paths.Level(1, "p"))
	assert.False(t, ok, "a level is persisted only once it matched")
}

func TestResolveLevelStacksEventPeriod(t *testing.T) {
	gw := storetest.New().AddRecords("diagnosis",
		store.Record{PatientID: "p1", Code: "B", Date: day("2020-01-08")},
		store.Record{PatientID: "p1", Code: "B", Date: day("2020-01-31")},
		store.Record{PatientID: "p1", Code: "B", Date: day("2020-02-15")},
	)
	catalog := terminology.DefaultCatalog()
	b := dx("b", "B")
	b.Period = experiment.Days(5, 10)
	lvl := experiment.Level{Level: 1, Period: experiment.Days(20, 30), Events: []experiment.Event{b}}

	ws, err := timeline.FromAnchors([]timeline.Anchor{{PatientID: "p1", Date: day("2020-01-01")}}, lvl.Period, nil, day("2024-01-01"))
	require.NoError(t, err)
	rows, err := events.NewResolver(gw, catalog, 2).ResolveLevel(context.Background(), lvl, ws, events.Options{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, day("2020-01-31"), rows[0].Date)
}

func TestBuildEmptyLevel(t *testing.T) {
	gw := storetest.New().AddRecords("diagnosis", store.Record{PatientID: "p1", Code: "A", Date: day("2020-01-01")})
	f := newFixture(gw)
	cfg := &experiment.Config{Name: "s", Levels: []experiment.Level{
		{Level: 0, Events: []experiment.Event{dx("a", "A")}},
		{Level: 1, Events: []experiment.Event{dx("b", "B")}},
	}}
	_, err := f.builder.Build(context.Background(), cfg, cohort.Group{Key: "p", Patients: []string{"p1"}}, false)
	require.ErrorIs(t, err, ErrEmptyLevel)
	assert.Contains(t, err.Error(), "level 1")
}

func TestBuildLogsChainLevelField(t *testing.T) {
	hook := logtest.NewLocal(logger.Log)
	defer hook.Reset()

	gw := storetest.New().AddRecords("diagnosis", store.Record{PatientID: "p1", Code: "A", Date: day("2020-01-01")})
	f := newFixture(gw)
	cfg := &experiment.Config{Name: "s", Levels: []experiment.Level{
		{Level: 0, Events: []experiment.Event{dx("a", "A")}},
		{Level: 1, Events: []experiment.Event{dx("b", "B")}},
	}}
	_, err := f.builder.Build(context.Background(), cfg, cohort.Group{Key: "p", Patients: []string{"p1"}}, false)
	require.ErrorIs(t, err, ErrEmptyLevel)

	var found bool
	for _, e := range hook.AllEntries() {
		if e.Message != "Level resolved no events" {
			continue
		}
		found = true
		assert.Equal(t, 1, e.Data["chain_level"])
		line, err := (&logrus.JSONFormatter{}).Format(e)
		require.NoError(t, err)
		assert.Contains(t, string(line), `"chain_level":1`)
		assert.NotContains(t, string(line), "fields.level")
	}
	assert.True(t, found)
}

func TestBuildPropagatesGatewayErrors(t *testing.T) {
	boom := errors.New("connection reset")
	f := newFixture(storetest.New().FailTable("diagnosis", boom))
	cfg := &experiment.Config{Name: "s", Levels: []experiment.Level{{Level: 0, Events: []experiment.Event{dx("a", "A")}}}}
	_, err := f.builder.Build(context.Background(), cfg, cohort.Group{Key: "p", Patients: []string{"p1"}}, false)
	require.ErrorIs(t, err, boom)
	assert.False(t, IsNoData(err))
}

func TestBuildThreeLevelChainTotalTime(t *testing.T) {
	gw := storetest.New().AddRecords("diagnosis",
		store.Record{PatientID: "p1", Code: "A", Date: day("2020-01-01")},
		store.Record{PatientID: "p1", Code: "B", Date: day("2020-01-03")},
		store.Record{PatientID: "p1", Code: "C", Date: day("2020-01-08")},
		store.Record{PatientID: "p2", Code: "A", Date: day("2020-01-01")},
		store.Record{PatientID: "p2", Code: "B", Date: day("2020-01-04")},
	)
	f := newFixture(gw)
	cfg := &experiment.Config{Name: "s", Levels: []experiment.Level{
		{Level: 0, Events: []experiment.Event{dx("a", "A")}},
		{Level: 1, Period: experiment.Days(0, 10), Events: []experiment.Event{dx("b", "B")}},
		{Level: 2, Period: experiment.Days(0, 10), Events: []experiment.Event{dx("c", "C")}},
	}}
	res, err := f.builder.Build(context.Background(), cfg, cohort.Group{Key: "p", Patients: []string{"p1", "p2"}}, false)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, res.LevelRows)

	final := f.table(t, f.paths.Chain("p"))
	require.Len(t, final.Rows, 1)
	assert.Equal(t, []interface{}{"p1"}, final.Column("patient_id"))
	assert.Equal(t, []interface{}{int64(2)}, final.Column("t_0"))
	assert.Equal(t, []interface{}{int64(5)}, final.Column("t_1"))
	assert.Equal(t, []interface{}{int64(7)}, final.Column("total_time"))
}

func TestBuildSingleLevelChain(t *testing.T) {
	gw := storetest.New().AddRecords("medication_drug",
		store.Record{PatientID: "p1", Code: "M", Date: day("2020-01-01"), Strength: "5 mg"},
	)
	f := newFixture(gw)
	cfg := &experiment.Config{Name: "s", Levels: []experiment.Level{
		{Level: 0, Events: []experiment.Event{{ID: "m", Category: experiment.CategoryMedication, Codes: []string{"M"}}}},
	}}
	res, err := f.builder.Build(context.Background(), cfg, cohort.Group{Key: "p", Patients: []string{"p1"}}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChainRows)

	final := f.table(t, f.paths.Chain("p"))
	assert.Equal(t, []interface{}{"5 mg"}, final.Column("strength_0"))
	assert.Equal(t, []interface{}{nil}, final.Column("route_0"))
	assert.Equal(t, []interface{}{int64(0)}, final.Column("total_time"))
}

// Also pins the negated-row rule: a synthetic row is admitted only at
// d == max. That rule is carried over as observed and is not independently
// confirmed, so a change here should be deliberate.
func TestMatchIntervalBoundaries(t *testing.T) {
	index := []store.Record{rec("p1", "A", "2020-01-01", "a")}
	target := []store.Record{
		rec("p1", "B", "2020-01-01", "b"),
		rec("p1", "B", "2020-01-31", "b"),
		rec("p1", "B", "2020-02-01", "b"),
		rec("p1", "not [X]", "2020-01-01", "b"),
		rec("p1", "not [X]", "2020-01-31", "b"),
	}
	lvl := experiment.Level{Level: 1, Period: experiment.Days(0, 30), Events: []experiment.Event{{ID: "b"}}}

	rows := Match(index, target, lvl)
	var got []string
	for _, r := range rows {
		got = append(got, fmt.Sprintf("%s@%d", r.Last().Code, r.Distances[0]))
	}
	assert.ElementsMatch(t, []string{"B@0", "B@30", "not [X]@30"}, got)
}

func TestMatchWithoutPeriod(t *testing.T) {
	index := []store.Record{rec("p1", "A", "2020-01-10", "a")}
	target := []store.Record{
		rec("p1", "B", "2020-01-09", "b"),
		rec("p1", "B", "2020-01-10", "b"),
		rec("p1", "not [X]", "2020-02-10", "b"),
		rec("p1", "B", "2020-01-12", "unknown"),
	}
	lvl := experiment.Level{Level: 1, Events: []experiment.Event{{ID: "b"}}}
	rows := Match(index, target, lvl)
	require.Len(t, rows, 1)
	assert.Equal(t, 0, rows[0].Distances[0])
}

func TestMatchEventPeriodOverridesLevel(t *testing.T) {
	index := []store.Record{rec("p1", "A", "2020-01-10", "a")}
	target := []store.Record{rec("p1", "B", "2020-01-05", "b")}
	lvl := experiment.Level{Level: 1, Period: experiment.Days(0, 30), Events: []experiment.Event{{ID: "b", Period: experiment.Days(-10, 0)}}}
	require.Len(t, Match(index, target, lvl), 1)
}

func TestMatchFirstMatchResolvesIndexTies(t *testing.T) {
	index := []store.Record{
		rec("p1", "A", "2020-01-01", "a"),
		rec("p1", "A", "2020-01-02", "a"),
	}
	target := []store.Record{rec("p1", "B", "2020-01-05", "b")}
	all := experiment.Level{Level: 1, Period: experiment.Days(0, 10), Events: []experiment.Event{{ID: "b"}}}
	assert.Len(t, Match(index, target, all), 2)

	first := all
	first.MatchMode = experiment.FirstMatch
	rows := Match(index, target, first)
	require.Len(t, rows, 1)
	assert.Equal(t, day("2020-01-01"), rows[0].Cells[0].Date)
}

func TestMatchFirstMatchClearsTargetAttributes(t *testing.T) {
	v := 3.0
	index := []store.Record{rec("p1", "A", "2020-01-01", "a")}
	target := []store.Record{
		{PatientID: "p1", Code: "L", Date: day("2020-01-02"), EventID: "b", NumValue: &v},
		{PatientID: "p1", Code: "L", Date: day("2020-01-02"), EventID: "b", TextValue: "high"},
	}
	lvl := experiment.Level{Level: 1, MatchMode: experiment.FirstMatch, Events: []experiment.Event{{ID: "b"}}}
	rows := Match(index, target, lvl)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].Last().NumValue)
	assert.Empty(t, rows[0].Last().TextValue)
}

func TestMatchDropsPatientsAbsentFromTarget(t *testing.T) {
	index := []store.Record{rec("p1", "A", "2020-01-01", "a"), rec("p2", "A", "2020-01-01", "a")}
	target := []store.Record{rec("p2", "B", "2020-01-02", "b")}
	lvl := experiment.Level{Level: 1, Events: []experiment.Event{{ID: "b"}}}
	rows := Match(index, target, lvl)
	require.Len(t, rows, 1)
	assert.Equal(t, "p2", rows[0].PatientID())
	assert.Nil(t, Match(index, nil, lvl))
}

// Scenario D.
func TestMatchBatchesLargeCohorts(t *testing.T) {
	var ids []string
	var index, target []store.Record
	for i := 0; i < 250; i++ {
		id := fmt.Sprintf("p%03d", i)
		ids = append(ids, id)
		index = append(index, rec(id, "A", "2020-01-01", "a"))
		target = append(target, rec(id, "B", "2020-01-02", "b"))
	}

	batches := Batches(ids, JoinBatchSize)
	require.Len(t, batches, 3)
	assert.Equal(t, []int{100, 100, 50}, []int{len(batches[0]), len(batches[1]), len(batches[2])})

	lvl := experiment.Level{Level: 1, Events: []experiment.Event{{ID: "b"}}}
	assert.Len(t, Match(index, target, lvl), 250)
}

func TestMatchIsIdempotentOnDistinctInput(t *testing.T) {
	index := []store.Record{
		rec("p1", "A", "2020-01-01", "a"),
		rec("p1", "A", "2020-01-01", "a"),
		rec("p1", "A", "2020-01-03", "a"),
	}
	target := []store.Record{rec("p1", "B", "2020-01-05", "b"), rec("p1", "B", "2020-01-05", "b")}
	lvl := experiment.Level{Level: 1, Events: []experiment.Event{{ID: "b"}}}

	once := Match(store.Dedup(index), store.Dedup(target), lvl)
	twice := Match(store.Dedup(index), store.Dedup(target), lvl)
	assert.Len(t, once, 2)
	assert.Equal(t, len(once), len(twice))
	assert.Len(t, Match(index, target, lvl), 2)
}

func TestAssembleJoinsOnSharedLevel(t *testing.T) {
	a := rec("p1", "A", "2020-01-01", "a")
	b1 := rec("p1", "B", "2020-01-02", "b")
	b2 := rec("p1", "B", "2020-01-04", "b")
	c := rec("p1", "C", "2020-01-05", "c")
	t01 := []Row{
		{First: 0, Cells: []store.Record{a, b1}, Distances: []int{1}},
		{First: 0, Cells: []store.Record{a, b2}, Distances: []int{3}},
	}
	t12 := []Row{{First: 1, Cells: []store.Record{b2, c}, Distances: []int{1}}}

	rows := Assemble(nil, [][]Row{t01, t12})
	require.Len(t, rows, 1)
	assert.Equal(t, []int{3, 1}, rows[0].Distances)
	assert.Equal(t, 4, rows[0].TotalTime())
	assert.Equal(t, 0, rows[0].First)
}
