package timeline

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/eventchain/pkg/experiment"
)

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func ptr(t time.Time) *time.Time { return &t }

func patients(prefix string, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s%06d", prefix, i)
	}
	return ids
}

func TestCohortWindow(t *testing.T) {
	ws, err := Cohort([]string{"b", "a"}, nil)
	require.NoError(t, err)
	require.Len(t, ws, 1)
	assert.True(t, ws[0].Unbounded())
	assert.Equal(t, []string{"a", "b"}, ws[0].Patients)

	ws, err = Cohort([]string{"a"}, &experiment.TimeFrame{MinDate: "2019-01-01"})
	require.NoError(t, err)
	assert.Equal(t, date("2019-01-01"), *ws[0].Start)
	assert.Nil(t, ws[0].End)
}

func TestShiftAndClamp(t *testing.T) {
	ws := Windows{{Window: Window{Start: ptr(date("2020-01-01")), End: ptr(date("2020-01-31"))}, Patients: []string{"p1"}}}

	lo, hi := -10, 10
	shifted := ws.Shift(&lo, &hi)
	assert.Equal(t, date("2019-12-22"), *shifted[0].Start)
	assert.Equal(t, date("2020-02-10"), *shifted[0].End)
	assert.Equal(t, date("2020-01-01"), *ws[0].Start, "shift must not touch the input")

	open := ws.Shift(nil, nil)
	assert.Equal(t, date("2020-01-01"), *open[0].Start)
	assert.Equal(t, AddDays(date("2020-01-31"), FarFutureDays), *open[0].End)

	clamped := open.Clamp(ptr(date("2020-01-15")), ptr(date("2020-12-31")))
	assert.Equal(t, date("2020-01-15"), *clamped[0].Start)
	assert.Equal(t, date("2020-12-31"), *clamped[0].End)

	assert.Nil(t, Windows(nil).Shift(&lo, &hi))

	unbounded := Windows{{Patients: []string{"p"}}}
	assert.True(t, unbounded.Shift(&lo, &hi)[0].Unbounded())
}

func TestChunkPacksSmallBuckets(t *testing.T) {
	ws := Windows{
		{Patients: patients("a", 6000)},
		{Patients: patients("b", 5000)},
		{Patients: patients("c", 100)},
	}
	groups := Chunk(ws, RequestGroupSize)
	require.Len(t, groups, 2)
	assert.Len(t, groups[0], 2)
	assert.Equal(t, 11000, groups[0].PatientCount())
	assert.Equal(t, 100, groups[1].PatientCount())
}

func TestChunkSplitsLargeBucket(t *testing.T) {
	ws := Windows{
		{Patients: patients("a", 25000)},
		{Patients: patients("b", 15000)},
	}
	groups := Chunk(ws, RequestGroupSize)
	// 25000 is split 10000/10000/5000, 15000 is not above 1.5x and packs alone.
	require.Len(t, groups, 4)
	assert.Equal(t, 10000, groups[0].PatientCount())
	assert.Equal(t, 10000, groups[1].PatientCount())
	assert.Equal(t, 5000, groups[2].PatientCount())
	assert.Equal(t, 15000, groups[3].PatientCount())
}

func TestFromAnchors(t *testing.T) {
	anchors := []Anchor{
		{PatientID: "p2", Date: date("2020-01-01")},
		{PatientID: "p1", Date: date("2020-01-01")},
		{PatientID: "p1", Date: date("2020-03-01")},
	}
	now := date("2024-06-01")

	ws, err := FromAnchors(anchors, experiment.Days(1, 10), nil, now)
	require.NoError(t, err)
	require.Len(t, ws, 2)
	assert.Equal(t, []string{"p1", "p2"}, ws[0].Patients)
	assert.Equal(t, date("2020-01-02"), *ws[0].Start)
	assert.Equal(t, date("2020-01-11"), *ws[0].End)
	assert.Equal(t, date("2020-01-01"), ws[0].Anchor)

	ws, err = FromAnchors(anchors, nil, nil, now)
	require.NoError(t, err)
	assert.Equal(t, date("2020-01-01"), *ws[0].Start)
	assert.Equal(t, now, *ws[0].End)

	ws, err = FromAnchors(anchors, experiment.Days(0, 30), &experiment.TimeFrame{MaxDate: "2020-02-01"}, now)
	require.NoError(t, err)
	require.Len(t, ws, 1, "window starting after the time frame is dropped")
	assert.Equal(t, date("2020-01-31"), *ws[0].End)
}

func TestDateHelpers(t *testing.T) {
	assert.Equal(t, 20200105, DateKey(date("2020-01-05")))
	d, err := ParseDateKey(20200105)
	require.NoError(t, err)
	assert.Equal(t, date("2020-01-05"), d)
	assert.Equal(t, 31, DaysBetween(date("2020-01-01"), date("2020-02-01")))
	assert.Equal(t, -1, DaysBetween(date("2020-01-02"), date("2020-01-01")))

	w := Window{Start: ptr(date("2020-01-01")), End: ptr(date("2020-01-31"))}
	assert.True(t, w.Contains(date("2020-01-01")))
	assert.True(t, w.Contains(date("2020-01-31")))
	assert.False(t, w.Contains(date("2020-02-01")))
}
