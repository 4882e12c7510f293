package planner

import (
	"testing"

	"github.com/baeeng/batch-acquisition-engine/internal/geo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseParams() Params {
	return Params{
		DateStart: "2024-06-01", // Saturday
		DateEnd:   "2024-06-02", // Sunday
		DayFilter: []int{5, 6},
		HourList:  []int{16, 17},
		BBox:      geo.BoundingBox{West: -112, South: 39, East: -110, North: 41},
		MaxCloud:  0.3,
		MaxSZA:    70,
	}
}

func TestPlanHappyPathTwoDaysTwoHours(t *testing.T) {
	reqs, err := Plan(baseParams())
	require.NoError(t, err)
	require.Len(t, reqs, 4)
	assert.Equal(t, "2024-06-01", reqs[0].Date)
	assert.Equal(t, 16, reqs[0].Hour)
	assert.Equal(t, "2024-06-02", reqs[3].Date)
	assert.Equal(t, 17, reqs[3].Hour)
}

func TestPlanEmptyWeekdayMaskYieldsEmptyPlan(t *testing.T) {
	p := baseParams()
	p.DayFilter = nil
	reqs, err := Plan(p)
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestPlanHourStartEqualsHourEndYieldsOneHourPerDay(t *testing.T) {
	p := baseParams()
	p.HourList = []int{16}
	reqs, err := Plan(p)
	require.NoError(t, err)
	assert.Len(t, reqs, 2)
}

func TestContentHashStableForIdenticalParams(t *testing.T) {
	r1 := Request{
		Date: "2024-06-01", Hour: 16,
		BBox: geo.BoundingBox{West: -112, South: 39, East: -110, North: 41},
		MaxCloud: 0.300049, MaxSZA: 70.001,
	}
	r2 := Request{
		Date: "2024-06-01", Hour: 16,
		BBox: geo.BoundingBox{West: -112, South: 39, East: -110, North: 41},
		MaxCloud: 0.300001, MaxSZA: 69.999,
	}
	h1, err := ContentHash(r1)
	require.NoError(t, err)
	h2, err := ContentHash(r2)
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "rounding should absorb floating-point drift")
}

func TestContentHashDiffersForDifferentHour(t *testing.T) {
	base := Request{Date: "2024-06-01", Hour: 16, BBox: geo.BoundingBox{West: -112, South: 39, East: -110, North: 41}, MaxCloud: 0.3, MaxSZA: 70}
	other := base
	other.Hour = 17
	h1, _ := ContentHash(base)
	h2, _ := ContentHash(other)
	assert.NotEqual(t, h1, h2)
}
