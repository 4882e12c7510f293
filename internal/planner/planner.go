// Package planner expands a site's date window, weekday mask and hour
// list into the exact set of granule requests to fetch, and computes the
// content hash that makes two requests with identical parameters
// interchangeable.
package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/baeeng/batch-acquisition-engine/internal/geo"
)

// gridKW is the grid keyword baked into every content hash; the engine
// only ever requests one grid resolution, but the field is kept in the
// hash input to match the upstream service's request-identity contract.
const gridKW = "1US1"

// Request is one (date, hour) granule skeleton plus the filter
// parameters that are part of its content identity.
type Request struct {
	Date     string // YYYY-MM-DD
	Hour     int
	BBox     geo.BoundingBox
	MaxCloud float64
	MaxSZA   float64
}

// Params describes the window a dataset plans granules over.
type Params struct {
	DateStart string // YYYY-MM-DD
	DateEnd   string // YYYY-MM-DD, inclusive
	DayFilter []int  // weekday indices, 0=Monday..6=Sunday
	HourList  []int
	BBox      geo.BoundingBox
	MaxCloud  float64
	MaxSZA    float64
}

// Plan expands Params into the ordered, deterministic, finite list of
// granule requests. A day is included only if its weekday (Monday=0) is
// present in DayFilter; an empty DayFilter or HourList yields an empty plan.
func Plan(p Params) ([]Request, error) {
	start, err := time.Parse("2006-01-02", p.DateStart)
	if err != nil {
		return nil, err
	}
	end, err := time.Parse("2006-01-02", p.DateEnd)
	if err != nil {
		return nil, err
	}

	dayFilter := make(map[int]bool, len(p.DayFilter))
	for _, d := range p.DayFilter {
		dayFilter[d] = true
	}
	hours := append([]int(nil), p.HourList...)
	sort.Ints(hours)

	var requests []Request
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		weekday := mondayIndexedWeekday(d)
		if !dayFilter[weekday] {
			continue
		}
		dateStr := d.Format("2006-01-02")
		for _, h := range hours {
			requests = append(requests, Request{
				Date:     dateStr,
				Hour:     h,
				BBox:     p.BBox,
				MaxCloud: p.MaxCloud,
				MaxSZA:   p.MaxSZA,
			})
		}
	}
	return requests, nil
}

// mondayIndexedWeekday converts Go's Sunday=0 weekday into the engine's
// Monday=0 convention.
func mondayIndexedWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// contentHashInput mirrors the exact key set the original implementation
// hashes over. json.Marshal on a struct always emits fields in a fixed
// declaration order, which is all the determinism this hash needs —
// nothing outside this process ever compares hashes byte-for-byte against
// another implementation's encoding.
type contentHashInput struct {
	BBox     [4]float64 `json:"bbox"`
	Date     string     `json:"date"`
	Hour     int        `json:"hour"`
	MaxCloud float64    `json:"max_cloud_fraction"`
	MaxSZA   float64    `json:"max_solar_zenith_angle"`
	GridKW   string     `json:"grid_kw"`
}

func round(v float64, places int) float64 {
	mult := math.Pow10(places)
	return math.Round(v*mult) / mult
}

// ContentHash computes the deduplication key for a granule request: a
// SHA-256 over a canonical JSON encoding of its parameters. Cloud and SZA
// are rounded (4dp, 2dp respectively) before hashing so floating-point
// representation drift never produces a false-distinct hash.
func ContentHash(r Request) (string, error) {
	input := contentHashInput{
		BBox:     [4]float64{r.BBox.West, r.BBox.South, r.BBox.East, r.BBox.North},
		Date:     r.Date,
		Hour:     r.Hour,
		MaxCloud: round(r.MaxCloud, 4),
		MaxSZA:   round(r.MaxSZA, 2),
		GridKW:   gridKW,
	}
	encoded, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}
