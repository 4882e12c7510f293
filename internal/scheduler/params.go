package scheduler

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/baeeng/batch-acquisition-engine/internal/geo"
	"github.com/baeeng/batch-acquisition-engine/internal/planner"
	"github.com/baeeng/batch-acquisition-engine/internal/storage"
)

// resolveParams builds the Granule Planner's Params for one site: every
// field falls back to the owning job's default unless the site carries
// its own override, per spec.md §4.1's per-site override contract. The
// hour override is applied only when both CustomHourStart and
// CustomHourEnd are set; a single hour bound leaves the job's hour list
// in place.
func resolveParams(job *storage.BatchJob, site *storage.BatchSite) (planner.Params, error) {
	p := planner.Params{
		DateStart: job.DateStart,
		DateEnd:   job.DateEnd,
		BBox: geo.BoundingBox{
			West: site.BBoxWest, South: site.BBoxSouth,
			East: site.BBoxEast, North: site.BBoxNorth,
		},
		MaxCloud: job.MaxCloud,
		MaxSZA:   job.MaxSZA,
	}
	if site.CustomDateStart != nil {
		p.DateStart = *site.CustomDateStart
	}
	if site.CustomDateEnd != nil {
		p.DateEnd = *site.CustomDateEnd
	}
	if site.CustomMaxCloud != nil {
		p.MaxCloud = *site.CustomMaxCloud
	}
	if site.CustomMaxSZA != nil {
		p.MaxSZA = *site.CustomMaxSZA
	}

	if err := json.Unmarshal([]byte(job.DayFilterJSON), &p.DayFilter); err != nil {
		return planner.Params{}, err
	}

	var hours []int
	if err := json.Unmarshal([]byte(job.HourFilterJSON), &hours); err != nil {
		return planner.Params{}, err
	}
	if site.CustomHourStart != nil && site.CustomHourEnd != nil {
		hours = hours[:0]
		for h := *site.CustomHourStart; h <= *site.CustomHourEnd; h++ {
			hours = append(hours, h)
		}
	}
	p.HourList = hours

	return p, nil
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._\- ]`)

// safeName turns a site name into a filesystem-safe directory/file
// fragment, keeping the same allowed set as the original's
// _sanitize_filename (letters, digits, '.', '_', '-', and space): each
// disallowed character is replaced individually, not collapsed as a run.
func safeName(name string) string {
	s := unsafeFilenameChars.ReplaceAllString(strings.TrimSpace(name), "_")
	if s == "" {
		s = "site"
	}
	return s
}
