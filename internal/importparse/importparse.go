// Package importparse reads a tabular site list — spreadsheet or
// delimited text — into a validated list of parsed sites. It never
// returns a hard failure for a bad row; bad rows are kept with an error
// field and excluded from the caller's "valid" subset.
package importparse

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/baeeng/batch-acquisition-engine/internal/geo"
)

func openFile(path string) (*os.File, error) {
	return os.Open(path)
}

// ParsedSite is one data row, valid or not. Error is non-empty for rows
// that failed validation; such rows are excluded from ParseResult.Valid.
type ParsedSite struct {
	RowNumber int
	Name      string
	Lat       float64
	Lon       float64
	RadiusKm  *float64
	DateStart *string
	DateEnd   *string
	HourStart *int
	HourEnd   *int
	MaxCloud  *float64
	MaxSZA    *float64
	Error     string
}

type ParseResult struct {
	Valid    []ParsedSite
	Rejected []ParsedSite
	Warnings []string
}

var nameAliases = []string{"name", "site_name", "site", "location", "id", "site_id"}
var latAliases = []string{"latitude", "lat", "y", "lat_dd"}
var lonAliases = []string{"longitude", "lon", "long", "x", "lng", "lon_dd"}

const (
	colRadiusKm  = "radius_km"
	colDateStart = "date_start"
	colDateEnd   = "date_end"
	colHourStart = "hour_start"
	colHourEnd   = "hour_end"
	colMaxCloud  = "max_cloud"
	colMaxSZA    = "max_sza"
)

func normalizeHeader(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

func findColumn(headers []string, aliases []string) int {
	normalized := make([]string, len(headers))
	for i, h := range headers {
		normalized[i] = normalizeHeader(h)
	}
	for _, alias := range aliases {
		for i, h := range normalized {
			if h == alias {
				return i
			}
		}
	}
	return -1
}

// ParseFile infers a format from the file extension and parses it.
// Unknown extensions produce a file-level error in Warnings and a zero
// ParseResult, as do an empty file and missing required columns. A Go
// error is returned when the file cannot be opened, when a CSV record is
// malformed, or when excelize cannot open or read the workbook; in those
// cases no rows are returned. ".xls" files go to excelize as well, which
// reads only Office Open XML workbooks, so a legacy binary .xls file
// fails to open.
func ParseFile(path string) (ParseResult, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".csv":
		return parseCSVFile(path)
	case ".xlsx", ".xls":
		return parseExcelFile(path)
	default:
		return ParseResult{Warnings: []string{fmt.Sprintf("unrecognized file extension %q", ext)}}, nil
	}
}

func parseCSVFile(path string) (ParseResult, error) {
	f, err := openFile(path)
	if err != nil {
		return ParseResult{}, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	headers, err := reader.Read()
	if err == io.EOF {
		return ParseResult{Warnings: []string{"file is empty"}}, nil
	}
	if err != nil {
		return ParseResult{}, err
	}

	var rows [][]string
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return ParseResult{}, err
		}
		rows = append(rows, rec)
	}
	return parseRows(headers, rows), nil
}

func parseExcelFile(path string) (ParseResult, error) {
	wb, err := excelize.OpenFile(path)
	if err != nil {
		return ParseResult{}, err
	}
	defer wb.Close()

	sheet := wb.GetSheetName(0)
	rows, err := wb.GetRows(sheet)
	if err != nil {
		return ParseResult{}, err
	}
	if len(rows) == 0 {
		return ParseResult{Warnings: []string{"sheet is empty"}}, nil
	}
	return parseRows(rows[0], rows[1:]), nil
}

func parseRows(headers []string, rows [][]string) ParseResult {
	nameIdx := findColumn(headers, nameAliases)
	latIdx := findColumn(headers, latAliases)
	lonIdx := findColumn(headers, lonAliases)

	optionalIdx := map[string]int{
		colRadiusKm:  findColumn(headers, []string{colRadiusKm}),
		colDateStart: findColumn(headers, []string{colDateStart}),
		colDateEnd:   findColumn(headers, []string{colDateEnd}),
		colHourStart: findColumn(headers, []string{colHourStart}),
		colHourEnd:   findColumn(headers, []string{colHourEnd}),
		colMaxCloud:  findColumn(headers, []string{colMaxCloud}),
		colMaxSZA:    findColumn(headers, []string{colMaxSZA}),
	}

	var result ParseResult
	if nameIdx < 0 || latIdx < 0 || lonIdx < 0 {
		result.Warnings = append(result.Warnings, "missing a required column: name, latitude, or longitude")
		return result
	}

	cell := func(row []string, idx int) string {
		if idx < 0 || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	for i, row := range rows {
		rowNum := i + 2 // 1-indexed, plus header row
		site := ParsedSite{RowNumber: rowNum, Name: cell(row, nameIdx)}

		lat, latErr := strconv.ParseFloat(cell(row, latIdx), 64)
		lon, lonErr := strconv.ParseFloat(cell(row, lonIdx), 64)
		switch {
		case latErr != nil || lonErr != nil:
			site.Error = "latitude/longitude is not a number"
		case !geo.ValidCoordinates(lat, lon):
			site.Error = fmt.Sprintf("coordinates out of range: lat=%v lon=%v", lat, lon)
		}
		site.Lat, site.Lon = lat, lon

		if v := cell(row, optionalIdx[colRadiusKm]); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				site.RadiusKm = &f
			} else {
				result.Warnings = append(result.Warnings, fmt.Sprintf("row %d: invalid radius_km %q, using default", rowNum, v))
			}
		}
		if v := cell(row, optionalIdx[colDateStart]); v != "" {
			site.DateStart = &v
		}
		if v := cell(row, optionalIdx[colDateEnd]); v != "" {
			site.DateEnd = &v
		}
		if v := cell(row, optionalIdx[colHourStart]); v != "" {
			if h, ok := parseHour(v); ok {
				site.HourStart = &h
			} else {
				result.Warnings = append(result.Warnings, fmt.Sprintf("row %d: hour_start %q out of range, override dropped", rowNum, v))
			}
		}
		if v := cell(row, optionalIdx[colHourEnd]); v != "" {
			if h, ok := parseHour(v); ok {
				site.HourEnd = &h
			} else {
				result.Warnings = append(result.Warnings, fmt.Sprintf("row %d: hour_end %q out of range, override dropped", rowNum, v))
			}
		}
		if v := cell(row, optionalIdx[colMaxCloud]); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				site.MaxCloud = &f
			} else {
				result.Warnings = append(result.Warnings, fmt.Sprintf("row %d: invalid max_cloud %q, using default", rowNum, v))
			}
		}
		if v := cell(row, optionalIdx[colMaxSZA]); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				site.MaxSZA = &f
			} else {
				result.Warnings = append(result.Warnings, fmt.Sprintf("row %d: invalid max_sza %q, using default", rowNum, v))
			}
		}

		if site.Error != "" {
			result.Rejected = append(result.Rejected, site)
		} else {
			result.Valid = append(result.Valid, site)
		}
	}
	return result
}

func parseHour(v string) (int, bool) {
	h, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	return h, true
}
