package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/baeeng/batch-acquisition-engine/internal/decode"
)

func isNaN(f float64) bool { return f != f }

// Slice is one (date, hour) point in a combined artifact, including the
// derived RATIO variable.
type Slice struct {
	Date   string
	Hour   int
	Values map[string][]float64
}

// Combined is the time-indexed artifact a Combiner run produces: every
// input file's Slice, sorted by (date, hour).
type Combined struct {
	Slices []Slice
}

const ratioVariable = "RATIO"
const ratioDenominatorFloor = 1e-12

// ParseFilenameDateHour extracts (date, hour) from a saved granule
// filename of the form tempo_<YYYY-MM-DD>_<HH>.nc. The filename is
// authoritative for scheduling purposes — the engine never trusts a
// payload's internal timestamp, since the upstream service's internal
// clock is considered unreliable.
func ParseFilenameDateHour(path string) (date string, hour int, err error) {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	parts := strings.Split(base, "_")
	if len(parts) < 3 {
		return "", 0, fmt.Errorf("filename %q does not match tempo_<date>_<hour> pattern", base)
	}
	date = parts[len(parts)-2]
	hour, err = strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return "", 0, fmt.Errorf("filename %q has non-numeric hour segment: %w", base, err)
	}
	return date, hour, nil
}

// Combine fuses all per-hour files of a site into one time-indexed
// artifact. A file that fails to load is logged by the caller and
// skipped; Combine only returns an error if none of the files loaded.
func Combine(filePaths []string, numeratorVar, denominatorVar string) (*Combined, []error, error) {
	var slices []Slice
	var loadErrors []error

	for _, path := range filePaths {
		date, hour, err := ParseFilenameDateHour(path)
		if err != nil {
			loadErrors = append(loadErrors, err)
			continue
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			loadErrors = append(loadErrors, fmt.Errorf("read %s: %w", path, err))
			continue
		}
		sample, err := decode.Decode(raw)
		if err != nil {
			loadErrors = append(loadErrors, fmt.Errorf("decode %s: %w", path, err))
			continue
		}

		values := make(map[string][]float64, len(sample.Values)+1)
		for k, v := range sample.Values {
			values[k] = v
		}
		values[ratioVariable] = computeRatio(sample.Values[numeratorVar], sample.Values[denominatorVar])

		slices = append(slices, Slice{Date: date, Hour: hour, Values: values})
	}

	if len(slices) == 0 {
		return nil, loadErrors, fmt.Errorf("no files downloaded")
	}

	sort.Slice(slices, func(i, j int) bool {
		if slices[i].Date != slices[j].Date {
			return slices[i].Date < slices[j].Date
		}
		return slices[i].Hour < slices[j].Hour
	})

	return &Combined{Slices: slices}, loadErrors, nil
}

func computeRatio(numerator, denominator []float64) []float64 {
	n := len(denominator)
	if len(numerator) < n {
		n = len(numerator)
	}
	ratio := make([]float64, n)
	for i := 0; i < n; i++ {
		if denominator[i] > ratioDenominatorFloor && !isNaN(numerator[i]) {
			ratio[i] = numerator[i] / denominator[i]
		} else {
			ratio[i] = nan()
		}
	}
	return ratio
}

func nan() float64 {
	var zero float64
	return zero / zero
}

var combinedMagic = []byte("BAEC1")

// Save materializes a Combined artifact to a single file.
func Save(c *Combined, outPath string) (int64, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return 0, err
	}
	encoded := append(append([]byte{}, combinedMagic...), body...)
	if err := os.WriteFile(outPath, encoded, 0o644); err != nil {
		return 0, err
	}
	info, err := os.Stat(outPath)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
