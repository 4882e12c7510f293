// Package decode turns raw fetch bytes into an in-memory dataset.Sample,
// or reports that the bytes are not a sample at all — which the Fetcher
// folds into the NoData outcome, exactly as the upstream service folding
// "no pass over this region" into an undecodable payload is treated as
// expected rather than an error.
package decode

import (
	"bytes"
	"encoding/json"
	"errors"
)

// magic identifies this engine's self-describing granule container: a
// fixed byte prefix followed by a JSON-encoded Sample. The upstream
// service's actual wire format is out of scope (spec.md §6); this is the
// engine's own on-the-wire and on-disk encoding for the bytes it
// exchanges with its Fetcher and persists to a granule file.
var magic = []byte("BAEG1")

// ErrNotDecodable means the payload is not a recognizable container —
// folded into NoData by callers, not surfaced as an error.
var ErrNotDecodable = errors.New("decode: payload is not a recognized granule container")

// Sample is one decoded granule's payload: a timestamp plus one flat
// value slice per variable. Real sensor grids are 2-D (row, col); this
// engine only needs per-variable valid-pixel counts and means out of
// that grid, so Values already holds the flattened pixel values for
// exactly the variables the caller asked for.
type Sample struct {
	Date   string // YYYY-MM-DD, from the source filename once saved
	Hour   int
	Values map[string][]float64 // variable name -> flattened grid values
}

func isNaN(f float64) bool { return f != f }

// HasAnyValue reports whether any variable in the sample carries a
// non-NaN reading — the test the Fetcher uses to distinguish HasData
// from a payload that decodes but is empty.
func (s Sample) HasAnyValue() bool {
	for _, vals := range s.Values {
		for _, v := range vals {
			if !isNaN(v) {
				return true
			}
		}
	}
	return false
}

// VariableStats summarizes one variable's values for a Granule row.
type VariableStats struct {
	ValidPixels int
	Mean        float64
}

// Stats computes valid-pixel count and mean for every variable in the
// sample, skipping NaN entries.
func (s Sample) Stats() map[string]VariableStats {
	out := make(map[string]VariableStats, len(s.Values))
	for name, vals := range s.Values {
		var sum float64
		var n int
		for _, v := range vals {
			if isNaN(v) {
				continue
			}
			sum += v
			n++
		}
		mean := 0.0
		if n > 0 {
			mean = sum / float64(n)
		}
		out[name] = VariableStats{ValidPixels: n, Mean: mean}
	}
	return out
}

// Encode serializes a sample into this engine's on-disk/wire format.
func Encode(s Sample) ([]byte, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(magic)+len(body))
	out = append(out, magic...)
	out = append(out, body...)
	return out, nil
}

// Decode parses bytes written by Encode. An empty payload or one missing
// the magic prefix returns ErrNotDecodable, not a hard error.
func Decode(raw []byte) (Sample, error) {
	if len(raw) == 0 || !bytes.HasPrefix(raw, magic) {
		return Sample{}, ErrNotDecodable
	}
	var s Sample
	if err := json.Unmarshal(raw[len(magic):], &s); err != nil {
		return Sample{}, ErrNotDecodable
	}
	return s, nil
}
