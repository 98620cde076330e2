// Package financial reads precomputed per-division financial summaries. The
// blobs are produced elsewhere; this package never parses statements.
package financial

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gosimple/slug"
	"github.com/rs/zerolog"
)

var ErrNotFound = errors.New("financial blob not found")

// Periods holds one category across the four reporting periods.
type Periods struct {
	Month   float64 `json:"month"`
	YTD     float64 `json:"ytd"`
	PYMonth float64 `json:"py_month"`
	PYYTD   float64 `json:"py_ytd"`
}

func (p Periods) add(o Periods) Periods {
	return Periods{Month: p.Month + o.Month, YTD: p.YTD + o.YTD, PYMonth: p.PYMonth + o.PYMonth, PYYTD: p.PYYTD + o.PYYTD}
}

type Summary struct {
	NewEquipment Periods    `json:"new_equipment"`
	Parts        Periods    `json:"parts"`
	Labor        Periods    `json:"labor"`
	GrossProfit  Periods    `json:"gross_profit"`
	FileDate     *time.Time `json:"file_date"`
}

func (s Summary) add(o Summary) Summary {
	return Summary{
		NewEquipment: s.NewEquipment.add(o.NewEquipment),
		Parts:        s.Parts.add(o.Parts),
		Labor:        s.Labor.add(o.Labor),
		GrossProfit:  s.GrossProfit.add(o.GrossProfit),
	}
}

type Rollup struct {
	Summary
	ByDivision map[string]Summary `json:"by_division"`
}

// BlobReader fetches a named blob and its modification time. A missing blob
// is ErrNotFound.
type BlobReader interface {
	Read(ctx context.Context, name string) ([]byte, time.Time, error)
}

type Source struct {
	reader BlobReader
}

func NewSource(reader BlobReader) *Source {
	return &Source{reader: reader}
}

// BlobName is the blob key for a division: its slug plus ".json".
func BlobName(divisionName string) string {
	return slug.Make(divisionName) + ".json"
}

// Summary returns the division's figures. Missing, partial or unreadable
// blobs yield zeros for whatever is missing; only reader failures other than
// a missing blob are returned as errors.
func (s *Source) Summary(ctx context.Context, divisionName string) (Summary, error) {
	if s == nil || s.reader == nil {
		return Summary{}, nil
	}
	name := BlobName(divisionName)
	data, modified, err := s.reader.Read(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return Summary{}, nil
	}
	if err != nil {
		return Summary{}, fmt.Errorf("read financial blob %s: %w", name, err)
	}

	var sum Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("blob", name).Msg("malformed financial blob")
		return Summary{}, nil
	}
	if !modified.IsZero() {
		sum.FileDate = &modified
	}
	return sum, nil
}

// Rollup sums the summaries of several divisions. A division whose blob cannot
// be read contributes zeros and is logged.
func (s *Source) Rollup(ctx context.Context, divisions []string) Rollup {
	out := Rollup{ByDivision: make(map[string]Summary, len(divisions))}
	for _, name := range divisions {
		sum, err := s.Summary(ctx, name)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("division", name).Msg("financial summary unavailable")
		}
		out.ByDivision[name] = sum
		out.Summary = out.Summary.add(sum)
	}
	return out
}
