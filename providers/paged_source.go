package providers

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-ledgersync/core"
)

const DefaultMaxPages = 50

// Position addresses one page in a provider listing. Page-number, offset and
// cursor pagination each use the field that applies to them.
type Position struct {
	Number int
	Offset int
	Cursor string
}

// PageResult is one fetched page plus where the listing continues.
type PageResult struct {
	Records []core.RawRecord
	Next    Position
	HasMore bool
}

type FetchFunc func(ctx context.Context, at Position) (PageResult, error)

type WatermarkFunc func(record core.RawRecord) (time.Time, bool)

type PagedSourceConfig struct {
	Start     Position
	PageSize  int
	MaxPages  int
	Fetch     FetchFunc
	Watermark WatermarkFunc
	// Ordered reports that the provider returns records in ascending update
	// order, so every page may advance the watermark. Unordered listings only
	// report a watermark once the listing has been read to the end.
	Ordered bool
}

// PagedSource is the restartable core.PageSource shared by provider adapters.
type PagedSource struct {
	cfg       PagedSourceConfig
	position  Position
	served    int
	done      bool
	watermark *time.Time
}

func NewPagedSource(cfg PagedSourceConfig) *PagedSource {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.Start.Number <= 0 {
		cfg.Start.Number = 1
	}
	return &PagedSource{cfg: cfg, position: cfg.Start}
}

// Next fetches the page at the current position. The position only moves
// after a successful fetch.
func (s *PagedSource) Next(ctx context.Context) (core.Page, error) {
	if s == nil || s.cfg.Fetch == nil {
		return core.Page{}, core.NewProviderConfigError("providers: paged source has no fetch function", nil)
	}
	if s.done {
		return core.Page{Number: s.served, Done: true}, nil
	}
	if err := ctx.Err(); err != nil {
		return core.Page{}, err
	}

	result, err := s.cfg.Fetch(ctx, s.position)
	if err != nil {
		return core.Page{}, err
	}

	s.served++
	s.trackWatermark(result.Records)

	more := result.HasMore
	if s.cfg.PageSize > 0 && len(result.Records) < s.cfg.PageSize {
		more = false
	}
	if len(result.Records) == 0 {
		more = false
	}
	truncated := more && s.served >= s.cfg.MaxPages
	s.done = !more || truncated
	if more {
		s.position = result.Next
	}

	page := core.Page{
		Number:  s.served,
		Records: result.Records,
		Done:    s.done,
	}
	switch {
	case s.cfg.Ordered:
		page.Watermark = cloneTime(s.watermark)
	case s.done && !truncated:
		page.Watermark = cloneTime(s.watermark)
	}
	return page, nil
}

func (s *PagedSource) trackWatermark(records []core.RawRecord) {
	if s.cfg.Watermark == nil {
		return
	}
	for _, record := range records {
		value, ok := s.cfg.Watermark(record)
		if !ok {
			continue
		}
		if s.watermark == nil || value.After(*s.watermark) {
			value = value.UTC()
			s.watermark = &value
		}
	}
}

// FieldWatermark reads the first parseable timestamp among the dotted field
// paths.
func FieldWatermark(paths ...string) WatermarkFunc {
	return func(record core.RawRecord) (time.Time, bool) {
		for _, path := range paths {
			raw, ok := Lookup(record, path).(string)
			if !ok {
				continue
			}
			if parsed, ok := core.ParseProviderTime(raw); ok {
				return parsed, true
			}
		}
		return time.Time{}, false
	}
}

// Lookup walks a dotted path through nested JSON objects.
func Lookup(record map[string]any, path string) any {
	var current any = record
	for _, segment := range strings.Split(path, ".") {
		object, ok := current.(map[string]any)
		if !ok {
			if typed, isRaw := current.(core.RawRecord); isRaw {
				object = typed
			} else {
				return nil
			}
		}
		current, ok = object[segment]
		if !ok {
			return nil
		}
	}
	return current
}

// RecordsFrom converts a decoded JSON array into raw records, skipping
// anything that is not an object.
func RecordsFrom(items []any) []core.RawRecord {
	records := make([]core.RawRecord, 0, len(items))
	for _, item := range items {
		if object, ok := item.(map[string]any); ok {
			records = append(records, core.RawRecord(object))
		}
	}
	return records
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

var _ core.PageSource = (*PagedSource)(nil)
