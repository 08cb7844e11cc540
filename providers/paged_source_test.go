package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-ledgersync/core"
)

func recordsUpdatedAt(values ...string) []core.RawRecord {
	records := make([]core.RawRecord, 0, len(values))
	for _, value := range values {
		records = append(records, core.RawRecord{"updated_at": value})
	}
	return records
}

func TestPagedSource_RetriesSamePageAfterFailure(t *testing.T) {
	pages := map[int][]core.RawRecord{
		1: recordsUpdatedAt("2025-01-01T00:00:00Z", "2025-01-02T00:00:00Z"),
		2: recordsUpdatedAt("2025-01-03T00:00:00Z"),
	}
	var requested []int
	failOnce := true
	source := NewPagedSource(PagedSourceConfig{
		PageSize:  2,
		Ordered:   true,
		Watermark: FieldWatermark("updated_at"),
		Fetch: func(_ context.Context, at Position) (PageResult, error) {
			requested = append(requested, at.Number)
			if at.Number == 2 && failOnce {
				failOnce = false
				return PageResult{}, core.NewRateLimitedError("slow down", time.Second, nil)
			}
			return PageResult{Records: pages[at.Number], Next: Position{Number: at.Number + 1}, HasMore: true}, nil
		},
	})

	ctx := context.Background()
	first, err := source.Next(ctx)
	if err != nil || first.Done {
		t.Fatalf("expected first page, got %+v %v", first, err)
	}
	if first.Watermark == nil || !first.Watermark.Equal(time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected first watermark %v", first.Watermark)
	}
	if _, err := source.Next(ctx); !core.IsKind(err, core.KindRateLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	second, err := source.Next(ctx)
	if err != nil {
		t.Fatalf("retry second page: %v", err)
	}
	if !second.Done || second.Number != 2 {
		t.Fatalf("expected short second page to finish the listing, got %+v", second)
	}
	if len(requested) != 3 || requested[1] != 2 || requested[2] != 2 {
		t.Fatalf("expected page 2 to be requested twice, got %v", requested)
	}
	after, err := source.Next(ctx)
	if err != nil || !after.Done || len(after.Records) != 0 {
		t.Fatalf("expected exhausted source, got %+v %v", after, err)
	}
}

func TestPagedSource_StopsAtMaxPages(t *testing.T) {
	calls := 0
	source := NewPagedSource(PagedSourceConfig{
		PageSize:  1,
		MaxPages:  2,
		Watermark: FieldWatermark("updated_at"),
		Fetch: func(_ context.Context, at Position) (PageResult, error) {
			calls++
			return PageResult{Records: recordsUpdatedAt("2025-01-01T00:00:00Z"), Next: Position{Number: at.Number + 1}, HasMore: true}, nil
		},
	})
	for {
		page, err := source.Next(context.Background())
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if page.Done {
			if page.Watermark != nil {
				t.Fatalf("truncated unordered listing must not report a watermark")
			}
			break
		}
		if page.Watermark != nil {
			t.Fatalf("unordered listing must not report a watermark before the end")
		}
	}
	if calls != 2 {
		t.Fatalf("expected two fetches, got %d", calls)
	}
}

func TestPagedSource_UnorderedReportsWatermarkAtEnd(t *testing.T) {
	source := NewPagedSource(PagedSourceConfig{
		PageSize:  5,
		Watermark: FieldWatermark("updated_at"),
		Fetch: func(context.Context, Position) (PageResult, error) {
			return PageResult{Records: recordsUpdatedAt("2025-02-01T00:00:00Z", "2025-01-01T00:00:00Z")}, nil
		},
	})
	page, err := source.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !page.Done || page.Watermark == nil || page.Watermark.Month() != time.February {
		t.Fatalf("expected final page with max watermark, got %+v", page)
	}
}

func TestPagedSource_HonorsCancellation(t *testing.T) {
	source := NewPagedSource(PagedSourceConfig{
		Fetch: func(context.Context, Position) (PageResult, error) {
			t.Fatalf("fetch must not run on a cancelled context")
			return PageResult{}, nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := source.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestLookup(t *testing.T) {
	record := core.RawRecord{"MetaData": map[string]any{"LastUpdatedTime": "2025-01-01T00:00:00Z"}}
	if got := Lookup(record, "MetaData.LastUpdatedTime"); got != "2025-01-01T00:00:00Z" {
		t.Fatalf("unexpected lookup %v", got)
	}
	if got := Lookup(record, "MetaData.Missing.Deep"); got != nil {
		t.Fatalf("expected nil for missing path, got %v", got)
	}
}
