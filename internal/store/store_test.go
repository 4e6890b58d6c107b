package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"quikbridge/internal/domain"
)

func newTestJournal(t *testing.T) *SQLiteJournal {
	t.Helper()
	j, err := NewSQLiteJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalOrderRoundTrip(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	order := &domain.Order{
		TransID:   1,
		Symbol:    "TQBR.GAZP",
		Side:      domain.OrderSideBuy,
		Type:      domain.OrderTypeLimit,
		Size:      30,
		Price:     163.5,
		Status:    domain.OrderStatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := j.SaveOrder(ctx, order); err != nil {
		t.Fatal(err)
	}

	order.Status = domain.OrderStatusPartial
	order.BrokerOrderNum = 555
	order.ExecSize = 20
	order.AvgFillPrice = 163.4
	if err := j.UpdateOrder(ctx, order); err != nil {
		t.Fatal(err)
	}

	orders, err := j.ListOrders(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 1 {
		t.Fatalf("listed %d orders, want 1", len(orders))
	}
	got := orders[0]
	if got.Status != domain.OrderStatusPartial || got.ExecSize != 20 || got.BrokerOrderNum != 555 {
		t.Errorf("round trip lost updates: %+v", got)
	}
	if got.Side != domain.OrderSideBuy || got.Type != domain.OrderTypeLimit || got.Price != 163.5 {
		t.Errorf("round trip lost order fields: %+v", got)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}
}

func TestJournalListNewestFirst(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	for id := int64(1); id <= 3; id++ {
		if err := j.SaveOrder(ctx, &domain.Order{
			TransID: id, Symbol: "TQBR.GAZP",
			Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket,
			Status: domain.OrderStatusCreated,
		}); err != nil {
			t.Fatal(err)
		}
	}

	orders, err := j.ListOrders(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 2 || orders[0].TransID != 3 || orders[1].TransID != 2 {
		t.Errorf("got %+v, want trans ids 3 then 2", orders)
	}
}

func TestJournalFillReplayIgnored(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	fill := Fill{TradeID: 901, TransID: 1, Symbol: "TQBR.GAZP", Size: 20, Price: 163.4, At: time.Now()}
	if err := j.SaveFill(ctx, fill); err != nil {
		t.Fatal(err)
	}
	if err := j.SaveFill(ctx, fill); err != nil {
		t.Errorf("replaying a fill errored: %v", err)
	}
}

func TestParquetBarRoundTrip(t *testing.T) {
	s := NewParquetStore(t.TempDir())
	ctx := context.Background()

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	var bars []domain.Bar
	for i := 0; i < 5; i++ {
		bars = append(bars, domain.Bar{
			Symbol:    "TQBR.GAZP",
			Interval:  1,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      163, High: 164, Low: 162, Close: 163.5,
			Volume: int64(100 + i),
		})
	}
	if err := s.WriteBars(ctx, bars); err != nil {
		t.Fatal(err)
	}

	got, err := s.ReadBars(ctx, "TQBR.GAZP", 1, base, base.Add(2*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("read %d bars, want 3", len(got))
	}
	if got[0].Volume != 100 || got[2].Volume != 102 {
		t.Errorf("range boundaries wrong: %+v", got)
	}
}

func TestParquetMergeOverwritesByTimestamp(t *testing.T) {
	s := NewParquetStore(t.TempDir())
	ctx := context.Background()

	ts := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	first := []domain.Bar{{Symbol: "TQBR.GAZP", Interval: 1, Timestamp: ts, Close: 163.5, Volume: 100}}
	if err := s.WriteBars(ctx, first); err != nil {
		t.Fatal(err)
	}

	// Re-recording the same minute replaces the bar instead of duplicating it.
	second := []domain.Bar{
		{Symbol: "TQBR.GAZP", Interval: 1, Timestamp: ts, Close: 163.7, Volume: 120},
		{Symbol: "TQBR.GAZP", Interval: 1, Timestamp: ts.Add(time.Minute), Close: 163.8, Volume: 90},
	}
	if err := s.WriteBars(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, err := s.ReadBars(ctx, "TQBR.GAZP", 1, ts.Add(-time.Hour), ts.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("read %d bars, want 2", len(got))
	}
	if got[0].Close != 163.7 || got[0].Volume != 120 {
		t.Errorf("merge kept stale bar: %+v", got[0])
	}
}

func TestParquetIntervalsAreSeparate(t *testing.T) {
	s := NewParquetStore(t.TempDir())
	ctx := context.Background()

	ts := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	bars := []domain.Bar{
		{Symbol: "TQBR.GAZP", Interval: 1, Timestamp: ts, Close: 163.5},
		{Symbol: "TQBR.GAZP", Interval: 5, Timestamp: ts, Close: 163.6},
	}
	if err := s.WriteBars(ctx, bars); err != nil {
		t.Fatal(err)
	}

	got, err := s.ReadBars(ctx, "TQBR.GAZP", 5, ts.Add(-time.Hour), ts.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Close != 163.6 {
		t.Errorf("interval separation broken: %+v", got)
	}
}
