package feed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"quikbridge/internal/domain"
	"quikbridge/internal/instrument"
	"quikbridge/internal/quik"
	"quikbridge/internal/store"
	"quikbridge/internal/util"
)

type stubSource struct {
	mu         sync.Mutex
	subscribed []string
	requested  []string
	history    []quik.Candle
}

func (s *stubSource) SubscribeCandles(_ context.Context, classCode, secCode string, interval int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = append(s.subscribed, fmt.Sprintf("%s.%s/%d", classCode, secCode, interval))
	return nil
}

func (s *stubSource) UnsubscribeCandles(context.Context, string, string, int) error {
	return nil
}

func (s *stubSource) GetCandles(_ context.Context, classCode, secCode string, interval, count int) ([]quik.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requested = append(s.requested, fmt.Sprintf("%s.%s/%d count=%d", classCode, secCode, interval, count))
	return s.history, nil
}

func (s *stubSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribed)
}

func (s *stubSource) requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requested)
}

type stubMeta struct {
	infos map[string]*quik.SecurityInfo
}

func (s *stubMeta) ClassesList(context.Context) (string, error) {
	return "TQBR", nil
}

func (s *stubMeta) SecurityClass(_ context.Context, _, secCode string) (string, error) {
	for key := range s.infos {
		if strings.HasSuffix(key, "."+secCode) {
			return strings.TrimSuffix(key, "."+secCode), nil
		}
	}
	return "", nil
}

func (s *stubMeta) GetSecurityInfo(_ context.Context, classCode, secCode string) (*quik.SecurityInfo, error) {
	info, ok := s.infos[classCode+"."+secCode]
	if !ok {
		return nil, fmt.Errorf("security %s.%s not found", classCode, secCode)
	}
	return info, nil
}

type recordingStore struct {
	mu   sync.Mutex
	bars []domain.Bar
}

func (r *recordingStore) WriteBars(_ context.Context, bars []domain.Bar) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bars = append(r.bars, bars...)
	return nil
}

func (r *recordingStore) ReadBars(context.Context, string, int, time.Time, time.Time) ([]domain.Bar, error) {
	return nil, nil
}

func newTestFeed(t *testing.T, bars *recordingStore) (*Feed, *stubSource) {
	t.Helper()
	src := &stubMeta{infos: map[string]*quik.SecurityInfo{
		"TQBR.GAZP": {ClassCode: "TQBR", SecCode: "GAZP", LotSize: 10, MinStep: 0.01, Scale: 2},
	}}
	dir := instrument.NewDirectory(src, "SPBFUT", "TQOB", slog.Default())
	source := &stubSource{}
	session := util.NewSession(10, 0, 23, 50)
	var barStore store.BarStore
	if bars != nil {
		barStore = bars
	}
	f := New(source, dir, session, barStore, slog.Default())
	return f, source
}

func candleAt(hour int) quik.Candle {
	return quik.Candle{
		ClassCode: "TQBR", SecCode: "GAZP", Interval: 1,
		Open: 163, High: 164, Low: 162, Close: 163.5, Volume: 100,
		At: time.Date(2026, 3, 2, hour, 30, 0, 0, util.MarketTimeZone),
	}
}

func TestSubscribeDelivers(t *testing.T) {
	f, source := newTestFeed(t, nil)
	ctx := context.Background()

	ch, err := f.Subscribe(ctx, "TQBR.GAZP", 1, NoHistory)
	if err != nil {
		t.Fatal(err)
	}
	if source.count() != 1 {
		t.Fatalf("subscribed %d times, want 1", source.count())
	}
	if source.requests() != 0 {
		t.Fatalf("history requested %d times, want 0", source.requests())
	}

	f.OnCandle(ctx, candleAt(12))
	select {
	case bar := <-ch:
		if bar.Symbol != "TQBR.GAZP" || bar.Close != 163.5 || bar.Interval != 1 {
			t.Errorf("unexpected bar: %+v", bar)
		}
	default:
		t.Fatal("no bar delivered")
	}
}

func TestSubscribeReplaysHistory(t *testing.T) {
	f, source := newTestFeed(t, nil)
	ctx := context.Background()

	// Two closed in-session bars, one before the open, and the still-forming
	// newest row that the live stream will deliver instead.
	source.history = []quik.Candle{candleAt(7), candleAt(11), candleAt(12), candleAt(13)}

	ch, err := f.Subscribe(ctx, "TQBR.GAZP", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if source.requests() != 1 {
		t.Fatalf("history requested %d times, want 1", source.requests())
	}

	var replayed []domain.Bar
drain:
	for {
		select {
		case bar := <-ch:
			replayed = append(replayed, bar)
		default:
			break drain
		}
	}
	if len(replayed) != 2 {
		t.Fatalf("replayed %d bars, want 2", len(replayed))
	}
	if got := replayed[0].Timestamp.Hour(); got != 11 {
		t.Errorf("first replayed bar at hour %d, want 11", got)
	}

	// Live bars queue behind the replay on the same channel.
	f.OnCandle(ctx, candleAt(13))
	select {
	case bar := <-ch:
		if bar.Timestamp.Hour() != 13 {
			t.Errorf("live bar at hour %d, want 13", bar.Timestamp.Hour())
		}
	default:
		t.Fatal("no live bar delivered after replay")
	}
}

func TestOutOfSessionCandleDropped(t *testing.T) {
	f, _ := newTestFeed(t, nil)
	ctx := context.Background()

	ch, err := f.Subscribe(ctx, "TQBR.GAZP", 1, NoHistory)
	if err != nil {
		t.Fatal(err)
	}

	// 07:30 exchange time is before the open.
	f.OnCandle(ctx, candleAt(7))
	select {
	case bar := <-ch:
		t.Errorf("out-of-session bar delivered: %+v", bar)
	default:
	}
}

func TestUnsubscribedCandleIgnored(t *testing.T) {
	f, _ := newTestFeed(t, nil)
	// No subscriptions at all: must not panic or leak.
	f.OnCandle(context.Background(), candleAt(12))
}

func TestDuplicateSubscribeRejected(t *testing.T) {
	f, _ := newTestFeed(t, nil)
	ctx := context.Background()

	if _, err := f.Subscribe(ctx, "TQBR.GAZP", 1, NoHistory); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Subscribe(ctx, "TQBR.GAZP", 1, NoHistory); err == nil {
		t.Fatal("duplicate subscribe succeeded")
	}
}

func TestResubscribeReplaysAll(t *testing.T) {
	f, source := newTestFeed(t, nil)
	ctx := context.Background()

	if _, err := f.Subscribe(ctx, "TQBR.GAZP", 1, NoHistory); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Subscribe(ctx, "TQBR.GAZP", 5, NoHistory); err != nil {
		t.Fatal(err)
	}

	f.Resubscribe(ctx)
	if source.count() != 4 {
		t.Errorf("subscribe calls = %d, want 4 after resubscribe", source.count())
	}
}

func TestUnsubscribeDuringDelivery(t *testing.T) {
	f, _ := newTestFeed(t, nil)
	ctx := context.Background()

	// Candle delivery and teardown race freely here; a send on a closed
	// channel would panic and fail the test.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			f.OnCandle(ctx, candleAt(12))
		}
	}()

	for i := 0; i < 200; i++ {
		ch, err := f.Subscribe(ctx, "TQBR.GAZP", 1, NoHistory)
		if err != nil {
			t.Fatal(err)
		}
		go func() {
			for range ch {
			}
		}()
		if err := f.Unsubscribe(ctx, "TQBR.GAZP", 1); err != nil {
			t.Fatal(err)
		}
	}
	<-done
}

func TestFlushWritesBufferedBars(t *testing.T) {
	bars := &recordingStore{}
	f, _ := newTestFeed(t, bars)
	ctx := context.Background()

	if _, err := f.Subscribe(ctx, "TQBR.GAZP", 1, NoHistory); err != nil {
		t.Fatal(err)
	}
	f.OnCandle(ctx, candleAt(12))
	f.OnCandle(ctx, candleAt(13))

	if err := f.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if len(bars.bars) != 2 {
		t.Fatalf("flushed %d bars, want 2", len(bars.bars))
	}

	// A second flush has nothing left.
	if err := f.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if len(bars.bars) != 2 {
		t.Errorf("flush wrote duplicates: %d bars", len(bars.bars))
	}
}
