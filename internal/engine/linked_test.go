package engine

import (
	"context"
	"testing"

	"quikbridge/internal/domain"
	"quikbridge/internal/quik"
)

func TestOCOCancelsCounterpart(t *testing.T) {
	eng, transport := newTestEngine(t)
	ctx := context.Background()

	takeProfit := eng.PlaceSell(ctx, OrderRequest{
		Symbol: "TQBR.GAZP", Size: 10, Type: domain.OrderTypeLimit, Price: 170, Transmit: true,
	})
	stopLoss := eng.PlaceSell(ctx, OrderRequest{
		Symbol: "TQBR.GAZP", Size: 10, Type: domain.OrderTypeLimit, Price: 150,
		OCO: takeProfit.TransID, Transmit: true,
	})
	accept(eng, takeProfit.TransID, 100)
	accept(eng, stopLoss.TransID, 101)
	sent := transport.sentCount()

	fill(eng, 901, 100, 1, true, 170)

	got, _ := eng.Order(takeProfit.TransID)
	if got.Status != domain.OrderStatusCompleted {
		t.Fatalf("filled leg status = %q, want completed", got.Status)
	}
	if transport.sentCount() != sent+1 {
		t.Fatalf("sent %d extra transactions, want 1 kill", transport.sentCount()-sent)
	}
	tr := transport.sentAt(transport.sentCount() - 1)
	if tr["ACTION"] != quik.ActionKillOrder || tr["ORDER_KEY"] != "101" {
		t.Errorf("unexpected kill transaction: %v", tr)
	}
}

// The declaration is one-directional but the coupling is not: closing the
// declared counterpart must take the declaring order down too.
func TestOCOSymmetricFromDeclaredSide(t *testing.T) {
	eng, transport := newTestEngine(t)
	ctx := context.Background()

	first := eng.PlaceSell(ctx, OrderRequest{
		Symbol: "TQBR.GAZP", Size: 10, Type: domain.OrderTypeLimit, Price: 170, Transmit: true,
	})
	second := eng.PlaceSell(ctx, OrderRequest{
		Symbol: "TQBR.GAZP", Size: 10, Type: domain.OrderTypeLimit, Price: 150,
		OCO: first.TransID, Transmit: true,
	})
	accept(eng, first.TransID, 100)
	accept(eng, second.TransID, 101)
	sent := transport.sentCount()

	fill(eng, 901, 101, 1, true, 150)

	got, _ := eng.Order(second.TransID)
	if got.Status != domain.OrderStatusCompleted {
		t.Fatalf("declaring leg status = %q, want completed", got.Status)
	}
	if transport.sentCount() != sent+1 {
		t.Fatalf("sent %d extra transactions, want 1", transport.sentCount()-sent)
	}
	if tr := transport.sentAt(sent); tr["ORDER_KEY"] != "100" {
		t.Errorf("expected kill for order 100, got %v", tr)
	}
}

func TestBracketLifecycle(t *testing.T) {
	eng, transport := newTestEngine(t)
	ctx := context.Background()

	parent := eng.PlaceBuy(ctx, OrderRequest{
		Symbol: "TQBR.GAZP", Size: 10, Type: domain.OrderTypeLimit, Price: 160, Transmit: false,
	})
	if parent.Status != domain.OrderStatusCreated || transport.sentCount() != 0 {
		t.Fatalf("parent parked: status %q, %d sent", parent.Status, transport.sentCount())
	}

	stopChild := eng.PlaceSell(ctx, OrderRequest{
		Symbol: "TQBR.GAZP", Size: 10, Type: domain.OrderTypeLimit, Price: 150,
		Parent: parent.TransID, Transmit: false,
	})
	if stopChild.Status != domain.OrderStatusCreated || transport.sentCount() != 0 {
		t.Fatalf("first child parked: status %q, %d sent", stopChild.Status, transport.sentCount())
	}

	limitChild := eng.PlaceSell(ctx, OrderRequest{
		Symbol: "TQBR.GAZP", Size: 10, Type: domain.OrderTypeLimit, Price: 170,
		Parent: parent.TransID, Transmit: true,
	})
	// Transmit on the last child sends the parent, and only the parent.
	if transport.sentCount() != 1 {
		t.Fatalf("sent %d transactions after closing the bracket, want 1", transport.sentCount())
	}
	if tr := transport.sentAt(0); tr["TRANS_ID"] != "1" {
		t.Errorf("expected parent dispatch, got %v", tr)
	}
	gotParent, _ := eng.Order(parent.TransID)
	if gotParent.Status != domain.OrderStatusSubmitted {
		t.Fatalf("parent status = %q, want submitted", gotParent.Status)
	}

	// Parent completes: both children go out.
	accept(eng, parent.TransID, 100)
	fill(eng, 901, 100, 1, false, 160)
	if transport.sentCount() != 3 {
		t.Fatalf("sent %d transactions after parent fill, want 3", transport.sentCount())
	}
	gotStop, _ := eng.Order(stopChild.TransID)
	gotLimit, _ := eng.Order(limitChild.TransID)
	if gotStop.Status != domain.OrderStatusSubmitted || gotLimit.Status != domain.OrderStatusSubmitted {
		t.Fatalf("children statuses = %q/%q, want submitted", gotStop.Status, gotLimit.Status)
	}

	// One child completes: its sibling is killed.
	accept(eng, stopChild.TransID, 101)
	accept(eng, limitChild.TransID, 102)
	sent := transport.sentCount()
	fill(eng, 902, 102, 1, true, 170)

	gotLimit, _ = eng.Order(limitChild.TransID)
	if gotLimit.Status != domain.OrderStatusCompleted {
		t.Fatalf("filled child status = %q, want completed", gotLimit.Status)
	}
	if transport.sentCount() != sent+1 {
		t.Fatalf("sent %d extra transactions, want 1 sibling kill", transport.sentCount()-sent)
	}
	if tr := transport.sentAt(sent); tr["ACTION"] != quik.ActionKillOrder || tr["ORDER_KEY"] != "101" {
		t.Errorf("unexpected sibling kill: %v", tr)
	}

	// Round trip leaves the book flat.
	if pos := eng.Position("TQBR.GAZP"); pos.Size != 0 {
		t.Errorf("position after bracket round trip = %+v, want flat", pos)
	}
}

func TestChildOfUnknownParentRejected(t *testing.T) {
	eng, transport := newTestEngine(t)

	child := eng.PlaceSell(context.Background(), OrderRequest{
		Symbol: "TQBR.GAZP", Size: 10, Type: domain.OrderTypeLimit, Price: 150,
		Parent: 99, Transmit: false,
	})
	if child.Status != domain.OrderStatusRejected {
		t.Fatalf("status = %q, want rejected", child.Status)
	}
	if transport.sentCount() != 0 {
		t.Errorf("sent %d transactions, want 0", transport.sentCount())
	}
}

// A child that cannot be released still counts as a closed chain member:
// its working siblings must be killed, not left on the book.
func TestFailedReleaseCancelsSiblings(t *testing.T) {
	eng, transport := newTestEngine(t)
	ctx := context.Background()

	parent := eng.PlaceBuy(ctx, OrderRequest{
		Symbol: "TQBR.GAZP", Size: 10, Type: domain.OrderTypeLimit, Price: 160, Transmit: false,
	})
	sibling := eng.PlaceSell(ctx, OrderRequest{
		Symbol: "TQBR.GAZP", Size: 10, Type: domain.OrderTypeLimit, Price: 170,
		Parent: parent.TransID, Transmit: true,
	})
	accept(eng, parent.TransID, 100)
	fill(eng, 901, 100, 1, false, 160)
	accept(eng, sibling.TransID, 150)

	// A parked child whose instrument has since disappeared from the
	// directory: its release can only fail.
	broken := &domain.Order{
		TransID: 999,
		Symbol:  "TQBR.GONE",
		Side:    domain.OrderSideSell,
		Type:    domain.OrderTypeLimit,
		Size:    10,
		Parent:  parent.TransID,
		Status:  domain.OrderStatusCreated,
	}
	eng.mu.Lock()
	eng.orders[broken.TransID] = broken
	eng.chains[parent.TransID] = append(eng.chains[parent.TransID], broken.TransID)
	eng.mu.Unlock()

	sent := transport.sentCount()
	eng.release(ctx, broken.TransID)

	got, _ := eng.Order(broken.TransID)
	if got.Status != domain.OrderStatusRejected {
		t.Fatalf("broken child status = %q, want rejected", got.Status)
	}
	if transport.sentCount() != sent+1 {
		t.Fatalf("sent %d extra transactions, want 1 sibling kill", transport.sentCount()-sent)
	}
	if tr := transport.sentAt(sent); tr["ACTION"] != quik.ActionKillOrder || tr["ORDER_KEY"] != "150" {
		t.Errorf("unexpected sibling kill: %v", tr)
	}
}

func TestCanceledParentDoesNotRelease(t *testing.T) {
	eng, transport := newTestEngine(t)
	ctx := context.Background()

	parent := eng.PlaceBuy(ctx, OrderRequest{
		Symbol: "TQBR.GAZP", Size: 10, Type: domain.OrderTypeLimit, Price: 160, Transmit: false,
	})
	child := eng.PlaceSell(ctx, OrderRequest{
		Symbol: "TQBR.GAZP", Size: 10, Type: domain.OrderTypeLimit, Price: 170,
		Parent: parent.TransID, Transmit: true,
	})
	accept(eng, parent.TransID, 100)
	sent := transport.sentCount()

	// The parent dies unfilled: children stay parked forever.
	eng.OnTransReply(ctx, quik.AckEvent{TransID: parent.TransID, OrderNum: 100, Status: 3, Message: "заявка снята"})

	gotChild, _ := eng.Order(child.TransID)
	if gotChild.Status != domain.OrderStatusCreated {
		t.Errorf("child status = %q, want created", gotChild.Status)
	}
	if transport.sentCount() != sent {
		t.Errorf("sent %d extra transactions, want 0", transport.sentCount()-sent)
	}
}
