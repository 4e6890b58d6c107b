package quik

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"testing"
	"time"

	"quikbridge/internal/config"
)

// fakeTerminal listens on two loopback ports and answers requests from a
// canned table.
type fakeTerminal struct {
	reqLn net.Listener
	cbLn  net.Listener
	cb    net.Conn
	// respond maps cmd → response payload (already JSON).
	respond map[string]string
}

func newFakeTerminal(t *testing.T) *fakeTerminal {
	t.Helper()
	reqLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen requests: %v", err)
	}
	cbLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen callbacks: %v", err)
	}
	ft := &fakeTerminal{reqLn: reqLn, cbLn: cbLn, respond: map[string]string{}}
	t.Cleanup(func() {
		reqLn.Close()
		cbLn.Close()
	})

	go func() {
		conn, err := reqLn.Accept()
		if err != nil {
			return
		}
		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				return
			}
			var env envelope
			if err := json.Unmarshal(line, &env); err != nil {
				return
			}
			data, ok := ft.respond[env.Cmd]
			if !ok {
				data = "null"
			}
			resp := envelope{ID: env.ID, Cmd: env.Cmd, Data: json.RawMessage(data)}
			out, _ := json.Marshal(resp)
			conn.Write(append(out, '\n'))
		}
	}()
	go func() {
		conn, err := cbLn.Accept()
		if err != nil {
			return
		}
		ft.cb = conn
	}()
	return ft
}

func (ft *fakeTerminal) pushCallback(t *testing.T, cmd, data string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for ft.cb == nil {
		if time.Now().After(deadline) {
			t.Fatal("callback connection never arrived")
		}
		time.Sleep(time.Millisecond)
	}
	env := envelope{Cmd: cmd, Data: json.RawMessage(data)}
	out, _ := json.Marshal(env)
	if _, err := ft.cb.Write(append(out, '\n')); err != nil {
		t.Fatalf("writing callback: %v", err)
	}
}

func dialClient(t *testing.T, ft *fakeTerminal) *Client {
	t.Helper()
	cfg := config.QUIK{
		Host:          "127.0.0.1",
		RequestsPort:  ft.reqLn.Addr().(*net.TCPAddr).Port,
		CallbacksPort: ft.cbLn.Addr().(*net.TCPAddr).Port,
	}
	c := NewClient(cfg, slog.Default())
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientSecurityInfo(t *testing.T) {
	ft := newFakeTerminal(t)
	ft.respond["GetSecurityInfo"] = `{"class_code":"TQBR","sec_code":"GAZP","lot_size":10,"min_price_step":0.01,"scale":2}`
	c := dialClient(t, ft)

	info, err := c.GetSecurityInfo(context.Background(), "TQBR", "GAZP")
	if err != nil {
		t.Fatalf("GetSecurityInfo: %v", err)
	}
	if info.LotSize != 10 || info.MinStep != 0.01 || info.Scale != 2 {
		t.Errorf("unexpected security info: %+v", info)
	}
}

func TestClientLastPrice(t *testing.T) {
	ft := newFakeTerminal(t)
	ft.respond["GetParamEx"] = `{"param_value":"74350"}`
	c := dialClient(t, ft)

	price, err := c.LastPrice(context.Background(), "SPBFUT", "SiH5")
	if err != nil {
		t.Fatalf("LastPrice: %v", err)
	}
	if price != 74350 {
		t.Errorf("LastPrice = %v, want 74350", price)
	}
}

func TestClientOrderByNumberUnresolved(t *testing.T) {
	ft := newFakeTerminal(t)
	// A bare integer payload means the order is not in the working table.
	ft.respond["GetOrderByNumber"] = `123456`
	c := dialClient(t, ft)

	info, err := c.OrderByNumber(context.Background(), 123456)
	if err != nil {
		t.Fatalf("OrderByNumber: %v", err)
	}
	if info != nil {
		t.Errorf("OrderByNumber = %+v, want nil for unresolved order", info)
	}
}

func TestClientCallbackDispatch(t *testing.T) {
	ft := newFakeTerminal(t)
	c := dialClient(t, ft)

	acks := make(chan AckEvent, 1)
	fills := make(chan FillEvent, 1)
	c.SetHandlers(Handlers{
		OnTransReply: func(a AckEvent) { acks <- a },
		OnTrade:      func(f FillEvent) { fills <- f },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	ft.pushCallback(t, "OnTransReply", `{"trans_id":7,"order_num":555,"status":15,"result_msg":"зарегистрирована"}`)
	ft.pushCallback(t, "OnTrade", `{"trade_num":91,"order_num":555,"class_code":"TQBR","sec_code":"GAZP","price":163.5,"qty":3,"flags":4,"datetime":{"year":2024,"month":3,"day":12,"hour":12,"min":30,"sec":0}}`)

	select {
	case ack := <-acks:
		if ack.TransID != 7 || ack.OrderNum != 555 || ack.Status != 15 {
			t.Errorf("unexpected ack: %+v", ack)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack")
	}

	select {
	case fill := <-fills:
		if fill.TradeID != 91 || !fill.Sell || fill.Lots != 3 {
			t.Errorf("unexpected fill: %+v", fill)
		}
		if fill.SignedLots() != -3 {
			t.Errorf("SignedLots = %d, want -3", fill.SignedLots())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fill")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
