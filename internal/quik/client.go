package quik

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"quikbridge/internal/config"
	"quikbridge/internal/util"
)

// ErrNotConnected is returned for requests issued before Dial succeeds.
var ErrNotConnected = errors.New("quik: not connected")

// Client talks to the terminal over two TCP sockets: one for synchronous
// request/response calls and one for asynchronous callbacks. Requests are
// serialized on the request socket; callbacks are decoded and dispatched
// sequentially by a single pump goroutine.
type Client struct {
	host          string
	requestsPort  int
	callbacksPort int
	timeout       time.Duration
	limiter       *util.RateLimiter
	log           *slog.Logger

	mu        sync.Mutex // guards one request/response cycle
	reqConn   net.Conn
	reqReader *bufio.Reader

	cbConn net.Conn

	hmu      sync.Mutex
	handlers Handlers

	nextID    atomic.Int64
	connected atomic.Bool
}

// NewClient creates a Client for the given terminal endpoint. Call Dial
// before issuing requests and Run to start the callback pump.
func NewClient(cfg config.QUIK, logger *slog.Logger) *Client {
	timeout := time.Duration(cfg.RequestTimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	perSecond := cfg.TransPerSecond
	if perSecond <= 0 {
		perSecond = 10
	}
	return &Client{
		host:          cfg.Host,
		requestsPort:  cfg.RequestsPort,
		callbacksPort: cfg.CallbacksPort,
		timeout:       timeout,
		limiter:       util.NewRateLimiter(perSecond),
		log:           logger.With("component", "quik"),
	}
}

// SetHandlers installs the callback set. Must be called before Run.
func (c *Client) SetHandlers(h Handlers) {
	c.hmu.Lock()
	c.handlers = h
	c.hmu.Unlock()
}

// Dial connects both sockets.
func (c *Client) Dial(ctx context.Context) error {
	var d net.Dialer

	reqConn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(c.host, strconv.Itoa(c.requestsPort)))
	if err != nil {
		return fmt.Errorf("dialing requests port: %w", err)
	}
	cbConn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(c.host, strconv.Itoa(c.callbacksPort)))
	if err != nil {
		reqConn.Close()
		return fmt.Errorf("dialing callbacks port: %w", err)
	}

	c.mu.Lock()
	c.reqConn = reqConn
	c.reqReader = bufio.NewReader(reqConn)
	c.mu.Unlock()
	c.cbConn = cbConn
	c.connected.Store(true)
	return nil
}

// Run pumps callback events until the context is cancelled or the callback
// socket fails. It always closes both sockets on return.
func (c *Client) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		c.Close()
		return nil
	})
	g.Go(func() error {
		err := c.pump()
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	return g.Wait()
}

// Close closes both sockets.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.reqConn != nil {
		c.reqConn.Close()
	}
	c.mu.Unlock()
	if c.cbConn != nil {
		c.cbConn.Close()
	}
	return nil
}

// Connected reports whether the terminal currently has a broker session.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) pump() error {
	reader := bufio.NewReader(c.cbConn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return fmt.Errorf("reading callback stream: %w", err)
		}
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			c.log.Warn("malformed callback frame", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env envelope) {
	c.hmu.Lock()
	h := c.handlers
	c.hmu.Unlock()

	switch env.Cmd {
	case "OnTransReply":
		ack, err := decodeAck(env.Data)
		if err != nil {
			c.log.Warn("dropping callback", "cmd", env.Cmd, "error", err)
			return
		}
		if h.OnTransReply != nil {
			h.OnTransReply(ack)
		}
	case "OnTrade":
		fill, err := decodeTrade(env.Data)
		if err != nil {
			c.log.Warn("dropping callback", "cmd", env.Cmd, "error", err)
			return
		}
		if h.OnTrade != nil {
			h.OnTrade(fill)
		}
	case "OnOrder":
		ev, err := decodeOrder(env.Data)
		if err != nil {
			c.log.Warn("dropping callback", "cmd", env.Cmd, "error", err)
			return
		}
		if h.OnOrder != nil {
			h.OnOrder(ev)
		}
	case "OnNewCandle":
		candle, err := decodeCandle(env.Data)
		if err != nil {
			c.log.Warn("dropping callback", "cmd", env.Cmd, "error", err)
			return
		}
		if h.OnCandle != nil {
			h.OnCandle(candle)
		}
	case "OnConnected":
		c.connected.Store(true)
		c.log.Info("terminal connected to broker")
		if h.OnConnected != nil {
			h.OnConnected()
		}
	case "OnDisconnected":
		// The terminal repeats the event; log the transition once.
		if !c.connected.Swap(false) {
			return
		}
		c.log.Warn("terminal disconnected from broker")
		if h.OnDisconnected != nil {
			h.OnDisconnected()
		}
	default:
		// Other table updates are not consumed by this bridge.
	}
}

// ---------------------------------------------------------------------------
// Request/response calls
// ---------------------------------------------------------------------------

// call performs one request/response cycle on the request socket and decodes
// the response payload into out (when out is non-nil).
func (c *Client) call(ctx context.Context, cmd string, data any, out any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", cmd, err)
	}
	env := envelope{
		ID:   c.nextID.Add(1),
		Cmd:  cmd,
		Data: payload,
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", cmd, err)
	}
	frame = append(frame, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reqConn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.reqConn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("setting deadline: %w", err)
	}

	if _, err := c.reqConn.Write(frame); err != nil {
		return fmt.Errorf("sending %s: %w", cmd, err)
	}
	line, err := c.reqReader.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("reading %s response: %w", cmd, err)
	}

	var resp envelope
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("decoding %s response: %w", cmd, err)
	}
	if resp.Cmd == "lua_transaction_error" {
		return fmt.Errorf("transaction rejected by terminal: %s", resp.LuaError)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("decoding %s payload: %w", cmd, err)
		}
	}
	return nil
}

// SendTransaction submits one wire transaction. It is rate limited to stay
// under the terminal's transaction-per-second cap.
func (c *Client) SendTransaction(ctx context.Context, tr Transaction) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.call(ctx, "SendTransaction", tr, nil)
}

// LastPrice returns the price of the last trade in the instrument.
func (c *Client) LastPrice(ctx context.Context, classCode, secCode string) (float64, error) {
	var resp struct {
		ParamValue string `json:"param_value"`
	}
	req := map[string]string{"class_code": classCode, "sec_code": secCode, "param": "LAST"}
	if err := c.call(ctx, "GetParamEx", req, &resp); err != nil {
		return 0, err
	}
	price, err := strconv.ParseFloat(resp.ParamValue, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing last price %q: %w", resp.ParamValue, err)
	}
	return price, nil
}

// OrderByNumber fetches the working order with the given venue-assigned
// number. A (nil, nil) return means the terminal has no such order yet, which
// is the normal state of a stop order that has not triggered.
func (c *Client) OrderByNumber(ctx context.Context, orderNum int64) (*OrderInfo, error) {
	var raw json.RawMessage
	req := map[string]int64{"order_num": orderNum}
	if err := c.call(ctx, "GetOrderByNumber", req, &raw); err != nil {
		return nil, err
	}
	var info OrderInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		// The terminal answers with a bare integer when the order is unknown.
		return nil, nil
	}
	return &info, nil
}

// ClassesList returns the comma-separated list of venue classes.
func (c *Client) ClassesList(ctx context.Context) (string, error) {
	var classes string
	if err := c.call(ctx, "GetClassesList", map[string]string{}, &classes); err != nil {
		return "", err
	}
	return classes, nil
}

// SecurityClass resolves the venue class of a bare security code against the
// given class list.
func (c *Client) SecurityClass(ctx context.Context, classes, secCode string) (string, error) {
	var class string
	req := map[string]string{"classes": classes, "sec_code": secCode}
	if err := c.call(ctx, "GetSecurityClass", req, &class); err != nil {
		return "", err
	}
	return class, nil
}

// GetSecurityInfo fetches per-instrument metadata.
func (c *Client) GetSecurityInfo(ctx context.Context, classCode, secCode string) (*SecurityInfo, error) {
	var info SecurityInfo
	req := map[string]string{"class_code": classCode, "sec_code": secCode}
	if err := c.call(ctx, "GetSecurityInfo", req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// MoneyLimits returns all rows of the cash limits table.
func (c *Client) MoneyLimits(ctx context.Context) ([]MoneyLimit, error) {
	var limits []MoneyLimit
	if err := c.call(ctx, "GetMoneyLimits", map[string]string{}, &limits); err != nil {
		return nil, err
	}
	return limits, nil
}

// GetFuturesLimit returns the derivatives account limit record.
func (c *Client) GetFuturesLimit(ctx context.Context, firmID, accountID, currency string) (*FuturesLimit, error) {
	var limit FuturesLimit
	req := map[string]string{"firmid": firmID, "trdaccid": accountID, "currcode": currency}
	if err := c.call(ctx, "GetFuturesLimit", req, &limit); err != nil {
		return nil, err
	}
	return &limit, nil
}

// DepoLimits returns all rows of the securities limits table.
func (c *Client) DepoLimits(ctx context.Context) ([]DepoLimit, error) {
	var limits []DepoLimit
	if err := c.call(ctx, "GetAllDepoLimits", map[string]string{}, &limits); err != nil {
		return nil, err
	}
	return limits, nil
}

// FuturesHoldings returns all open derivatives positions.
func (c *Client) FuturesHoldings(ctx context.Context) ([]FuturesHolding, error) {
	var holdings []FuturesHolding
	if err := c.call(ctx, "GetFuturesHoldings", map[string]string{}, &holdings); err != nil {
		return nil, err
	}
	return holdings, nil
}

// SubscribeCandles subscribes to bars of one instrument and interval.
func (c *Client) SubscribeCandles(ctx context.Context, classCode, secCode string, interval int) error {
	req := map[string]any{"class_code": classCode, "sec_code": secCode, "interval": interval}
	return c.call(ctx, "SubscribeToCandles", req, nil)
}

// IsSubscribed reports whether a candle subscription is active.
func (c *Client) IsSubscribed(ctx context.Context, classCode, secCode string, interval int) (bool, error) {
	var subscribed bool
	req := map[string]any{"class_code": classCode, "sec_code": secCode, "interval": interval}
	if err := c.call(ctx, "IsSubscribed", req, &subscribed); err != nil {
		return false, err
	}
	return subscribed, nil
}

// UnsubscribeCandles tears down a candle subscription.
func (c *Client) UnsubscribeCandles(ctx context.Context, classCode, secCode string, interval int) error {
	req := map[string]any{"class_code": classCode, "sec_code": secCode, "interval": interval}
	return c.call(ctx, "UnsubscribeFromCandles", req, nil)
}

// GetCandles fetches stored bar history for one instrument and interval,
// oldest first. A count of zero requests everything the terminal's data
// source holds.
func (c *Client) GetCandles(ctx context.Context, classCode, secCode string, interval, count int) ([]Candle, error) {
	var resp struct {
		Data []rawHistoryCandle `json:"data"`
	}
	req := map[string]any{"class_code": classCode, "sec_code": secCode, "interval": interval, "count": count}
	if err := c.call(ctx, "GetCandlesFromDataSource", req, &resp); err != nil {
		return nil, err
	}
	candles := make([]Candle, 0, len(resp.Data))
	for _, raw := range resp.Data {
		candles = append(candles, raw.toCandle(classCode, secCode, interval))
	}
	return candles, nil
}
