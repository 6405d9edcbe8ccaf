// Package smartapi implements broker.Adapter on Angel One SmartAPI. Ticks
// flow websocket -> SPSC ring -> tick channel so a slow consumer never backs
// the read loop up into the socket. Order placement is gated on feed health:
// a feed silent for too long during market hours flips the adapter to
// read-only until data resumes.
package smartapi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"trading-enginev1/internal/broker"
	"trading-enginev1/internal/model"
	"trading-enginev1/internal/ringbuf"
	"trading-enginev1/internal/sessionclock"
	"trading-enginev1/pkg/smartconnect"
)

const (
	// staleFeedAfter is how long the feed may be silent during market hours
	// before order placement is blocked.
	staleFeedAfter = 5 * time.Minute

	tickRingSize = 8192
	tickChanSize = 4096

	pumpInterval = time.Millisecond
)

// Config configures the adapter.
type Config struct {
	APIKey     string
	ClientCode string
	Password   string
	TOTPSecret string
	Exchange   string // default NSE

	// Instruments is the symbol/token master, loaded at startup.
	Instruments []model.Instrument
}

// Adapter is the SmartAPI implementation of broker.Adapter.
type Adapter struct {
	cfg    Config
	client *smartconnect.Client

	mu        sync.Mutex
	feed      *smartconnect.FeedSocket
	connected atomic.Bool
	readOnly  atomic.Bool

	lastTickUnixMs atomic.Int64

	ring   *ringbuf.Ring
	ticks  chan model.Tick
	pumpCh chan struct{}

	tokenToSymbol map[string]string
	symbolToToken map[string]string

	subsMu sync.Mutex
	subs   map[string]struct{} // subscribed symbols

	now func() time.Time
}

// New creates the adapter. Connect must be called before any broker call.
func New(cfg Config) *Adapter {
	if cfg.Exchange == "" {
		cfg.Exchange = "NSE"
	}
	a := &Adapter{
		cfg:           cfg,
		client:        smartconnect.NewClient(smartconnect.Config{APIKey: cfg.APIKey}),
		ring:          ringbuf.New(tickRingSize),
		ticks:         make(chan model.Tick, tickChanSize),
		pumpCh:        make(chan struct{}, 1),
		tokenToSymbol: make(map[string]string, len(cfg.Instruments)),
		symbolToToken: make(map[string]string, len(cfg.Instruments)),
		subs:          make(map[string]struct{}),
		now:           time.Now,
	}
	for _, in := range cfg.Instruments {
		a.tokenToSymbol[in.Token] = in.TradingSymbol
		a.symbolToToken[in.TradingSymbol] = in.Token
	}
	return a
}

// Connect logs in, opens the market data stream, and starts the tick pump.
func (a *Adapter) Connect(ctx context.Context) (model.ConnectionResult, error) {
	sess, err := a.client.GenerateSession(ctx, a.cfg.ClientCode, a.cfg.Password, a.cfg.TOTPSecret)
	if err != nil {
		return model.ConnectionResult{
			ErrorCode: broker.CodeSessionExpired,
			Message:   err.Error(),
		}, fmt.Errorf("smartapi connect: %w", err)
	}

	feed, err := smartconnect.NewFeedSocket(sess.AccessToken, a.cfg.APIKey, sess.ClientCode, sess.FeedToken)
	if err != nil {
		return model.ConnectionResult{Message: err.Error()}, err
	}
	feed.OnTick = a.onFeedTick
	feed.OnStateChange = func(from, to smartconnect.ConnState) {
		log.Printf("[smartapi] feed %s -> %s", from, to)
		a.connected.Store(to == smartconnect.StateConnected)
	}
	feed.TokenRefresh = func() (string, string, error) {
		rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.client.RenewTokens(rctx); err != nil {
			return "", "", err
		}
		s := a.client.Session()
		return s.AccessToken, s.FeedToken, nil
	}

	if err := feed.Connect(); err != nil {
		return model.ConnectionResult{
			ErrorCode: broker.CodeNotConnected,
			Message:   err.Error(),
		}, err
	}

	a.mu.Lock()
	a.feed = feed
	a.mu.Unlock()
	a.lastTickUnixMs.Store(a.now().UnixMilli())

	go a.pumpLoop()

	// Re-register any symbols subscribed before connect.
	a.subsMu.Lock()
	pending := make([]string, 0, len(a.subs))
	for s := range a.subs {
		pending = append(pending, s)
	}
	a.subsMu.Unlock()
	if len(pending) > 0 {
		if err := a.subscribeTokens(pending); err != nil {
			log.Printf("[smartapi] initial subscribe: %v", err)
		}
	}

	log.Printf("[smartapi] connected as %s", sess.ClientCode)
	return model.ConnectionResult{Success: true, SessionToken: sess.AccessToken}, nil
}

// Disconnect logs out and closes the stream.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	feed := a.feed
	a.feed = nil
	a.mu.Unlock()

	if feed != nil {
		feed.Close()
	}
	a.connected.Store(false)
	return a.client.Logout(ctx)
}

// IsConnected reports whether the feed is live: socket connected and, during
// market hours, ticks seen within the stale window. A silent socket is as
// good as a closed one to everything upstream.
func (a *Adapter) IsConnected() bool {
	return a.connected.Load() && !a.feedStale()
}

// SetReadOnly forces the adapter into read-only mode (recovery, operator).
func (a *Adapter) SetReadOnly(v bool) { a.readOnly.Store(v) }

// CanPlaceOrders reports whether order mutations are currently allowed.
// A feed silent for staleFeedAfter during market hours blocks placement.
func (a *Adapter) CanPlaceOrders() bool {
	if !a.connected.Load() || a.readOnly.Load() {
		return false
	}
	return !a.feedStale()
}

func (a *Adapter) feedStale() bool {
	now := a.now()
	if !sessionclock.IsWithinSession(now) {
		return false // silence outside market hours is expected
	}
	last := time.UnixMilli(a.lastTickUnixMs.Load())
	return now.Sub(last) > staleFeedAfter
}

// onFeedTick runs on the websocket read goroutine: translate and push to the
// ring, never block.
func (a *Adapter) onFeedTick(ft smartconnect.FeedTick) {
	symbol, ok := a.tokenToSymbol[ft.Token]
	if !ok {
		return
	}
	a.lastTickUnixMs.Store(ft.ReceivedTS.UnixMilli())
	a.ring.Push(model.Tick{
		Symbol:     symbol,
		Price:      ft.LTP,
		Qty:        0, // LTP mode carries no trade quantity
		ExchangeTS: ft.ExchangeTS,
		ReceivedTS: ft.ReceivedTS,
	})
}

// pumpLoop drains the ring into the tick channel.
func (a *Adapter) pumpLoop() {
	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()
	for range ticker.C {
		a.mu.Lock()
		closed := a.feed == nil
		a.mu.Unlock()
		if closed {
			return
		}
		for {
			t, ok := a.ring.Pop()
			if !ok {
				break
			}
			select {
			case a.ticks <- t:
			default:
				// consumer wedged; drop, the ring overflow counter has
				// the producer side
			}
		}
	}
}

// Ticks returns the tick stream.
func (a *Adapter) Ticks() <-chan model.Tick { return a.ticks }

// SubscribeTicks registers symbols on the feed.
func (a *Adapter) SubscribeTicks(symbols []string) error {
	a.subsMu.Lock()
	for _, s := range symbols {
		a.subs[s] = struct{}{}
	}
	a.subsMu.Unlock()
	if !a.connected.Load() {
		return nil // sent on connect
	}
	return a.subscribeTokens(symbols)
}

func (a *Adapter) subscribeTokens(symbols []string) error {
	tokens := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if tok, ok := a.symbolToToken[s]; ok {
			tokens = append(tokens, tok)
		} else {
			log.Printf("[smartapi] no token for symbol %s, skipping", s)
		}
	}
	if len(tokens) == 0 {
		return nil
	}
	a.mu.Lock()
	feed := a.feed
	a.mu.Unlock()
	if feed == nil {
		return broker.ErrNotConnected
	}
	return feed.Subscribe(smartconnect.NSE_CM, tokens)
}

// UnsubscribeTicks removes symbols from the feed.
func (a *Adapter) UnsubscribeTicks(symbols []string) error {
	a.subsMu.Lock()
	for _, s := range symbols {
		delete(a.subs, s)
	}
	a.subsMu.Unlock()

	tokens := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if tok, ok := a.symbolToToken[s]; ok {
			tokens = append(tokens, tok)
		}
	}
	a.mu.Lock()
	feed := a.feed
	a.mu.Unlock()
	if feed == nil || len(tokens) == 0 {
		return nil
	}
	return feed.Unsubscribe(smartconnect.NSE_CM, tokens)
}

// PlaceOrder submits an order. Returns a failed OrderResult (not an error)
// for gate violations and broker rejections so callers can persist the code.
func (a *Adapter) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	if !a.connected.Load() {
		return failedResult(broker.CodeNotConnected, "not connected"), nil
	}
	if a.readOnly.Load() {
		return failedResult(broker.CodeReadOnly, "adapter is read-only"), nil
	}
	if a.feedStale() {
		return failedResult(broker.CodeStaleFeed, "market feed stale, refusing new orders"), nil
	}

	token, ok := a.symbolToToken[req.Symbol]
	if !ok {
		return failedResult(broker.CodeOrderRejected, "unknown symbol "+req.Symbol), nil
	}

	params := smartconnect.OrderParams{
		Variety:         "NORMAL",
		TradingSymbol:   req.Symbol,
		SymbolToken:     token,
		TransactionType: string(req.TransactionType),
		Exchange:        a.cfg.Exchange,
		OrderType:       string(req.OrderType),
		ProductType:     req.ProductType,
		Duration:        "DAY",
		Price:           smartconnect.PaiseToRupeeString(req.Price),
		Quantity:        strconv.FormatInt(req.Qty, 10),
		OrderTag:        req.ClientOrderID,
	}
	if req.TriggerPrice > 0 {
		params.TriggerPrice = smartconnect.PaiseToRupeeString(req.TriggerPrice)
	}

	orderID, err := a.withSessionRetry(ctx, func() (string, error) {
		return a.client.PlaceOrder(ctx, params)
	})
	if err != nil {
		return orderResultFromError(err), nil
	}
	log.Printf("[smartapi] placed %s %s x%d -> order %s", req.TransactionType, req.Symbol, req.Qty, orderID)
	return model.OrderResult{Success: true, OrderID: orderID}, nil
}

// ModifyOrder re-prices an open order.
func (a *Adapter) ModifyOrder(ctx context.Context, brokerOrderID string, price, qty int64) (model.OrderResult, error) {
	if !a.CanPlaceOrders() {
		return failedResult(broker.CodeReadOnly, "order mutations not allowed"), nil
	}
	err := a.client.ModifyOrder(ctx, smartconnect.ModifyParams{
		Variety:  "NORMAL",
		OrderID:  brokerOrderID,
		Price:    smartconnect.PaiseToRupeeString(price),
		Quantity: strconv.FormatInt(qty, 10),
		Exchange: a.cfg.Exchange,
		Duration: "DAY",
	})
	if err != nil {
		return orderResultFromError(err), nil
	}
	return model.OrderResult{Success: true, OrderID: brokerOrderID}, nil
}

// CancelOrder cancels an open order.
func (a *Adapter) CancelOrder(ctx context.Context, brokerOrderID string) (model.OrderResult, error) {
	if !a.connected.Load() {
		return failedResult(broker.CodeNotConnected, "not connected"), nil
	}
	if err := a.client.CancelOrder(ctx, brokerOrderID, "NORMAL"); err != nil {
		return orderResultFromError(err), nil
	}
	return model.OrderResult{Success: true, OrderID: brokerOrderID}, nil
}

// GetOrderStatus looks an order up in the broker order book.
func (a *Adapter) GetOrderStatus(ctx context.Context, brokerOrderID string) (*model.BrokerOrderStatus, error) {
	book, err := a.client.OrderBook(ctx)
	if err != nil {
		return nil, err
	}
	for _, o := range book {
		if o.OrderID == brokerOrderID {
			st := toOrderStatus(o)
			return &st, nil
		}
	}
	return nil, fmt.Errorf("%s: order %s not in book", broker.CodeUnknownOrder, brokerOrderID)
}

// GetOpenOrders returns every non-terminal order in the book.
func (a *Adapter) GetOpenOrders(ctx context.Context) ([]model.BrokerOrderStatus, error) {
	book, err := a.client.OrderBook(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.BrokerOrderStatus
	for _, o := range book {
		st := toOrderStatus(o)
		if st.Kind() == model.OrderStatusWorking {
			out = append(out, st)
		}
	}
	return out, nil
}

// GetPositions returns the position book.
func (a *Adapter) GetPositions(ctx context.Context) ([]model.PositionInfo, error) {
	positions, err := a.client.Positions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.PositionInfo, 0, len(positions))
	for _, p := range positions {
		qty, _ := strconv.ParseInt(p.NetQty, 10, 64)
		avg, _ := strconv.ParseFloat(p.AvgNetPrice, 64)
		out = append(out, model.PositionInfo{
			Symbol:      p.TradingSymbol,
			Exchange:    p.Exchange,
			NetQty:      qty,
			AvgPrice:    smartconnect.RupeesToPaise(avg),
			ProductType: p.ProductType,
		})
	}
	return out, nil
}

// GetHoldings returns demat holdings.
func (a *Adapter) GetHoldings(ctx context.Context) ([]model.HoldingInfo, error) {
	holdings, err := a.client.Holdings(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.HoldingInfo, 0, len(holdings))
	for _, h := range holdings {
		out = append(out, model.HoldingInfo{
			Symbol:   h.TradingSymbol,
			Exchange: h.Exchange,
			Qty:      h.Quantity,
			AvgPrice: smartconnect.RupeesToPaise(h.AveragePrice),
		})
	}
	return out, nil
}

// GetFunds returns the RMS cash snapshot.
func (a *Adapter) GetFunds(ctx context.Context) (*model.FundsInfo, error) {
	f, err := a.client.RMS(ctx)
	if err != nil {
		return nil, err
	}
	return &model.FundsInfo{
		Net:            rupeeStringToPaise(f.Net),
		AvailableCash:  rupeeStringToPaise(f.AvailableCash),
		UtilisedDebits: rupeeStringToPaise(f.UtilisedDebits),
	}, nil
}

// GetLTP returns the last traded price in paise.
func (a *Adapter) GetLTP(ctx context.Context, symbol string) (int64, error) {
	token, ok := a.symbolToToken[symbol]
	if !ok {
		return 0, fmt.Errorf("unknown symbol %s", symbol)
	}
	return a.client.LTP(ctx, a.cfg.Exchange, symbol, token)
}

// GetHistoricalCandles fetches 1m candles from the broker and, for higher
// timeframes, aggregates session-aligned buckets, discarding a trailing
// bucket that `to` cuts short.
func (a *Adapter) GetHistoricalCandles(ctx context.Context, symbol string, tf model.Timeframe, from, to time.Time) ([]model.Candle, error) {
	token, ok := a.symbolToToken[symbol]
	if !ok {
		return nil, fmt.Errorf("unknown symbol %s", symbol)
	}

	hist, err := a.client.CandleData(ctx, a.cfg.Exchange, token, "ONE_MINUTE",
		from.In(sessionclock.IST), to.In(sessionclock.IST))
	if err != nil {
		return nil, err
	}

	base := make([]model.Candle, 0, len(hist))
	for _, h := range hist {
		if h.TS.Before(from) || !h.TS.Before(to) {
			continue
		}
		base = append(base, model.Candle{
			Symbol: symbol, Timeframe: model.LTF, TS: h.TS,
			Open: h.Open, High: h.High, Low: h.Low, Close: h.Close, Volume: h.Volume,
		})
	}
	if tf == model.LTF {
		return base, nil
	}
	return aggregateBase(symbol, tf, base, to), nil
}

// aggregateBase folds 1m candles into session-aligned tf buckets. A bucket
// whose end extends past `to` is incomplete and dropped.
func aggregateBase(symbol string, tf model.Timeframe, base []model.Candle, to time.Time) []model.Candle {
	var out []model.Candle
	var cur *model.Candle
	var curEnd time.Time

	for _, c := range base {
		bucket := sessionclock.FloorToInterval(c.TS, tf.Minutes())
		if cur == nil || !cur.TS.Equal(bucket) {
			if cur != nil && !curEnd.After(to) {
				out = append(out, *cur)
			}
			cur = &model.Candle{
				Symbol: symbol, Timeframe: tf, TS: bucket,
				Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume,
			}
			curEnd = bucket.Add(tf.Duration())
			continue
		}
		if c.High > cur.High {
			cur.High = c.High
		}
		if c.Low < cur.Low {
			cur.Low = c.Low
		}
		cur.Close = c.Close
		cur.Volume += c.Volume
	}
	if cur != nil && !curEnd.After(to) {
		out = append(out, *cur)
	}
	return out
}

// GetInstruments returns the configured instrument master.
func (a *Adapter) GetInstruments(_ context.Context) ([]model.Instrument, error) {
	return a.cfg.Instruments, nil
}

// ReloadToken refreshes the session tokens and, when the feed gave up after
// a rejected handshake, redials it with the fresh credentials.
func (a *Adapter) ReloadToken(ctx context.Context) error {
	if err := a.client.RenewTokens(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	feed := a.feed
	a.mu.Unlock()
	if feed != nil && feed.State() == smartconnect.StateDisconnected {
		s := a.client.Session()
		feed.SetTokens(s.AccessToken, s.FeedToken)
		return feed.Connect()
	}
	return nil
}

// withSessionRetry runs fn, renewing tokens and retrying once on session
// expiry.
func (a *Adapter) withSessionRetry(ctx context.Context, fn func() (string, error)) (string, error) {
	out, err := fn()
	if err != nil && errors.Is(err, smartconnect.ErrSessionExpired) {
		if rerr := a.client.RenewTokens(ctx); rerr != nil {
			return "", fmt.Errorf("session renew: %w", rerr)
		}
		return fn()
	}
	return out, err
}

func toOrderStatus(o smartconnect.OrderDetail) model.BrokerOrderStatus {
	filled, _ := strconv.ParseInt(o.FilledShares, 10, 64)
	status := o.Status
	if status == "" {
		status = o.OrderStatus
	}
	ts, _ := time.ParseInLocation("02-Jan-2006 15:04:05", o.UpdateTime, sessionclock.IST)
	return model.BrokerOrderStatus{
		OrderID:        o.OrderID,
		Status:         status,
		AveragePrice:   smartconnect.RupeesToPaise(o.AveragePrice),
		FilledQuantity: filled,
		StatusMessage:  o.Text,
		ClientOrderID:  o.OrderTag,
		UpdatedAt:      ts.UTC(),
	}
}

func failedResult(code, msg string) model.OrderResult {
	return model.OrderResult{Success: false, ErrorCode: code, Message: msg}
}

func orderResultFromError(err error) model.OrderResult {
	var apiErr *smartconnect.APIError
	if errors.As(err, &apiErr) {
		return model.OrderResult{Success: false, ErrorCode: broker.CodeOrderRejected, Message: apiErr.Message}
	}
	if errors.Is(err, smartconnect.ErrSessionExpired) {
		return model.OrderResult{Success: false, ErrorCode: broker.CodeSessionExpired, Message: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.OrderResult{Success: false, ErrorCode: broker.CodeTimeout, Message: err.Error()}
	}
	return model.OrderResult{Success: false, ErrorCode: broker.CodeOrderRejected, Message: err.Error()}
}

func rupeeStringToPaise(s string) int64 {
	f, _ := strconv.ParseFloat(s, 64)
	return smartconnect.RupeesToPaise(f)
}

var _ broker.Adapter = (*Adapter)(nil)
