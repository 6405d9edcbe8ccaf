// Package smartconnect is a typed client for the Angel One SmartAPI REST and
// streaming endpoints: session management with TOTP login, order placement,
// order book, LTP, historical candles, and the market data websocket.
package smartconnect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
)

const (
	defaultRoot    = "https://apiconnect.angelone.in"
	defaultTimeout = 7 * time.Second
)

var routes = map[string]string{
	"api.login":   "/rest/auth/angelbroking/user/v1/loginByPassword",
	"api.logout":  "/rest/secure/angelbroking/user/v1/logout",
	"api.token":   "/rest/auth/angelbroking/jwt/v1/generateTokens",
	"api.profile": "/rest/secure/angelbroking/user/v1/getProfile",

	"api.order.place":  "/rest/secure/angelbroking/order/v1/placeOrder",
	"api.order.modify": "/rest/secure/angelbroking/order/v1/modifyOrder",
	"api.order.cancel": "/rest/secure/angelbroking/order/v1/cancelOrder",
	"api.order.book":   "/rest/secure/angelbroking/order/v1/getOrderBook",

	"api.ltp.data":    "/rest/secure/angelbroking/order/v1/getLtpData",
	"api.rms.limit":   "/rest/secure/angelbroking/user/v1/getRMS",
	"api.holding":     "/rest/secure/angelbroking/portfolio/v1/getHolding",
	"api.position":    "/rest/secure/angelbroking/order/v1/getPosition",
	"api.candle.data": "/rest/secure/angelbroking/historical/v1/getCandleData",
}

// ErrSessionExpired is returned on a 403 TokenException; callers should
// re-login and retry.
var ErrSessionExpired = errors.New("smartconnect: session expired")

// Config configures the REST client.
type Config struct {
	APIKey   string
	RootURL  string        // default: https://apiconnect.angelone.in
	Timeout  time.Duration // default: 7s
	LocalIP  string        // default: resolved, else 127.0.0.1
	PublicIP string        // default: 127.0.0.1 (the API only logs it)
	MAC      string        // default: first interface MAC
}

// Session holds the tokens returned by login.
type Session struct {
	AccessToken  string
	RefreshToken string
	FeedToken    string
	ClientCode   string
}

// Client is the SmartAPI REST client. Token mutation happens only through
// GenerateSession and RenewTokens; callers serialize those.
type Client struct {
	apiKey     string
	rootURL    string
	httpClient *http.Client

	localIP  string
	publicIP string
	mac      string

	session Session
}

// NewClient creates the REST client.
func NewClient(cfg Config) *Client {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.LocalIP == "" {
		cfg.LocalIP = localIPFallback()
	}
	if cfg.PublicIP == "" {
		cfg.PublicIP = "127.0.0.1"
	}
	if cfg.MAC == "" {
		cfg.MAC = macFallback()
	}
	return &Client{
		apiKey:     cfg.APIKey,
		rootURL:    strings.TrimRight(cfg.RootURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		localIP:    cfg.LocalIP,
		publicIP:   cfg.PublicIP,
		mac:        cfg.MAC,
	}
}

// Session returns the current token set.
func (c *Client) Session() Session { return c.session }

// SetSession restores a previously saved token set.
func (c *Client) SetSession(s Session) { c.session = s }

type apiResponse struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

// GenerateSession logs in with client code, password, and a TOTP generated
// from the shared secret, then stores the returned tokens.
func (c *Client) GenerateSession(ctx context.Context, clientCode, password, totpSecret string) (Session, error) {
	code, err := totp.GenerateCode(totpSecret, time.Now())
	if err != nil {
		return Session{}, fmt.Errorf("totp generate: %w", err)
	}

	var data struct {
		JWTToken     string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
		FeedToken    string `json:"feedToken"`
	}
	if err := c.call(ctx, http.MethodPost, "api.login", map[string]any{
		"clientcode": clientCode,
		"password":   password,
		"totp":       code,
	}, &data); err != nil {
		return Session{}, fmt.Errorf("login: %w", err)
	}

	c.session = Session{
		AccessToken:  data.JWTToken,
		RefreshToken: data.RefreshToken,
		FeedToken:    data.FeedToken,
		ClientCode:   clientCode,
	}
	return c.session, nil
}

// RenewTokens exchanges the refresh token for a fresh access and feed token.
func (c *Client) RenewTokens(ctx context.Context) error {
	var data struct {
		JWTToken  string `json:"jwtToken"`
		FeedToken string `json:"feedToken"`
	}
	if err := c.call(ctx, http.MethodPost, "api.token", map[string]any{
		"refreshToken": c.session.RefreshToken,
	}, &data); err != nil {
		return fmt.Errorf("renew tokens: %w", err)
	}
	if data.JWTToken != "" {
		c.session.AccessToken = data.JWTToken
	}
	if data.FeedToken != "" {
		c.session.FeedToken = data.FeedToken
	}
	return nil
}

// Logout terminates the broker session.
func (c *Client) Logout(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "api.logout", map[string]any{
		"clientcode": c.session.ClientCode,
	}, nil)
}

// OrderParams are the fields SmartAPI requires to place an order.
type OrderParams struct {
	Variety         string `json:"variety"` // NORMAL
	TradingSymbol   string `json:"tradingsymbol"`
	SymbolToken     string `json:"symboltoken"`
	TransactionType string `json:"transactiontype"` // BUY / SELL
	Exchange        string `json:"exchange"`
	OrderType       string `json:"ordertype"` // MARKET / LIMIT / SL / SL-M
	ProductType     string `json:"producttype"`
	Duration        string `json:"duration"` // DAY
	Price           string `json:"price"`    // rupees, "0" for market
	Quantity        string `json:"quantity"`
	TriggerPrice    string `json:"triggerprice,omitempty"`
	OrderTag        string `json:"ordertag,omitempty"`
}

// PlaceOrder places an order and returns the broker order id.
func (c *Client) PlaceOrder(ctx context.Context, p OrderParams) (string, error) {
	var data struct {
		OrderID string `json:"orderid"`
	}
	if err := c.call(ctx, http.MethodPost, "api.order.place", p, &data); err != nil {
		return "", fmt.Errorf("place order: %w", err)
	}
	if data.OrderID == "" {
		return "", errors.New("place order: empty order id in response")
	}
	return data.OrderID, nil
}

// ModifyParams identify and re-price an open order.
type ModifyParams struct {
	Variety       string `json:"variety"`
	OrderID       string `json:"orderid"`
	OrderType     string `json:"ordertype"`
	Price         string `json:"price"`
	Quantity      string `json:"quantity"`
	TradingSymbol string `json:"tradingsymbol"`
	SymbolToken   string `json:"symboltoken"`
	Exchange      string `json:"exchange"`
	Duration      string `json:"duration"`
	ProductType   string `json:"producttype"`
}

// ModifyOrder modifies an open order.
func (c *Client) ModifyOrder(ctx context.Context, p ModifyParams) error {
	if err := c.call(ctx, http.MethodPost, "api.order.modify", p, nil); err != nil {
		return fmt.Errorf("modify order %s: %w", p.OrderID, err)
	}
	return nil
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, orderID, variety string) error {
	if err := c.call(ctx, http.MethodPost, "api.order.cancel", map[string]any{
		"variety": variety,
		"orderid": orderID,
	}, nil); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

// OrderDetail is one row of the broker order book.
type OrderDetail struct {
	OrderID       string `json:"orderid"`
	Status        string `json:"status"`       // open / complete / rejected / cancelled
	OrderStatus   string `json:"orderstatus"`  // broker's verbose status
	Text          string `json:"text"`         // rejection reason
	TradingSymbol string `json:"tradingsymbol"`
	TransactionType string `json:"transactiontype"`
	FilledShares  string `json:"filledshares"`
	Quantity      string `json:"quantity"`
	AveragePrice  float64 `json:"averageprice"` // rupees
	Price         float64 `json:"price"`
	OrderTag      string  `json:"ordertag"`
	UpdateTime    string  `json:"updatetime"`
}

// OrderBook fetches all of today's orders.
func (c *Client) OrderBook(ctx context.Context) ([]OrderDetail, error) {
	var data []OrderDetail
	if err := c.call(ctx, http.MethodGet, "api.order.book", nil, &data); err != nil {
		return nil, fmt.Errorf("order book: %w", err)
	}
	return data, nil
}

// LTP returns the last traded price in paise.
func (c *Client) LTP(ctx context.Context, exchange, tradingSymbol, symbolToken string) (int64, error) {
	var data struct {
		LTP float64 `json:"ltp"` // rupees
	}
	if err := c.call(ctx, http.MethodPost, "api.ltp.data", map[string]any{
		"exchange":      exchange,
		"tradingsymbol": tradingSymbol,
		"symboltoken":   symbolToken,
	}, &data); err != nil {
		return 0, fmt.Errorf("ltp %s: %w", tradingSymbol, err)
	}
	return RupeesToPaise(data.LTP), nil
}

// HistCandle is one historical candle with prices in paise.
type HistCandle struct {
	TS     time.Time
	Open   int64
	High   int64
	Low    int64
	Close  int64
	Volume int64
}

// CandleData fetches historical candles. Interval is a SmartAPI interval
// name (ONE_MINUTE, FIVE_MINUTE, ...); from/to are broker-local times.
func (c *Client) CandleData(ctx context.Context, exchange, symbolToken, interval string, from, to time.Time) ([]HistCandle, error) {
	const layout = "2006-01-02 15:04"
	var rows [][]any
	if err := c.call(ctx, http.MethodPost, "api.candle.data", map[string]any{
		"exchange":    exchange,
		"symboltoken": symbolToken,
		"interval":    interval,
		"fromdate":    from.Format(layout),
		"todate":      to.Format(layout),
	}, &rows); err != nil {
		return nil, fmt.Errorf("candle data %s: %w", symbolToken, err)
	}

	out := make([]HistCandle, 0, len(rows))
	for _, row := range rows {
		// [timestamp, open, high, low, close, volume]
		if len(row) < 6 {
			continue
		}
		tsStr, _ := row[0].(string)
		ts, err := time.Parse("2006-01-02T15:04:05-07:00", tsStr)
		if err != nil {
			continue
		}
		out = append(out, HistCandle{
			TS:     ts.UTC(),
			Open:   RupeesToPaise(asFloat(row[1])),
			High:   RupeesToPaise(asFloat(row[2])),
			Low:    RupeesToPaise(asFloat(row[3])),
			Close:  RupeesToPaise(asFloat(row[4])),
			Volume: int64(asFloat(row[5])),
		})
	}
	return out, nil
}

// Position is one row of the broker position book.
type Position struct {
	TradingSymbol string `json:"tradingsymbol"`
	Exchange      string `json:"exchange"`
	NetQty        string `json:"netqty"`
	AvgNetPrice   string `json:"avgnetprice"` // rupees
	ProductType   string `json:"producttype"`
}

// Positions fetches the position book.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	var data []Position
	if err := c.call(ctx, http.MethodGet, "api.position", nil, &data); err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	return data, nil
}

// Holding is one row of the demat holdings.
type Holding struct {
	TradingSymbol string  `json:"tradingsymbol"`
	Exchange      string  `json:"exchange"`
	Quantity      int64   `json:"quantity"`
	AveragePrice  float64 `json:"averageprice"` // rupees
}

// Holdings fetches demat holdings.
func (c *Client) Holdings(ctx context.Context) ([]Holding, error) {
	var data []Holding
	if err := c.call(ctx, http.MethodGet, "api.holding", nil, &data); err != nil {
		return nil, fmt.Errorf("holdings: %w", err)
	}
	return data, nil
}

// Funds holds the RMS cash limits in rupees strings as the API returns them.
type Funds struct {
	Net              string `json:"net"`
	AvailableCash    string `json:"availablecash"`
	UtilisedDebits   string `json:"utiliseddebits"`
	AvailableMargin  string `json:"availablelimitmargin"`
}

// RMS fetches the funds and margin limits.
func (c *Client) RMS(ctx context.Context) (*Funds, error) {
	var data Funds
	if err := c.call(ctx, http.MethodGet, "api.rms.limit", nil, &data); err != nil {
		return nil, fmt.Errorf("rms: %w", err)
	}
	return &data, nil
}

// call performs one API request and decodes the data payload into out.
func (c *Client) call(ctx context.Context, method, route string, params, out any) error {
	uri, ok := routes[route]
	if !ok {
		return fmt.Errorf("unknown route: %s", route)
	}

	var body io.Reader
	if params != nil && method != http.MethodGet {
		b, err := json.Marshal(params)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.rootURL+uri, body)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("bad response (%d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode == http.StatusForbidden && envelope.ErrorType == "TokenException" {
		return ErrSessionExpired
	}
	if !envelope.Status {
		return &APIError{Code: envelope.ErrorCode, Message: envelope.Message}
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

// APIError is a SmartAPI status=false response.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("smartapi %s: %s", e.Code, e.Message)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-ClientLocalIP", c.localIP)
	req.Header.Set("X-ClientPublicIP", c.publicIP)
	req.Header.Set("X-MACAddress", c.mac)
	req.Header.Set("X-PrivateKey", c.apiKey)
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	if c.session.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.session.AccessToken)
	}
}

// RupeesToPaise converts a rupee amount to integer paise, rounding to the
// nearest paisa.
func RupeesToPaise(r float64) int64 {
	return int64(math.Round(r * 100))
}

// PaiseToRupeeString formats paise as a rupee string for order params.
func PaiseToRupeeString(p int64) string {
	return fmt.Sprintf("%d.%02d", p/100, p%100)
}

func localIPFallback() string {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
				return ipn.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

func macFallback() string {
	ifs, _ := net.Interfaces()
	for _, ifc := range ifs {
		if len(ifc.HardwareAddr) > 0 {
			return ifc.HardwareAddr.String()
		}
	}
	return "00:11:22:33:44:55"
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}
