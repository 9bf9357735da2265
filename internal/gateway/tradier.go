package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/models"
)

const (
	productionBaseURL = "https://api.tradier.com/v1"
	sandboxBaseURL    = "https://sandbox.tradier.com/v1"

	defaultHTTPTimeout = 30 * time.Second

	// StrikeMatchEpsilon tolerates float drift when matching chain strikes.
	StrikeMatchEpsilon = 1e-3
)

// TradierGateway implements Gateway against the Tradier brokerage API.
type TradierGateway struct {
	apiKey    string
	accountID string
	baseURL   string
	client    *http.Client
	logger    *log.Logger
}

// Ensure TradierGateway implements Gateway at compile time.
var _ Gateway = (*TradierGateway)(nil)

// NewTradierGateway creates a Tradier-backed gateway.
func NewTradierGateway(apiKey, accountID string, sandbox bool, logger *log.Logger) *TradierGateway {
	baseURL := productionBaseURL
	if sandbox {
		baseURL = sandboxBaseURL
	}
	if logger == nil {
		logger = log.Default()
	}
	return &TradierGateway{
		apiKey:    apiKey,
		accountID: accountID,
		baseURL:   baseURL,
		client:    &http.Client{Timeout: defaultHTTPTimeout},
		logger:    logger,
	}
}

// WithHTTPClient overrides the HTTP client, primarily for tests.
func (t *TradierGateway) WithHTTPClient(c *http.Client) *TradierGateway {
	if c != nil {
		t.client = c
	}
	return t
}

// WithBaseURL overrides the API base URL, primarily for tests.
func (t *TradierGateway) WithBaseURL(u string) *TradierGateway {
	if u != "" {
		t.baseURL = strings.TrimRight(u, "/")
	}
	return t
}

// singleOrArray handles Tradier's habit of returning a bare object when a
// collection has exactly one element.
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "null" || trimmed == `"null"` {
		*s = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var arr []T
		if err := json.Unmarshal(b, &arr); err != nil {
			return err
		}
		*s = arr
		return nil
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = []T{one}
	return nil
}

type positionItem struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
}

type quoteItem struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
}

type chainOption struct {
	Symbol     string  `json:"symbol"`
	Strike     float64 `json:"strike"`
	OptionType string  `json:"option_type"`
	Bid        float64 `json:"bid"`
	Ask        float64 `json:"ask"`
	Greeks     *struct {
		Delta float64 `json:"delta"`
		Gamma float64 `json:"gamma"`
		Theta float64 `json:"theta"`
		Vega  float64 `json:"vega"`
		Vanna float64 `json:"vanna"`
	} `json:"greeks"`
}

type orderLegItem struct {
	OptionSymbol string  `json:"option_symbol"`
	ExecQuantity float64 `json:"exec_quantity"`
	AvgFillPrice float64 `json:"avg_fill_price"`
}

type orderItem struct {
	ID           json.Number                 `json:"id"`
	Type         string                      `json:"type"`
	Status       string                      `json:"status"`
	AvgFillPrice float64                     `json:"avg_fill_price"`
	Legs         singleOrArray[orderLegItem] `json:"leg"`
}

// PortfolioSnapshot returns the account's option holdings. Equity positions
// are filtered out by symbol length.
func (t *TradierGateway) PortfolioSnapshot(ctx context.Context) (*PortfolioSnapshot, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/positions", t.baseURL, t.accountID)
	var resp struct {
		Positions struct {
			Position singleOrArray[positionItem] `json:"position"`
		} `json:"positions"`
	}
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	snap := &PortfolioSnapshot{Taken: time.Now().UTC()}
	for _, p := range resp.Positions.Position {
		if _, _, _, _, err := ParseOCCSymbol(p.Symbol); err != nil {
			continue // equity or unrecognized holding
		}
		snap.Legs = append(snap.Legs, AccountLeg{
			ContractRef: p.Symbol,
			Quantity:    int(p.Quantity),
		})
	}
	return snap, nil
}

// GetQuote fetches a top-of-book quote for an underlying or contract.
func (t *TradierGateway) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	params := url.Values{}
	params.Add("symbols", symbol)
	endpoint := t.baseURL + "/markets/quotes?" + params.Encode()
	var resp struct {
		Quotes struct {
			Quote singleOrArray[quoteItem] `json:"quote"`
		} `json:"quotes"`
	}
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Quotes.Quote) == 0 {
		return nil, fmt.Errorf("no quote returned for %s", symbol)
	}
	q := resp.Quotes.Quote[0]
	return &Quote{Symbol: q.Symbol, Bid: q.Bid, Ask: q.Ask, Last: q.Last}, nil
}

// GetGreeks looks the contract up in its expiration's chain, the only
// Tradier surface that carries greeks.
func (t *TradierGateway) GetGreeks(ctx context.Context, contractRef string) (*Greeks, error) {
	symbol, right, strike, expiration, err := ParseOCCSymbol(contractRef)
	if err != nil {
		return nil, err
	}
	options, err := t.optionChain(ctx, symbol, expiration, true)
	if err != nil {
		return nil, err
	}
	for _, o := range options {
		if o.Symbol != contractRef && !(math.Abs(o.Strike-strike) <= StrikeMatchEpsilon && o.OptionType == string(right)) {
			continue
		}
		if o.Greeks == nil {
			return nil, fmt.Errorf("chain entry for %s has no greeks", contractRef)
		}
		return &Greeks{
			Delta: o.Greeks.Delta,
			Gamma: o.Greeks.Gamma,
			Theta: o.Greeks.Theta,
			Vega:  o.Greeks.Vega,
			Vanna: o.Greeks.Vanna,
		}, nil
	}
	return nil, &ResolutionError{Symbol: symbol, Right: right, Strike: strike, Expiration: expiration}
}

// GetExpirations returns the listed expirations for symbol in ascending order.
func (t *TradierGateway) GetExpirations(ctx context.Context, symbol string) ([]time.Time, error) {
	params := url.Values{}
	params.Add("symbol", symbol)
	endpoint := t.baseURL + "/markets/options/expirations?" + params.Encode()
	var resp struct {
		Expirations struct {
			Date singleOrArray[string] `json:"date"`
		} `json:"expirations"`
	}
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, len(resp.Expirations.Date))
	for _, d := range resp.Expirations.Date {
		ts, err := time.Parse("2006-01-02", d)
		if err != nil {
			t.logger.Printf("skipping unparseable expiration %q for %s: %v", d, symbol, err)
			continue
		}
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// ResolveContract verifies the contract exists in the listed chain and
// returns its OCC symbol.
func (t *TradierGateway) ResolveContract(ctx context.Context, symbol string,
	right models.OptionRight, strike float64, expiration time.Time) (string, error) {
	options, err := t.optionChain(ctx, symbol, expiration, false)
	if err != nil {
		return "", err
	}
	for _, o := range options {
		if math.Abs(o.Strike-strike) <= StrikeMatchEpsilon && o.OptionType == string(right) {
			return o.Symbol, nil
		}
	}
	return "", &ResolutionError{Symbol: symbol, Right: right, Strike: strike, Expiration: expiration}
}

func (t *TradierGateway) optionChain(ctx context.Context, symbol string, expiration time.Time, greeks bool) ([]chainOption, error) {
	params := url.Values{}
	params.Add("symbol", symbol)
	params.Add("expiration", expiration.Format("2006-01-02"))
	if greeks {
		params.Add("greeks", "true")
	}
	endpoint := t.baseURL + "/markets/options/chains?" + params.Encode()
	var resp struct {
		Options struct {
			Option singleOrArray[chainOption] `json:"option"`
		} `json:"options"`
	}
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Options.Option, nil
}

// SubmitAtomicOrder places all legs as one multileg instruction. A positive
// limit is submitted as a credit order, negative as a debit order.
func (t *TradierGateway) SubmitAtomicOrder(ctx context.Context, symbol string,
	legs []OrderLeg, limitPrice float64, tag string) (*OrderStatus, error) {
	if len(legs) == 0 {
		return nil, fmt.Errorf("atomic order requires at least one leg")
	}
	params := url.Values{}
	params.Add("class", "multileg")
	params.Add("symbol", strings.ToUpper(symbol))
	params.Add("duration", "day")
	switch {
	case limitPrice > 0:
		params.Add("type", "credit")
		params.Add("price", fmt.Sprintf("%.2f", limitPrice))
	case limitPrice < 0:
		params.Add("type", "debit")
		params.Add("price", fmt.Sprintf("%.2f", -limitPrice))
	default:
		params.Add("type", "even")
	}
	if tag != "" {
		params.Add("tag", tag)
	}
	for i, leg := range legs {
		if leg.Quantity <= 0 {
			return nil, fmt.Errorf("leg %d has invalid quantity %d", i, leg.Quantity)
		}
		params.Add(fmt.Sprintf("option_symbol[%d]", i), leg.ContractRef)
		params.Add(fmt.Sprintf("side[%d]", i), tradierSide(leg))
		params.Add(fmt.Sprintf("quantity[%d]", i), fmt.Sprintf("%d", leg.Quantity))
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)
	var resp struct {
		Order orderItem `json:"order"`
	}
	if err := t.makeRequestCtx(ctx, http.MethodPost, endpoint, params, &resp); err != nil {
		return nil, err
	}
	return orderStatusFromItem(resp.Order), nil
}

func tradierSide(leg OrderLeg) string {
	switch {
	case leg.Side == models.SideBuy && leg.Action == ActionOpen:
		return "buy_to_open"
	case leg.Side == models.SideBuy && leg.Action == ActionClose:
		return "buy_to_close"
	case leg.Side == models.SideSell && leg.Action == ActionOpen:
		return "sell_to_open"
	default:
		return "sell_to_close"
	}
}

// GetOrderStatus fetches an order with per-leg fills.
func (t *TradierGateway) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%s?includeTags=true", t.baseURL, t.accountID, orderID)
	var resp struct {
		Order orderItem `json:"order"`
	}
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return orderStatusFromItem(resp.Order), nil
}

// CancelOrder asks the brokerage to cancel a working order.
func (t *TradierGateway) CancelOrder(ctx context.Context, orderID string) error {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%s", t.baseURL, t.accountID, orderID)
	return t.makeRequestCtx(ctx, http.MethodDelete, endpoint, nil, &struct {
		Order orderItem `json:"order"`
	}{})
}

func orderStatusFromItem(o orderItem) *OrderStatus {
	// Tradier reports avg_fill_price as a magnitude; the order type carries
	// the direction. Fold it into the signed net-price convention.
	price := o.AvgFillPrice
	switch strings.ToLower(o.Type) {
	case "credit":
		price = math.Abs(price)
	case "debit":
		price = -math.Abs(price)
	}
	st := &OrderStatus{
		ID:       o.ID.String(),
		State:    mapOrderState(o.Status),
		AvgPrice: price,
	}
	for _, l := range o.Legs {
		st.FilledLegs = append(st.FilledLegs, FilledLeg{
			ContractRef: l.OptionSymbol,
			Quantity:    int(l.ExecQuantity),
			AvgPrice:    l.AvgFillPrice,
		})
	}
	return st
}

func mapOrderState(s string) OrderState {
	switch strings.ToLower(s) {
	case "filled":
		return OrderFilled
	case "canceled", "cancelled":
		return OrderCanceled
	case "rejected", "error":
		return OrderRejected
	case "expired":
		return OrderExpired
	case "open", "partially_filled":
		return OrderOpen
	default:
		return OrderPending
	}
}

// makeRequestCtx makes an HTTP request with context support for
// timeout/cancellation. Transport failures are wrapped as ConnectivityError.
func (t *TradierGateway) makeRequestCtx(ctx context.Context, method, endpoint string,
	params url.Values, response interface{}) error {
	var req *http.Request
	var err error

	if method == http.MethodPost && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+t.apiKey)
	req.Header.Add("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return &ConnectivityError{Op: method + " " + endpoint, Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.logger.Printf("failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // cap error payloads
		if readErr != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(body))}
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}
