// Package quote wraps the external market data provider: live prices, symbol
// search, daily time series and the top movers feed. It holds no state
// beyond the HTTP client and applies no retries; callers decide the fallback
// policy.
package quote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/stockfolio/portfolio-engine/internal/config"
	"github.com/stockfolio/portfolio-engine/internal/metrics"
	"github.com/stockfolio/portfolio-engine/internal/model"
)

// Gateway is the price lookup used by order execution and portfolio valuation.
// Failures wrap model.ErrNotFound (unknown symbol) or model.ErrProvider.
type Gateway interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Provider is the full market data surface exposed over HTTP.
type Provider interface {
	Gateway
	Quote(ctx context.Context, symbol string) (*Quote, error)
	Search(ctx context.Context, query string) ([]SearchResult, error)
	TimeSeries(ctx context.Context, symbol, interval string, size int) ([]Point, error)
	TopMovers(ctx context.Context) ([]Mover, error)
}

// Quote is a live quote for one symbol.
type Quote struct {
	Symbol   string          `json:"symbol"`
	Price    decimal.Decimal `json:"price"`
	Name     string          `json:"name"`
	Currency string          `json:"currency"`
}

// SearchResult is one instrument matching a search query.
type SearchResult struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
}

// Point is one close of a time series.
type Point struct {
	Datetime string          `json:"datetime"`
	Close    decimal.Decimal `json:"close"`
}

// Mover is one entry of the market movers feed.
type Mover struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// Client talks to a Twelve Data compatible REST API.
type Client struct {
	client  *resty.Client
	apiKey  string
	limiter *rate.Limiter
	logger  *zap.Logger

	pricePath    string
	namePath     string
	currencyPath string
	searchLimit  int

	moversEndpoint   string
	moversListPath   string
	moversSymbolPath string
	moversPricePath  string
}

// ensure Client implements the interface
var _ Provider = (*Client)(nil)

// NewClient creates a provider client. Every call is bounded by cfg.Timeout;
// a timed out call is reported as model.ErrProvider.
func NewClient(cfg config.Quote, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout)

	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}

	return &Client{
		client:       client,
		apiKey:       cfg.APIKey,
		limiter:      rate.NewLimiter(limit, burst),
		logger:       logger,
		pricePath:    orDefault(cfg.PricePath, "$.close"),
		namePath:     orDefault(cfg.NamePath, "$.name"),
		currencyPath: orDefault(cfg.CurrencyPath, "$.currency"),
		searchLimit:  cfg.SearchLimit,

		moversEndpoint:   orDefault(cfg.MoversEndpoint, "/market_movers/stocks"),
		moversListPath:   orDefault(cfg.MoversListPath, "$.values"),
		moversSymbolPath: orDefault(cfg.MoversSymbolPath, "$.symbol"),
		moversPricePath:  orDefault(cfg.MoversPricePath, "$.last"),
	}
}

// providerStatus is the error envelope the provider returns, often with HTTP 200.
type providerStatus struct {
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// get executes a rate-limited GET and classifies failures. The returned body
// is a successful provider payload.
func (c *Client) get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter wait failed: %v", model.ErrProvider, err)
	}

	req := c.client.R().
		SetContext(ctx).
		SetQueryParams(params)
	if c.apiKey != "" {
		req.SetQueryParam("apikey", c.apiKey)
	}

	c.logger.Debug("quote provider request", zap.String("path", path), zap.Any("params", params))
	resp, err := req.Get(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrProvider, path, err)
	}

	body := resp.Body()
	var status providerStatus
	_ = json.Unmarshal(body, &status)

	if status.Status == "error" || resp.IsError() {
		code := status.Code
		if code == 0 {
			code = resp.StatusCode()
		}
		msg := status.Message
		if msg == "" {
			msg = resp.Status()
		}
		if code == http.StatusNotFound || code == http.StatusBadRequest {
			return nil, fmt.Errorf("%w: %s", model.ErrNotFound, msg)
		}
		return nil, fmt.Errorf("%w: %s: %s", model.ErrProvider, path, msg)
	}
	return body, nil
}

// Price returns the current price of symbol.
func (c *Client) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q, err := c.Quote(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return q.Price, nil
}

// Quote fetches a live quote. Fields are extracted with the configured JSON
// paths so that the provider payload layout stays a configuration concern.
func (c *Client) Quote(ctx context.Context, symbol string) (*Quote, error) {
	body, err := c.get(ctx, "/quote", map[string]string{"symbol": symbol})
	if err != nil {
		metrics.QuoteFetches.WithLabelValues(outcome(err)).Inc()
		return nil, err
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		metrics.QuoteFetches.WithLabelValues("provider_error").Inc()
		return nil, fmt.Errorf("%w: decode quote for %s: %v", model.ErrProvider, symbol, err)
	}

	price, err := extractDecimal(doc, c.pricePath)
	if err != nil {
		metrics.QuoteFetches.WithLabelValues("provider_error").Inc()
		return nil, fmt.Errorf("%w: invalid price for %s: %v", model.ErrProvider, symbol, err)
	}
	if price.IsNegative() {
		metrics.QuoteFetches.WithLabelValues("provider_error").Inc()
		return nil, fmt.Errorf("%w: negative price %s for %s", model.ErrProvider, price, symbol)
	}

	q := &Quote{
		Symbol:   symbol,
		Price:    price,
		Name:     extractString(doc, c.namePath),
		Currency: extractString(doc, c.currencyPath),
	}
	if s := extractString(doc, "$.symbol"); s != "" {
		q.Symbol = s
	}
	metrics.QuoteFetches.WithLabelValues("ok").Inc()
	return q, nil
}

// Search looks up instruments matching query, capped at the search limit.
func (c *Client) Search(ctx context.Context, query string) ([]SearchResult, error) {
	body, err := c.get(ctx, "/symbol_search", map[string]string{
		"symbol":     query,
		"outputsize": strconv.Itoa(c.searchLimit),
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Data []struct {
			Symbol         string `json:"symbol"`
			InstrumentName string `json:"instrument_name"`
			Exchange       string `json:"exchange"`
			InstrumentType string `json:"instrument_type"`
			Currency       string `json:"currency"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode search: %v", model.ErrProvider, err)
	}

	results := make([]SearchResult, 0, len(payload.Data))
	for _, item := range payload.Data {
		if c.searchLimit > 0 && len(results) == c.searchLimit {
			break
		}
		results = append(results, SearchResult{
			Symbol:   item.Symbol,
			Name:     item.InstrumentName,
			Type:     strings.ToLower(item.InstrumentType),
			Exchange: item.Exchange,
			Currency: item.Currency,
		})
	}
	return results, nil
}

// TimeSeries returns up to size closes for symbol, newest first as the
// provider orders them.
func (c *Client) TimeSeries(ctx context.Context, symbol, interval string, size int) ([]Point, error) {
	body, err := c.get(ctx, "/time_series", map[string]string{
		"symbol":     symbol,
		"interval":   interval,
		"outputsize": strconv.Itoa(size),
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Values []struct {
			Datetime string `json:"datetime"`
			Close    string `json:"close"`
		} `json:"values"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode time series: %v", model.ErrProvider, err)
	}
	if len(payload.Values) == 0 {
		return nil, fmt.Errorf("%w: no time series data for %s", model.ErrNotFound, symbol)
	}

	points := make([]Point, 0, len(payload.Values))
	for _, v := range payload.Values {
		closePrice, err := decimal.NewFromString(v.Close)
		if err != nil {
			continue
		}
		points = append(points, Point{Datetime: v.Datetime, Close: closePrice})
	}
	return points, nil
}

// TopMovers returns the leading entries of the provider's movers feed,
// capped at the search limit. A feed without a list yields no movers; items
// without a symbol or a parsable price are skipped.
func (c *Client) TopMovers(ctx context.Context) ([]Mover, error) {
	body, err := c.get(ctx, c.moversEndpoint, map[string]string{
		"outputsize": strconv.Itoa(c.searchLimit),
	})
	if err != nil {
		return nil, err
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode movers: %v", model.ErrProvider, err)
	}

	movers := []Mover{}
	v, err := jsonpath.Get(c.moversListPath, doc)
	if err != nil {
		c.logger.Debug("movers feed has no list", zap.String("path", c.moversListPath), zap.Error(err))
		return movers, nil
	}
	items, _ := v.([]any)
	for _, item := range items {
		if c.searchLimit > 0 && len(movers) == c.searchLimit {
			break
		}
		symbol := extractString(item, c.moversSymbolPath)
		price, err := extractDecimal(item, c.moversPricePath)
		if symbol == "" || err != nil {
			continue
		}
		movers = append(movers, Mover{Symbol: symbol, Price: price})
	}
	return movers, nil
}

func extractDecimal(doc any, path string) (decimal.Decimal, error) {
	v, err := jsonpath.Get(path, doc)
	if err != nil {
		return decimal.Zero, err
	}
	// jsonpath may return a list of one answer or the answer itself.
	if list, ok := v.([]any); ok {
		if len(list) == 0 {
			return decimal.Zero, errors.New("no value at " + path)
		}
		v = list[0]
	}
	switch x := v.(type) {
	case string:
		return decimal.NewFromString(x)
	case json.Number:
		return decimal.NewFromString(x.String())
	case float64:
		return decimal.NewFromFloat(x), nil
	}
	return decimal.Zero, fmt.Errorf("unexpected %T at %s", v, path)
}

func extractString(doc any, path string) string {
	v, err := jsonpath.Get(path, doc)
	if err != nil {
		return ""
	}
	if list, ok := v.([]any); ok {
		if len(list) == 0 {
			return ""
		}
		v = list[0]
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func outcome(err error) string {
	if errors.Is(err, model.ErrNotFound) {
		return "not_found"
	}
	return "provider_error"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
