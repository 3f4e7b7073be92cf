// Package esi reads regional order books from the EVE Swagger Interface.
package esi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/Checker-Finance/marketdata/internal/httpclient"
	"github.com/Checker-Finance/marketdata/pkg/model"
)

const rateKey = "esi"

// maxPages bounds a single book fetch.
const maxPages = 500

var (
	// ErrNotFound is returned for unknown regions or types.
	ErrNotFound = errors.New("esi: not found")

	// ErrTooManyPages is returned when a book spans more than maxPages. A
	// partial book must never be submitted as a full snapshot.
	ErrTooManyPages = errors.New("esi: order book exceeds page limit")
)

// Client fetches market order books.
type Client struct {
	baseURL   string
	userAgent string
	exec      *httpclient.Executor
	logger    *zap.Logger
}

// ErrorHandler maps ESI 4xx responses to errors. Pass it to httpclient.New.
func ErrorHandler(status int, body []byte) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	msg := strings.TrimSpace(eb.Error)
	if msg == "" {
		msg = http.StatusText(status)
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	}
	return fmt.Errorf("esi returned %d: %s", status, msg)
}

func NewClient(baseURL, userAgent string, exec *httpclient.Executor, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		exec:      exec,
		logger:    logger,
	}
}

// MarketOrders returns every open order of m, reading all pages.
func (c *Client) MarketOrders(ctx context.Context, m model.Market) ([]model.OrderSnapshot, error) {
	var out []model.OrderSnapshot
	pages := 1
	for page := 1; page <= pages; page++ {
		orders, total, err := c.fetchPage(ctx, m, page)
		if err != nil {
			return nil, fmt.Errorf("market %s page %d: %w", m, page, err)
		}
		if page == 1 {
			if total > maxPages {
				return nil, fmt.Errorf("market %s: %w: %d pages, limit %d", m, ErrTooManyPages, total, maxPages)
			}
			pages = max(total, 1)
		}
		for _, o := range orders {
			if o.TypeID != 0 && o.TypeID != m.TypeID {
				continue
			}
			out = append(out, o.snapshot())
		}
	}

	c.logger.Debug("esi.market_orders",
		zap.Stringer("market", m),
		zap.Int("pages", pages),
		zap.Int("orders", len(out)))
	return out, nil
}

func (c *Client) fetchPage(ctx context.Context, m model.Market, page int) ([]MarketOrder, int, error) {
	q := url.Values{}
	q.Set("datasource", "tranquility")
	q.Set("order_type", "all")
	q.Set("type_id", strconv.Itoa(int(m.TypeID)))
	q.Set("page", strconv.Itoa(page))
	endpoint := fmt.Sprintf("%s/markets/%d/orders/?%s", c.baseURL, m.RegionID, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var orders []MarketOrder
	resp, err := c.exec.DoJSON(ctx, req, rateKey, &orders)
	if err != nil {
		return nil, 0, err
	}
	total, err := strconv.Atoi(resp.Header.Get("X-Pages"))
	if err != nil {
		total = 1
	}
	return orders, total, nil
}
