// Package schedclient talks to the scheduler service on behalf of refresh
// workers.
package schedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Checker-Finance/marketdata/internal/httpclient"
	"github.com/Checker-Finance/marketdata/pkg/model"
)

const (
	basePath = "/ws/v1/scheduler"
	rateKey  = "scheduler"
)

// ErrNothingScheduled means the scheduler had no instrument due.
var ErrNothingScheduled = errors.New("schedclient: nothing scheduled")

type Client struct {
	baseURL string
	exec    *httpclient.Executor
}

// ErrorHandler maps scheduler 4xx responses to errors. Pass it to httpclient.New.
func ErrorHandler(status int, body []byte) error {
	if status == http.StatusNotFound {
		return ErrNothingScheduled
	}
	var eb struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &eb)
	return fmt.Errorf("scheduler returned %d: %s", status, eb.Error)
}

func New(baseURL string, exec *httpclient.Executor) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), exec: exec}
}

func (c *Client) endpoint(op string, m *model.Market) string {
	u := c.baseURL + basePath + "/" + op
	if m != nil {
		q := url.Values{}
		q.Set("regionid", strconv.Itoa(int(m.RegionID)))
		q.Set("typeid", strconv.Itoa(int(m.TypeID)))
		u += "?" + q.Encode()
	}
	return u
}

// TakeNext claims the next due instrument.
func (c *Client) TakeNext(ctx context.Context) (model.Instrument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("takenext", nil), nil)
	if err != nil {
		return model.Instrument{}, err
	}
	req.Header.Set("Accept", "application/json")

	var payload model.InstrumentPayload
	if _, err := c.exec.DoJSON(ctx, req, rateKey, &payload); err != nil {
		return model.Instrument{}, err
	}
	return payload.Instrument(), nil
}

// StoreBatch submits a full snapshot of m's order book.
func (c *Client) StoreBatch(ctx context.Context, m model.Market, orders []model.OrderSnapshot) error {
	payload := make([]model.OrderPayload, len(orders))
	for i, o := range orders {
		payload[i] = model.NewOrderPayload(o)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("storeBatch", &m), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	_, err = c.exec.DoJSON(ctx, req, rateKey, nil)
	return err
}

// Register adds m to the schedule.
func (c *Client) Register(ctx context.Context, m model.Market) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("instrument", &m), nil)
	if err != nil {
		return err
	}
	_, err = c.exec.DoJSON(ctx, req, rateKey, nil)
	return err
}
