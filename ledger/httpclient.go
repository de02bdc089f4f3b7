package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPClient talks to the ledger gateway over its JSON API. It is the only
// place the wire format appears; everything else depends on Client.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	poll    time.Duration
}

// NewHTTPClient builds a client for the gateway at baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultCallTimeout},
		poll:    2 * time.Second,
	}
}

func (c *HTTPClient) ResolveDealID(ctx context.Context, dealCode string) (string, bool, error) {
	var out struct {
		ID string `json:"id"`
	}
	status, err := c.getJSON(ctx, "/v1/deals/resolve?code="+url.QueryEscape(dealCode), &out)
	if err != nil {
		return "", false, err
	}
	if status == http.StatusNotFound {
		return "", false, nil
	}
	if status != http.StatusOK {
		return "", false, fmt.Errorf("ledger: resolve deal id: unexpected status %d", status)
	}
	return out.ID, out.ID != "", nil
}

func (c *HTTPClient) ReadStatus(ctx context.Context, ledgerID string) (Status, error) {
	var out struct {
		Status string `json:"status"`
	}
	status, err := c.getJSON(ctx, "/v1/deals/"+url.PathEscape(ledgerID), &out)
	if err != nil {
		return StatusUnknown, err
	}
	if status == http.StatusNotFound {
		return StatusUnknown, ErrDealNotFound
	}
	if status != http.StatusOK {
		return StatusUnknown, fmt.Errorf("ledger: read status: unexpected status %d", status)
	}
	return Status(out.Status), nil
}

func (c *HTTPClient) CreateDeal(ctx context.Context, dealCode, seller, buyer string, amount decimal.Decimal) (TxHandle, error) {
	return c.submit(ctx, "/v1/deals", map[string]any{
		"code":   dealCode,
		"seller": seller,
		"buyer":  buyer,
		"amount": amount.String(),
	})
}

func (c *HTTPClient) MarkDisputed(ctx context.Context, ledgerID string) (TxHandle, error) {
	return c.submit(ctx, "/v1/deals/"+url.PathEscape(ledgerID)+"/dispute", nil)
}

func (c *HTTPClient) ResolveRelease(ctx context.Context, ledgerID string) (TxHandle, error) {
	return c.submit(ctx, "/v1/deals/"+url.PathEscape(ledgerID)+"/release", nil)
}

func (c *HTTPClient) ResolveRefund(ctx context.Context, ledgerID string) (TxHandle, error) {
	return c.submit(ctx, "/v1/deals/"+url.PathEscape(ledgerID)+"/refund", nil)
}

func (c *HTTPClient) submit(ctx context.Context, path string, body map[string]any) (TxHandle, error) {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("ledger: marshal request: %w", err)
		}
		payload = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return nil, fmt.Errorf("ledger: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("ledger: submit %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrDealNotFound
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("ledger: submit %s: unexpected status %d", path, resp.StatusCode)
	}

	var out struct {
		Tx string `json:"tx"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ledger: decode tx ref: %w", err)
	}
	if out.Tx == "" {
		return nil, fmt.Errorf("ledger: submit %s: empty tx ref", path)
	}

	return &httpTx{client: c, ref: out.Tx}, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("ledger: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ErrTimeout
		}
		return 0, fmt.Errorf("ledger: get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return 0, fmt.Errorf("ledger: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// httpTx polls the gateway's transaction endpoint until it settles.
type httpTx struct {
	client *HTTPClient
	ref    string
}

func (t *httpTx) Ref() string { return t.ref }

func (t *httpTx) AwaitConfirmation(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		var out struct {
			State string `json:"state"`
		}
		status, err := t.client.getJSON(ctx, "/v1/tx/"+url.PathEscape(t.ref), &out)
		if err == nil && status == http.StatusOK {
			switch out.State {
			case "confirmed":
				return nil
			case "failed":
				return ErrTxFailed
			}
		}
		// transient lookup errors fall through to the next poll

		if time.Now().After(deadline) {
			return ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ErrTimeout
		case <-time.After(t.client.poll):
		}
	}
}
