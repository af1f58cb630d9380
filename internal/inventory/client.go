package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/joao-fontenele/storefront-orders/internal/domain"
)

// Client talks to the inventory service. It rebuilds the typed ledger
// errors from the service's status codes so callers can keep using
// errors.Is/errors.As across the network hop.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

// Reserve holds stock under id. The call can be repeated with the same id
// after a lost reply without holding the stock twice.
func (c *Client) Reserve(ctx context.Context, id string, lines []domain.StockLine) error {
	return c.do(ctx, http.MethodPost, "/reservations", reserveRequest{ID: id, Lines: lines}, http.StatusCreated, nil)
}

func (c *Client) Release(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/reservations/"+url.PathEscape(id)+"/release", nil, http.StatusOK, nil)
}

func (c *Client) Commit(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/reservations/"+url.PathEscape(id)+"/commit", nil, http.StatusOK, nil)
}

func (c *Client) GetStock(ctx context.Context, sku string) (*domain.StockLevel, error) {
	var stock domain.StockLevel
	err := c.do(ctx, http.MethodGet, "/stock/"+url.PathEscape(sku), nil, http.StatusOK, &stock)
	if err != nil {
		return nil, err
	}
	return &stock, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, want int, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", path, err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("inventory %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == want {
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}

	var failure insufficientStockResponse
	_ = json.NewDecoder(resp.Body).Decode(&failure)

	switch resp.StatusCode {
	case http.StatusConflict:
		if failure.SKU != "" {
			return &domain.InsufficientStockError{SKU: failure.SKU, Available: failure.Available, Requested: failure.Requested}
		}
		return domain.InvalidState("reservation", path, failure.Error)
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusBadRequest:
		return domain.NewValidationError("", failure.Error)
	}
	return fmt.Errorf("inventory service returned status %d for %s %s", resp.StatusCode, method, path)
}
