package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tair/cart-sync/internal/cart/domain"
	"github.com/tair/cart-sync/pkg/logger"
)

var tracer = otel.Tracer("remote-cart-client")

// LatencyObserver receives the duration of every remote call
type LatencyObserver interface {
	ObserveRemote(op string, status int, d time.Duration)
}

// Config holds remote cart API client configuration
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	MaxFailures int
	OpenTimeout time.Duration
}

// RemoteCartClient talks to the external cart and order preview API over HTTP
type RemoteCartClient struct {
	baseURL  string
	timeout  time.Duration
	http     *http.Client
	breaker  *CircuitBreaker
	observer LatencyObserver
}

// NewRemoteCartClient creates a remote cart client
func NewRemoteCartClient(cfg Config, observer LatencyObserver) *RemoteCartClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	logger.Logger.Info().
		Str("base_url", cfg.BaseURL).
		Dur("timeout", timeout).
		Int("breaker_max_failures", cfg.MaxFailures).
		Msg("Remote cart client initialized")

	return &RemoteCartClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		timeout:  timeout,
		http:     &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		breaker:  NewCircuitBreaker("remote-cart", cfg.MaxFailures, cfg.OpenTimeout),
		observer: observer,
	}
}

type cartItemDTO struct {
	ProductID       string      `json:"productId"`
	Quantity        int         `json:"quantity"`
	Price           json.Number `json:"price"`
	SelectedColor   string      `json:"selectedColor"`
	SelectedStorage string      `json:"selectedStorage"`
	RemoteID        string      `json:"remoteId"`
	Image           string      `json:"image"`
}

type cartDTO struct {
	Items    []cartItemDTO `json:"items"`
	Subtotal json.Number   `json:"subtotal"`
}

type addItemRequest struct {
	ProductID       string `json:"productId"`
	Quantity        int    `json:"quantity"`
	SelectedColor   string `json:"selectedColor,omitempty"`
	SelectedStorage string `json:"selectedStorage,omitempty"`
}

type previewResponse struct {
	ShippingFee json.Number `json:"shippingFee"`
}

// FetchCart gets the authoritative cart of a user
func (c *RemoteCartClient) FetchCart(ctx context.Context, userID string) (domain.Snapshot, error) {
	var body cartDTO
	if err := c.do(ctx, "fetch_cart", http.MethodGet, c.cartPath(userID), nil, &body); err != nil {
		return domain.Snapshot{}, err
	}
	snapshot, err := body.toSnapshot()
	if err != nil {
		return domain.Snapshot{}, &domain.RemoteError{Op: "fetch_cart", Status: http.StatusBadGateway, Message: err.Error(), Err: err}
	}
	return snapshot, nil
}

// SetQuantity updates one line and returns the re-fetched cart
func (c *RemoteCartClient) SetQuantity(ctx context.Context, userID, remoteID string, quantity int) (domain.Snapshot, error) {
	req := map[string]int{"quantity": quantity}
	if err := c.do(ctx, "set_quantity", http.MethodPatch, c.itemPath(userID, remoteID), req, nil); err != nil {
		return domain.Snapshot{}, err
	}
	return c.FetchCart(ctx, userID)
}

// RemoveItem deletes one line and returns the re-fetched cart
func (c *RemoteCartClient) RemoveItem(ctx context.Context, userID, remoteID string) (domain.Snapshot, error) {
	if err := c.do(ctx, "remove_item", http.MethodDelete, c.itemPath(userID, remoteID), nil, nil); err != nil {
		return domain.Snapshot{}, err
	}
	return c.FetchCart(ctx, userID)
}

// AddItem adds a new line and returns the re-fetched cart
func (c *RemoteCartClient) AddItem(ctx context.Context, userID string, item domain.LineItem) (domain.Snapshot, error) {
	req := addItemRequest{
		ProductID:       item.ProductID,
		Quantity:        item.Quantity,
		SelectedColor:   item.Variant.Color,
		SelectedStorage: item.Variant.Storage,
	}
	if err := c.do(ctx, "add_item", http.MethodPost, c.cartPath(userID)+"/items", req, nil); err != nil {
		return domain.Snapshot{}, err
	}
	return c.FetchCart(ctx, userID)
}

// PreviewShipping asks the order API for the shipping fee of a cart
func (c *RemoteCartClient) PreviewShipping(ctx context.Context, req domain.PreviewRequest) (domain.Money, error) {
	var body previewResponse
	if err := c.do(ctx, "preview_shipping", http.MethodPost, "/order/preview", req, &body); err != nil {
		return 0, err
	}
	fee, err := parseMoney(body.ShippingFee)
	if err != nil {
		return 0, fmt.Errorf("invalid shipping fee: %w", err)
	}
	return fee, nil
}

// Breaker exposes the circuit breaker state for health reporting
func (c *RemoteCartClient) Breaker() *CircuitBreaker {
	return c.breaker
}

func (c *RemoteCartClient) cartPath(userID string) string {
	return "/cart/" + url.PathEscape(userID)
}

func (c *RemoteCartClient) itemPath(userID, remoteID string) string {
	return c.cartPath(userID) + "/items/" + url.PathEscape(remoteID)
}

func (c *RemoteCartClient) do(ctx context.Context, op, method, path string, in, out interface{}) error {
	ctx, span := tracer.Start(ctx, "remote."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("remote.path", path),
		),
	)
	defer span.End()

	start := time.Now()
	status := 0
	err := c.breaker.Call(func() error {
		var callErr error
		status, callErr = c.roundTrip(ctx, op, method, path, in, out)
		return callErr
	}, tripsBreaker)

	if errors.Is(err, ErrCircuitOpen) {
		status = http.StatusServiceUnavailable
		err = &domain.RemoteError{Op: op, Status: status, Message: "remote cart API unavailable", Err: err}
	}
	if c.observer != nil {
		c.observer.ObserveRemote(op, status, time.Since(start))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn(ctx).
			Err(err).
			Str("op", op).
			Int("status", status).
			Msg("Remote cart call failed")
		return err
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	return nil
}

func (c *RemoteCartClient) roundTrip(ctx context.Context, op, method, path string, in, out interface{}) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &domain.RemoteError{Op: op, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, &domain.RemoteError{Op: op, Status: resp.StatusCode, Message: "failed to read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &domain.RemoteError{Op: op, Status: resp.StatusCode, Message: errorMessage(resp.StatusCode, raw)}
	}

	if out != nil && len(raw) > 0 {
		decoder := json.NewDecoder(bytes.NewReader(raw))
		decoder.UseNumber()
		if err := decoder.Decode(out); err != nil {
			return resp.StatusCode, &domain.RemoteError{Op: op, Status: http.StatusBadGateway, Message: "malformed response body", Err: err}
		}
	}
	return resp.StatusCode, nil
}

// tripsBreaker counts transport failures and server errors, not client errors
func tripsBreaker(err error) bool {
	remoteErr, ok := domain.AsRemote(err)
	if !ok {
		return true
	}
	return remoteErr.Status == 0 || remoteErr.Status >= 500
}

func errorMessage(status int, raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return http.StatusText(status)
}

func (d cartDTO) toSnapshot() (domain.Snapshot, error) {
	snapshot := domain.Snapshot{Items: make([]domain.LineItem, 0, len(d.Items))}
	for _, it := range d.Items {
		price, err := parseMoney(it.Price)
		if err != nil {
			return domain.Snapshot{}, fmt.Errorf("invalid price for %s: %w", it.ProductID, err)
		}
		snapshot.Items = append(snapshot.Items, domain.LineItem{
			ProductID: it.ProductID,
			Variant:   domain.Variant{Color: it.SelectedColor, Storage: it.SelectedStorage},
			Quantity:  it.Quantity,
			UnitPrice: price,
			RemoteID:  it.RemoteID,
			Image:     it.Image,
		})
	}
	subtotal, err := parseMoney(d.Subtotal)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("invalid subtotal: %w", err)
	}
	snapshot.Subtotal = subtotal
	return snapshot, nil
}

// parseMoney accepts integral or decimal amounts and rounds decimals to the nearest unit
func parseMoney(n json.Number) (domain.Money, error) {
	if n == "" {
		return 0, nil
	}
	if v, err := n.Int64(); err == nil {
		return domain.Money(v), nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	return domain.Money(math.Round(f)), nil
}
