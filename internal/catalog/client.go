package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const maxUpstreamBody = 4 << 20

var (
	ErrProductNotFound = errors.New("product not found")
	ErrUpstream        = errors.New("catalog upstream error")
)

// Product is the reshaped catalog record served to clients.
type Product struct {
	ID    int     `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
	Img   string  `json:"img"`
}

type upstreamProduct struct {
	ID          int     `json:"id"`
	Title       string  `json:"title"`
	Price       float64 `json:"price"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Image       string  `json:"image"`
}

func (p upstreamProduct) reshape() Product {
	return Product{ID: p.ID, Name: p.Title, Price: p.Price, Img: p.Image}
}

type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("catalog responded with status %d", e.Code)
}

func isClientStatus(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 400 && se.Code < 500
}

type Client struct {
	BaseURL string
	HTTP    *http.Client

	breaker *gobreaker.CircuitBreaker[[]byte]
}

func NewClient(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if u, err := url.Parse(baseURL); err == nil && u.Scheme != "" && u.Host != "" {
		baseURL = strings.TrimRight(baseURL, "/")
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Client{
		BaseURL: baseURL,
		HTTP: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name:        "catalog",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.Requests >= 5 && float64(c.TotalFailures)/float64(c.Requests) >= 0.5
			},
			// 4xx answers mean the upstream is healthy
			IsSuccessful: func(err error) bool {
				return err == nil || isClientStatus(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("circuit breaker state change",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
	}
}

// List fetches the first limit products.
func (c *Client) List(ctx context.Context, limit int) ([]Product, error) {
	body, err := c.fetch(ctx, "/products?limit="+strconv.Itoa(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	var raw []upstreamProduct
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode products: %w", ErrUpstream, err)
	}

	out := make([]Product, 0, len(raw))
	for _, p := range raw {
		out = append(out, p.reshape())
	}
	return out, nil
}

// Get looks a single product up. The public catalog answers unknown ids with an
// empty 200, which is reported as ErrProductNotFound like any 4xx.
func (c *Client) Get(ctx context.Context, id int) (Product, error) {
	body, err := c.fetch(ctx, "/products/"+strconv.Itoa(id))
	if isClientStatus(err) {
		return Product{}, ErrProductNotFound
	}
	if err != nil {
		return Product{}, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return Product{}, ErrProductNotFound
	}

	var raw upstreamProduct
	if err := json.Unmarshal(body, &raw); err != nil {
		return Product{}, fmt.Errorf("%w: decode product: %w", ErrUpstream, err)
	}
	if raw.ID == 0 {
		return Product{}, ErrProductNotFound
	}
	return raw.reshape(), nil
}

func (c *Client) fetch(ctx context.Context, path string) ([]byte, error) {
	return c.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, http.NoBody)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil, &StatusError{Code: resp.StatusCode}
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	})
}
