// Package rental talks to the number-rental provider over its keyed HTTP query API.
package rental

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"bot-otp/internal/apperr"
	"bot-otp/internal/cache"
	"bot-otp/internal/envelope"
	"bot-otp/internal/metrics"

	"github.com/go-resty/resty/v2"
)

const (
	providerName      = "rental"
	defaultCatalogTTL = 5 * time.Minute
	countriesCacheKey = "rental:countries"
)

// StatusCode is a value accepted by set_status.
type StatusCode int

const (
	// StatusReady tells the provider the number is in use and SMS is expected.
	StatusReady StatusCode = 1
	// StatusCancel releases the reservation.
	StatusCancel StatusCode = 2
	// StatusResend asks for another SMS on the same number.
	StatusResend StatusCode = 3
	// StatusDone finishes the activation.
	StatusDone StatusCode = 4
)

// Normalised activation states returned by Status.
const (
	ActivationWaiting   = "waiting"
	ActivationReceived  = "received"
	ActivationCancelled = "cancelled"
)

// Config holds rental client configuration.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	CatalogTTL time.Duration
}

// Client provides typed access to the rental provider.
type Client struct {
	logger     *slog.Logger
	baseURL    string
	apiKey     string
	http       *resty.Client
	metrics    *metrics.Metrics
	cache      *cache.Redis
	catalogTTL time.Duration
}

// Country is one entry of get_countries.
type Country struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Service is one rentable service in a country.
type Service struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Price int64  `json:"price"`
	Stock int    `json:"stock"`
}

// Reservation is the provider's answer to an order request.
type Reservation struct {
	OrderID string
	Number  string
	Price   int64
}

// ActivationStatus is the provider's view of one reservation.
type ActivationStatus struct {
	OrderID string
	Status  string
	Code    string
	Text    string
}

// New creates a rental client. redis may be nil.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics, redis *cache.Redis) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ttl := cfg.CatalogTTL
	if ttl <= 0 {
		ttl = defaultCatalogTTL
	}
	httpClient := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "bot-otp/rental-client")
	return &Client{
		logger:     logger.With("component", "rental"),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		http:       httpClient,
		metrics:    m,
		cache:      redis,
		catalogTTL: ttl,
	}
}

// Countries lists countries with rentable numbers (cached).
func (c *Client) Countries(ctx context.Context) ([]Country, error) {
	cacheKey := countriesCacheKey
	var cached []Country
	if c.readCache(ctx, cacheKey, &cached) {
		return cached, nil
	}

	env, err := c.call(ctx, "get_countries", nil)
	if err != nil {
		return nil, err
	}
	rows, err := envelope.DecodeSlice(env.Data)
	if err != nil {
		return nil, fmt.Errorf("parse countries: %w", err)
	}
	countries := make([]Country, 0, len(rows))
	for _, row := range rows {
		id := envelope.FirstString(row, "id", "country_id", "code")
		if id == "" {
			continue
		}
		countries = append(countries, Country{
			ID:   id,
			Name: envelope.FirstString(row, "name", "country", "title"),
		})
	}
	sort.Slice(countries, func(i, j int) bool { return countries[i].Name < countries[j].Name })

	c.writeCache(ctx, cacheKey, countries)
	return countries, nil
}

// Services lists services of a country. fresh bypasses the cache and refreshes it;
// it is used right before charging so price and stock are current.
func (c *Client) Services(ctx context.Context, country string, fresh bool) ([]Service, error) {
	if strings.TrimSpace(country) == "" {
		return nil, apperr.Validation("country is required")
	}
	cacheKey := servicesCacheKey(country)
	if !fresh {
		var cached []Service
		if c.readCache(ctx, cacheKey, &cached) {
			return cached, nil
		}
	}

	env, err := c.call(ctx, "get_services", map[string]string{"country": country})
	if err != nil {
		return nil, err
	}
	rows, err := envelope.DecodeSlice(env.Data)
	if err != nil {
		return nil, fmt.Errorf("parse services: %w", err)
	}
	services := make([]Service, 0, len(rows))
	for _, row := range rows {
		id := envelope.FirstString(row, "id", "service_id", "service", "code")
		if id == "" {
			continue
		}
		services = append(services, Service{
			ID:    id,
			Name:  envelope.FirstString(row, "name", "service_name", "title"),
			Price: envelope.FirstInt(row, "price", "harga", "cost"),
			Stock: int(envelope.FirstInt(row, "stock", "count", "available", "tersedia")),
		})
	}
	sort.Slice(services, func(i, j int) bool {
		if services[i].Price == services[j].Price {
			return services[i].Name < services[j].Name
		}
		return services[i].Price < services[j].Price
	})

	c.writeCache(ctx, cacheKey, services)
	return services, nil
}

// Reserve orders a number for service in country.
func (c *Client) Reserve(ctx context.Context, country, serviceID string) (*Reservation, error) {
	env, err := c.call(ctx, "order", map[string]string{
		"country": country,
		"service": serviceID,
	})
	if err != nil {
		return nil, err
	}
	data, err := envelope.DecodeMap(env.Data)
	if err != nil {
		return nil, fmt.Errorf("parse reservation: %w", err)
	}
	res := &Reservation{
		OrderID: envelope.FirstString(data, "id", "order_id", "activation_id"),
		Number:  envelope.FirstString(data, "number", "phone", "phone_number"),
		Price:   envelope.FirstInt(data, "price", "harga", "cost"),
	}
	if res.OrderID == "" {
		return nil, &apperr.RejectedError{Provider: providerName, Reason: apperr.ReasonGeneric, Message: "reservation without order id"}
	}
	return res, nil
}

// Status fetches the activation state of orderID.
func (c *Client) Status(ctx context.Context, orderID string) (*ActivationStatus, error) {
	env, err := c.call(ctx, "get_status", map[string]string{"id": orderID})
	if err != nil {
		return nil, err
	}
	data, err := envelope.DecodeMap(env.Data)
	if err != nil {
		return nil, fmt.Errorf("parse status: %w", err)
	}
	st := &ActivationStatus{
		OrderID: orderID,
		Code:    envelope.FirstString(data, "code", "sms_code", "otp"),
		Text:    envelope.FirstString(data, "sms", "text", "full_sms"),
		Status:  normalizeActivationStatus(envelope.FirstString(data, "status", "state")),
	}
	if st.Code != "" {
		st.Status = ActivationReceived
	}
	return st, nil
}

// SetStatus moves the activation to code.
func (c *Client) SetStatus(ctx context.Context, orderID string, code StatusCode) error {
	_, err := c.call(ctx, "set_status", map[string]string{
		"id":     orderID,
		"status": strconv.Itoa(int(code)),
	})
	return err
}

// RefreshServices drops the cached listings of country and reloads them.
func (c *Client) RefreshServices(ctx context.Context, country string) ([]Service, error) {
	if err := c.cache.Delete(ctx, countriesCacheKey, servicesCacheKey(country)); err != nil {
		c.logger.Warn("evict catalog cache failed", "country", country, "error", err)
	}
	return c.Services(ctx, country, true)
}

func servicesCacheKey(country string) string {
	return "rental:services:" + country
}

func (c *Client) call(ctx context.Context, action string, params map[string]string) (*envelope.Response, error) {
	query := map[string]string{
		"api_key": c.apiKey,
		"action":  action,
	}
	for k, v := range params {
		query[k] = v
	}

	start := time.Now()
	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		Get(c.baseURL)
	if err != nil {
		c.metrics.ObserveProvider(providerName, action, "error", time.Since(start).Seconds())
		return nil, apperr.Unavailable(providerName, fmt.Errorf("%s: %w", action, err))
	}
	status := strconv.Itoa(res.StatusCode())
	c.metrics.ObserveProvider(providerName, action, status, time.Since(start).Seconds())

	if res.StatusCode() >= http.StatusInternalServerError || res.StatusCode() == http.StatusTooManyRequests {
		return nil, apperr.Unavailable(providerName, fmt.Errorf("%s: status %d", action, res.StatusCode()))
	}

	env, err := envelope.Decode(res.Body())
	if err != nil {
		if res.StatusCode() >= http.StatusBadRequest {
			return nil, &apperr.RejectedError{Provider: providerName, Reason: Classify(string(res.Body())), Message: strings.TrimSpace(string(res.Body()))}
		}
		return nil, apperr.Unavailable(providerName, fmt.Errorf("%s: %w", action, err))
	}
	if !env.Status {
		message := env.Message
		if message == "" {
			message = "rental operation failed"
		}
		c.logger.Debug("provider rejected request", "action", action, "message", message)
		return nil, &apperr.RejectedError{Provider: providerName, Reason: Classify(message), Message: message}
	}
	return env, nil
}

func (c *Client) readCache(ctx context.Context, key string, dest any) bool {
	ok, err := c.cache.GetJSON(ctx, key, dest)
	if err != nil {
		c.logger.Warn("read catalog cache failed", "key", key, "error", err)
		return false
	}
	return ok
}

func (c *Client) writeCache(ctx context.Context, key string, value any) {
	if err := c.cache.SetJSON(ctx, key, value, c.catalogTTL); err != nil {
		c.logger.Warn("set catalog cache failed", "key", key, "error", err)
	}
}

// FindService picks serviceID out of services.
func FindService(services []Service, serviceID string) (Service, bool) {
	for _, s := range services {
		if strings.EqualFold(s.ID, serviceID) {
			return s, true
		}
	}
	return Service{}, false
}

func normalizeActivationStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "ok", "received", "success", "status_ok", "sms_received", "completed", "done":
		return ActivationReceived
	case "cancel", "cancelled", "canceled", "status_cancel", "expired", "timeout", "refunded":
		return ActivationCancelled
	default:
		return ActivationWaiting
	}
}
