package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"market-data-collector/internal/logger"
	"market-data-collector/internal/models"
)

// Kind is a data kind served by the market-data API.
type Kind string

const (
	KindPools  Kind = "pools"
	KindTokens Kind = "tokens"
	KindOHLCV  Kind = "ohlcv"
	KindTrades Kind = "trades"
)

// Kinds lists every kind in registration order.
var Kinds = []Kind{KindPools, KindTokens, KindOHLCV, KindTrades}

// CollectorType returns the collector type name used across monitoring.
func (k Kind) CollectorType() string {
	switch k {
	case KindPools:
		return "pool_collector"
	case KindTokens:
		return "token_collector"
	case KindOHLCV:
		return "ohlcv_collector"
	case KindTrades:
		return "trade_collector"
	}
	return string(k) + "_collector"
}

const defaultMaxBody = 32 * 1024 * 1024

// HTTPCollector pulls one kind from <baseURL>/<kind>, expecting {"data": [...]}.
type HTTPCollector struct {
	kind       Kind
	baseURL    string
	httpClient *http.Client
	maxBytes   int64
	log        logger.Logger
}

// NewHTTPCollector builds a collector for kind. A zero timeout means 30s.
func NewHTTPCollector(kind Kind, baseURL string, timeout time.Duration, log logger.Logger) *HTTPCollector {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPCollector{
		kind:       kind,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   defaultMaxBody,
		log:        log.With(logger.String("collector", kind.CollectorType())),
	}
}

// Type returns the collector type.
func (c *HTTPCollector) Type() string { return c.kind.CollectorType() }

// Collect fetches and decodes one page of records. Records failing validation
// are kept in the payload (the store drops them) but reported as warnings.
func (c *HTTPCollector) Collect(ctx context.Context) (models.CollectionResult, error) {
	result := models.CollectionResult{
		CollectorType: c.Type(),
		CollectedAt:   time.Now().UTC(),
		Metadata:      map[string]any{"kind": string(c.kind)},
	}

	body, err := c.fetch(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result, err
	}

	var invalid int
	switch c.kind {
	case KindPools:
		result.Payload.Pools, invalid, err = decode[models.Pool](body)
	case KindTokens:
		result.Payload.Tokens, invalid, err = decode[models.Token](body)
	case KindOHLCV:
		result.Payload.OHLCV, invalid, err = decode[models.OHLCV](body)
	case KindTrades:
		result.Payload.Trades, invalid, err = decode[models.Trade](body)
	default:
		err = fmt.Errorf("unsupported kind %q", c.kind)
	}
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result, err
	}

	result.Success = true
	result.RecordsCollected = result.Payload.Len()
	if invalid > 0 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%d of %d %s records failed validation", invalid, result.RecordsCollected, c.kind))
	}
	c.log.Debug("collected", logger.Int("records", result.RecordsCollected), logger.Int("invalid", invalid))
	return result, nil
}

func (c *HTTPCollector) fetch(ctx context.Context) ([]byte, error) {
	url := c.baseURL + "/" + string(c.kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", c.kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("fetch %s: status %d", c.kind, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", c.kind, err)
	}
	if int64(len(body)) > c.maxBytes {
		return nil, fmt.Errorf("%s response too large (>%d bytes)", c.kind, c.maxBytes)
	}
	return body, nil
}

type validator interface {
	Validate() error
}

func decode[T validator](body []byte) ([]T, int, error) {
	var envelope struct {
		Data []T `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, 0, fmt.Errorf("decode response: %w", err)
	}
	invalid := 0
	for _, rec := range envelope.Data {
		if rec.Validate() != nil {
			invalid++
		}
	}
	return envelope.Data, invalid, nil
}
