// Package addon queries Stremio-protocol stream addons (Torrentio, Comet, MediaFusion and the like).
package addon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"debridui/resolver/internal/domain"
)

const (
	defaultUserAgent = "debridui-resolver/1.0"
	maxResponseBytes = 4 * 1024 * 1024
)

type Config struct {
	// Name overrides the provider name derived from the addon host.
	Name      string
	BaseURL   string
	UserAgent string
	Client    *http.Client
}

type Provider struct {
	client    *http.Client
	name      string
	label     string
	baseURL   string
	userAgent string
}

// StatusError is returned for non-200 addon responses.
type StatusError struct {
	Code int
	Body string
	// Wait is the parsed Retry-After header, zero when absent.
	Wait time.Duration
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("addon HTTP %d", e.Code)
	}
	return fmt.Sprintf("addon HTTP %d: %s", e.Code, e.Body)
}

func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

func (e *StatusError) RetryAfter() time.Duration {
	return e.Wait
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(raw string, now time.Time) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		return max(time.Duration(seconds)*time.Second, 0)
	}
	if at, err := http.ParseTime(raw); err == nil {
		return max(at.Sub(now), 0)
	}
	return 0
}

type streamResponse struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Name          string        `json:"name"`
	Title         string        `json:"title"`
	Description   string        `json:"description"`
	URL           string        `json:"url"`
	InfoHash      string        `json:"infoHash"`
	BehaviorHints behaviorHints `json:"behaviorHints"`
}

type behaviorHints struct {
	Filename   string `json:"filename"`
	BingeGroup string `json:"bingeGroup"`
	VideoSize  int64  `json:"videoSize"`
}

func NewProvider(cfg Config) (*Provider, error) {
	base, err := normalizeBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	label := strings.TrimSpace(cfg.Name)
	if name == "" {
		name, label = nameFromHost(base)
	}
	return &Provider{
		client:    client,
		name:      name,
		label:     label,
		baseURL:   base,
		userAgent: userAgent,
	}, nil
}

// normalizeBaseURL accepts either the addon root or its manifest URL.
func normalizeBaseURL(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", fmt.Errorf("addon url is required")
	}
	value = strings.TrimSuffix(value, "/manifest.json")
	value = strings.TrimRight(value, "/")
	parsed, err := url.Parse(value)
	if err != nil {
		return "", fmt.Errorf("invalid addon url %q: %w", raw, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("invalid addon url %q: scheme must be http or https", raw)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("invalid addon url %q: missing host", raw)
	}
	return value, nil
}

// nameFromHost turns "torrentio.strem.fun" into "torrentio".
func nameFromHost(base string) (string, string) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "addon", "Addon"
	}
	host := strings.TrimPrefix(parsed.Hostname(), "www.")
	first, _, _ := strings.Cut(host, ".")
	if first == "" {
		first = "addon"
	}
	return strings.ToLower(first), host
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Info() domain.ProviderInfo {
	return domain.ProviderInfo{
		Name:    p.name,
		Label:   p.label,
		Kind:    "stremio-addon",
		Enabled: true,
	}
}

func (p *Provider) Streams(ctx context.Context, key domain.RequestKey) ([]domain.CandidateSource, error) {
	endpoint := fmt.Sprintf("%s/stream/%s/%s.json", p.baseURL, url.PathEscape(string(key.MediaType)), url.PathEscape(key.AddonID()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &StatusError{
			Code: resp.StatusCode,
			Body: strings.TrimSpace(string(body)),
			Wait: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	var decoded streamResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("decode addon response: %w", err)
	}

	items := make([]domain.CandidateSource, 0, len(decoded.Streams))
	for _, item := range decoded.Streams {
		items = append(items, p.toCandidate(item))
	}
	return items, nil
}
