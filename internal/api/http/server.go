package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"debridui/resolver/internal/domain"
	"debridui/resolver/internal/quality"
	"debridui/resolver/internal/resolver"
	"debridui/resolver/internal/settings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type PlaybackService interface {
	Play(ctx context.Context, key domain.RequestKey) (resolver.Record, error)
	Start(key domain.RequestKey) (resolver.Record, bool)
	Status(key domain.RequestKey) (resolver.Record, bool)
	IsLoading(key domain.RequestKey) bool
	Resolve(key domain.RequestKey, candidates []domain.CandidateSource, r quality.Range) domain.SelectionResult
}

type SourceService interface {
	Providers() []domain.ProviderInfo
	ProviderDiagnostics() []domain.ProviderDiagnostics
}

type SettingsService interface {
	Preferences() settings.Preferences
	CurrentQualityRange() quality.Range
	Update(ctx context.Context, prefs settings.Preferences) (settings.Preferences, error)
}

type Server struct {
	playback PlaybackService
	sources  SourceService
	settings SettingsService
	logger   *slog.Logger

	rateRPS   float64
	rateBurst int

	// resolveTimeout bounds a wait=true playback; keep it under the HTTP write timeout.
	resolveTimeout time.Duration
}

const maxResolveCandidates = 1000

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithSources(sources SourceService) ServerOption {
	return func(s *Server) {
		s.sources = sources
	}
}

func WithSettings(settings SettingsService) ServerOption {
	return func(s *Server) {
		s.settings = settings
	}
}

func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		if rps > 0 && burst > 0 {
			s.rateRPS = rps
			s.rateBurst = burst
		}
	}
}

func WithResolveTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		if timeout > 0 {
			s.resolveTimeout = timeout
		}
	}
}

func NewServer(playback PlaybackService, options ...ServerOption) *Server {
	server := &Server{
		playback:  playback,
		logger:    slog.Default(),
		rateRPS:   50,
		rateBurst: 100,

		resolveTimeout: 30 * time.Second,
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	return server
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/playback", s.handlePlayback)
	mux.HandleFunc("/playback/status", s.handlePlaybackStatus)
	mux.HandleFunc("/resolve", s.handleResolve)
	mux.HandleFunc("/settings/quality", s.handleQualitySettings)
	mux.HandleFunc("/providers", s.handleProviders)
	mux.HandleFunc("/providers/health", s.handleProvidersHealth)
	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "resolver",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health"
		}),
	)
	limited := rateLimitMiddleware(s.rateRPS, s.rateBurst, metricsMiddleware(traced))
	return recoveryMiddleware(s.logger, requestIDMiddleware(limited))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"timestamp":       time.Now().UTC(),
		"taxonomyVersion": quality.TaxonomyVersion,
	})
}

type playbackRequest struct {
	MediaID   string `json:"mediaId"`
	MediaType string `json:"mediaType"`
	Season    int    `json:"season"`
	Episode   int    `json:"episode"`
}

func (p playbackRequest) key() (domain.RequestKey, error) {
	return domain.NewRequestKey(p.MediaID, p.MediaType, p.Season, p.Episode)
}

type playbackResponse struct {
	Accepted bool            `json:"accepted"`
	Loading  bool            `json:"loading"`
	Record   resolver.Record `json:"record"`
}

// handlePlayback starts a resolution. By default it returns at once (202, or 200 with the running
// record when the key is already resolving); with wait=true it blocks until the record settles.
func (s *Server) handlePlayback(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/playback" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.playback == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "playback service is not configured")
		return
	}

	var body playbackRequest
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	key, err := body.key()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if !parseOptionalBool(r.URL.Query().Get("wait")) {
		record, accepted := s.playback.Start(key)
		status := http.StatusAccepted
		if !accepted {
			status = http.StatusOK
		}
		writeJSON(w, status, playbackResponse{Accepted: accepted, Loading: s.playback.IsLoading(key), Record: record})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.resolveTimeout)
	defer cancel()
	record, err := s.playback.Play(ctx, key)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, playbackResponse{Accepted: true, Record: record})
	case errors.Is(err, resolver.ErrResolutionInFlight):
		writeJSON(w, http.StatusOK, playbackResponse{Loading: true, Record: record})
	case errors.Is(err, resolver.ErrSuperseded):
		writeError(w, http.StatusConflict, "superseded", err.Error())
	case errors.Is(err, resolver.ErrGatheringFailed):
		s.logger.Warn("playback resolution failed",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "gathering_failed", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (s *Server) handlePlaybackStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/playback/status" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.playback == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "playback service is not configured")
		return
	}

	key, err := parseRequestKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	record, _ := s.playback.Status(key)
	writeJSON(w, http.StatusOK, map[string]any{
		"loading": s.playback.IsLoading(key),
		"record":  record,
	})
}

type resolveRequest struct {
	Key        *playbackRequest         `json:"key,omitempty"`
	Candidates []domain.CandidateSource `json:"candidates"`
	Range      *quality.Range           `json:"range,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/resolve" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.playback == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "playback service is not configured")
		return
	}

	var body resolveRequest
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(body.Candidates) > maxResolveCandidates {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("too many candidates (max %d)", maxResolveCandidates))
		return
	}

	var key domain.RequestKey
	if body.Key != nil {
		parsed, err := body.Key.key()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		key = parsed
	}

	var selectionRange quality.Range
	switch {
	case body.Range != nil:
		if err := body.Range.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_range", err.Error())
			return
		}
		selectionRange = *body.Range
	case s.settings != nil:
		selectionRange = s.settings.CurrentQualityRange()
	default:
		selectionRange = quality.Unrestricted()
	}

	writeJSON(w, http.StatusOK, s.playback.Resolve(key, body.Candidates, selectionRange))
}

func (s *Server) handleQualitySettings(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/settings/quality" {
		http.NotFound(w, r)
		return
	}
	if s.settings == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "settings service is not configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.qualitySettingsPayload(s.settings.Preferences()))
	case http.MethodPut:
		var body settings.Preferences
		if err := decodeJSONBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		updated, err := s.settings.Update(r.Context(), body)
		if err != nil {
			if errors.Is(err, settings.ErrInvalidPreferences) {
				writeError(w, http.StatusBadRequest, "invalid_preferences", err.Error())
				return
			}
			s.logger.Error("quality settings update failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to save quality settings")
			return
		}
		writeJSON(w, http.StatusOK, s.qualitySettingsPayload(updated))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) qualitySettingsPayload(prefs settings.Preferences) map[string]any {
	active := prefs.Active()
	return map[string]any{
		"preferences":     prefs,
		"active":          active,
		"inverted":        nonNil(active.Inverted()),
		"taxonomyVersion": quality.TaxonomyVersion,
		"labels": map[string][]string{
			"resolution":    quality.Resolution.Labels(),
			"sourceQuality": quality.SourceQuality.Labels(),
		},
	}
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/providers" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.sources == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "source service is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": s.sources.Providers(),
	})
}

func (s *Server) handleProvidersHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/providers/health" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.sources == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "source service is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"checkedAt": time.Now().UTC(),
		"items":     s.sources.ProviderDiagnostics(),
	})
}

func parseRequestKey(r *http.Request) (domain.RequestKey, error) {
	q := r.URL.Query()
	season, err := parseOptionalInt(q.Get("season"))
	if err != nil {
		return domain.RequestKey{}, fmt.Errorf("invalid season")
	}
	episode, err := parseOptionalInt(q.Get("episode"))
	if err != nil {
		return domain.RequestKey{}, fmt.Errorf("invalid episode")
	}
	return domain.NewRequestKey(q.Get("mediaId"), q.Get("mediaType"), season, episode)
}

func parseOptionalInt(raw string) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil
	}
	return strconv.Atoi(value)
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

func decodeJSONBody(r *http.Request, dest any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func parseOptionalBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
