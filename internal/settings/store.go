// Package settings holds the user's quality preferences and hands out range snapshots.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"debridui/resolver/internal/quality"
)

var ErrInvalidPreferences = errors.New("invalid quality preferences")

type Mode string

const (
	ModeStrict  Mode = "strict"
	ModeRelaxed Mode = "relaxed"
)

func ParseMode(raw string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeStrict:
		return ModeStrict, true
	case ModeRelaxed:
		return ModeRelaxed, true
	default:
		return "", false
	}
}

// Preferences keeps two ranges so the player can fall back to a looser one without losing the
// strict configuration.
type Preferences struct {
	Mode    Mode          `json:"mode"`
	Strict  quality.Range `json:"strict"`
	Relaxed quality.Range `json:"relaxed"`
}

func (p Preferences) Active() quality.Range {
	if p.Mode == ModeRelaxed {
		return p.Relaxed
	}
	return p.Strict
}

// Validate rejects unknown modes and bound labels outside the taxonomy.
func (p Preferences) Validate() error {
	var errs []error
	if _, ok := ParseMode(string(p.Mode)); !ok {
		errs = append(errs, fmt.Errorf("mode %q", p.Mode))
	}
	if err := p.Strict.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("strict: %w", err))
	}
	if err := p.Relaxed.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("relaxed: %w", err))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidPreferences, errors.Join(errs...))
}

func (p Preferences) canonicalize() Preferences {
	mode, _ := ParseMode(string(p.Mode))
	return Preferences{
		Mode:    mode,
		Strict:  p.Strict.Canonicalize(),
		Relaxed: p.Relaxed.Canonicalize(),
	}
}

// Persistence stores preferences outside the process.
type Persistence interface {
	Load(ctx context.Context) (Preferences, bool, error)
	Save(ctx context.Context, prefs Preferences) error
}

type Store struct {
	current     atomic.Pointer[Preferences]
	persistence Persistence
	logger      *slog.Logger

	// updateMu orders persist+swap so the stored and persisted preferences never diverge.
	updateMu sync.Mutex
}

type Option func(*Store)

func WithPersistence(persistence Persistence) Option {
	return func(s *Store) {
		s.persistence = persistence
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore starts from defaults, then applies persisted preferences when a valid set is found.
func NewStore(defaults Preferences, opts ...Option) (*Store, error) {
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	s := &Store{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	initial := defaults.canonicalize()
	s.current.Store(&initial)
	s.warnInverted(initial)
	s.restore()
	return s, nil
}

func (s *Store) restore() {
	if s.persistence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	prefs, ok, err := s.persistence.Load(ctx)
	if err != nil {
		s.logger.Warn("loading persisted quality preferences failed", slog.String("error", err.Error()))
		return
	}
	if !ok {
		return
	}
	if err := prefs.Validate(); err != nil {
		s.logger.Warn("ignoring persisted quality preferences", slog.String("error", err.Error()))
		return
	}
	restored := prefs.canonicalize()
	s.current.Store(&restored)
	s.warnInverted(restored)
}

// CurrentQualityRange returns the active range. The value is a copy, so callers hold a stable
// snapshot even if preferences change afterwards.
func (s *Store) CurrentQualityRange() quality.Range {
	return s.current.Load().Active()
}

func (s *Store) Preferences() Preferences {
	return *s.current.Load()
}

// Update validates prefs, persists them and makes them current. Inverted ranges are accepted and
// logged; they select nothing on the inverted axis.
func (s *Store) Update(ctx context.Context, prefs Preferences) (Preferences, error) {
	if err := prefs.Validate(); err != nil {
		return Preferences{}, err
	}
	next := prefs.canonicalize()

	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	if s.persistence != nil {
		if err := s.persistence.Save(ctx, next); err != nil {
			return Preferences{}, fmt.Errorf("persist quality preferences: %w", err)
		}
	}
	s.current.Store(&next)
	s.warnInverted(next)
	s.logger.Info("quality preferences updated",
		slog.String("mode", string(next.Mode)),
	)
	return next, nil
}

func (s *Store) warnInverted(prefs Preferences) {
	for _, item := range []struct {
		name string
		r    quality.Range
	}{{"strict", prefs.Strict}, {"relaxed", prefs.Relaxed}} {
		if axes := item.r.Inverted(); len(axes) > 0 {
			s.logger.Warn("quality range is inverted and will match nothing",
				slog.String("range", item.name),
				slog.String("axes", strings.Join(axes, ",")),
			)
		}
	}
}
