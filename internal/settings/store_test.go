package settings

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"debridui/resolver/internal/quality"
)

type memoryPersistence struct {
	mu      sync.Mutex
	prefs   Preferences
	stored  bool
	loadErr error
	saveErr error
	saves   int
}

func (m *memoryPersistence) Load(context.Context) (Preferences, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prefs, m.stored, m.loadErr
}

func (m *memoryPersistence) Save(_ context.Context, prefs Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.prefs = prefs
	m.stored = true
	m.saves++
	return nil
}

func strictDefaults() Preferences {
	return Preferences{
		Mode: ModeStrict,
		Strict: quality.Range{
			Resolution:    quality.AxisRange{Min: "1080p", Max: quality.Any},
			SourceQuality: quality.AxisRange{Min: "webrip", Max: quality.Any},
		},
		Relaxed: quality.Unrestricted(),
	}
}

func TestNewStoreRejectsInvalidDefaults(t *testing.T) {
	prefs := strictDefaults()
	prefs.Strict.Resolution.Min = "8k"
	if _, err := NewStore(prefs); !errors.Is(err, ErrInvalidPreferences) {
		t.Fatalf("expected ErrInvalidPreferences, got %v", err)
	}
}

func TestCurrentQualityRangeFollowsMode(t *testing.T) {
	store, err := NewStore(strictDefaults())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if got := store.CurrentQualityRange().Resolution.Min; got != "1080p" {
		t.Fatalf("expected strict range, got min %q", got)
	}

	prefs := store.Preferences()
	prefs.Mode = ModeRelaxed
	if _, err := store.Update(context.Background(), prefs); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := store.CurrentQualityRange(); got != quality.Unrestricted() {
		t.Fatalf("expected relaxed range, got %#v", got)
	}
}

func TestUpdateRejectsUnknownLabels(t *testing.T) {
	persistence := &memoryPersistence{}
	store, err := NewStore(strictDefaults(), WithPersistence(persistence))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	prefs := strictDefaults()
	prefs.Relaxed.SourceQuality.Max = "vhs"

	if _, err := store.Update(context.Background(), prefs); !errors.Is(err, ErrInvalidPreferences) || !errors.Is(err, quality.ErrUnknownLabel) {
		t.Fatalf("expected invalid preferences, got %v", err)
	}
	if persistence.saves != 0 {
		t.Fatal("invalid preferences must not be persisted")
	}
	if store.Preferences() != strictDefaults() {
		t.Fatal("invalid update must leave preferences unchanged")
	}
}

func TestUpdateRejectsUnknownMode(t *testing.T) {
	store, _ := NewStore(strictDefaults())
	prefs := strictDefaults()
	prefs.Mode = "lenient"
	if _, err := store.Update(context.Background(), prefs); !errors.Is(err, ErrInvalidPreferences) {
		t.Fatalf("expected invalid mode error, got %v", err)
	}
}

func TestUpdateCanonicalizesAndPersists(t *testing.T) {
	persistence := &memoryPersistence{}
	store, _ := NewStore(strictDefaults(), WithPersistence(persistence))

	prefs := Preferences{
		Mode:    "STRICT",
		Strict:  quality.Range{Resolution: quality.AxisRange{Min: "HD", Max: "4K"}},
		Relaxed: quality.Range{SourceQuality: quality.AxisRange{Min: "Blu-Ray", Max: ""}},
	}
	got, err := store.Update(context.Background(), prefs)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Mode != ModeStrict || got.Strict.Resolution.Min != "720p" || got.Strict.Resolution.Max != "2160p" {
		t.Fatalf("unexpected canonical strict range: %#v", got)
	}
	if got.Strict.SourceQuality.Min != quality.Any || got.Relaxed.SourceQuality.Min != "bluray" {
		t.Fatalf("unexpected canonical ranges: %#v", got)
	}
	if persistence.saves != 1 || persistence.prefs != got {
		t.Fatalf("expected canonical preferences persisted, got %#v", persistence.prefs)
	}
}

func TestUpdateAcceptsInvertedRange(t *testing.T) {
	store, _ := NewStore(strictDefaults())
	prefs := strictDefaults()
	prefs.Strict.Resolution = quality.AxisRange{Min: "2160p", Max: "480p"}
	if _, err := store.Update(context.Background(), prefs); err != nil {
		t.Fatalf("inverted ranges are accepted, got %v", err)
	}
	if axes := store.CurrentQualityRange().Inverted(); len(axes) != 1 || axes[0] != "resolution" {
		t.Fatalf("expected inverted resolution axis, got %v", axes)
	}
}

func TestUpdateFailsWhenPersistenceFails(t *testing.T) {
	persistence := &memoryPersistence{saveErr: errors.New("redis down")}
	store, _ := NewStore(strictDefaults(), WithPersistence(persistence))
	prefs := strictDefaults()
	prefs.Mode = ModeRelaxed
	if _, err := store.Update(context.Background(), prefs); err == nil {
		t.Fatal("expected persistence error")
	}
	if store.Preferences().Mode != ModeStrict {
		t.Fatal("failed update must not swap preferences")
	}
}

func TestNewStoreRestoresPersistedPreferences(t *testing.T) {
	persisted := strictDefaults()
	persisted.Mode = ModeRelaxed
	store, err := NewStore(strictDefaults(), WithPersistence(&memoryPersistence{prefs: persisted, stored: true}))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if store.Preferences().Mode != ModeRelaxed {
		t.Fatal("expected persisted preferences to win over defaults")
	}
}

func TestNewStoreIgnoresInvalidPersistedPreferences(t *testing.T) {
	persisted := strictDefaults()
	persisted.Strict.Resolution.Max = "16k"
	store, err := NewStore(strictDefaults(), WithPersistence(&memoryPersistence{prefs: persisted, stored: true}))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if store.Preferences() != strictDefaults() {
		t.Fatal("expected defaults when persisted preferences are invalid")
	}

	store, err = NewStore(strictDefaults(), WithPersistence(&memoryPersistence{loadErr: errors.New("timeout")}))
	if err != nil || store.Preferences() != strictDefaults() {
		t.Fatalf("expected defaults when load fails, got %v", err)
	}
}

func TestSnapshotIsStableAcrossUpdates(t *testing.T) {
	store, _ := NewStore(strictDefaults())
	snapshot := store.CurrentQualityRange()

	prefs := strictDefaults()
	prefs.Strict.Resolution.Min = "480p"
	if _, err := store.Update(context.Background(), prefs); err != nil {
		t.Fatalf("update: %v", err)
	}
	if snapshot.Resolution.Min != "1080p" {
		t.Fatalf("snapshot changed after update: %#v", snapshot)
	}
}

func TestConcurrentReadsDuringUpdates(t *testing.T) {
	store, _ := NewStore(strictDefaults())
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(writer bool) {
			defer wg.Done()
			for range 200 {
				if writer {
					prefs := strictDefaults()
					prefs.Mode = ModeRelaxed
					_, _ = store.Update(context.Background(), prefs)
					continue
				}
				r := store.CurrentQualityRange()
				if r != strictDefaults().Strict && r != quality.Unrestricted() {
					t.Errorf("torn range observed: %#v", r)
					return
				}
			}
		}(i == 0)
	}
	wg.Wait()
}

// slowFirstSave holds the first Save open after it has written, so a second update can race it.
type slowFirstSave struct {
	memoryPersistence
	calls      atomic.Int32
	firstSaved chan struct{}
}

func (p *slowFirstSave) Save(ctx context.Context, prefs Preferences) error {
	if err := p.memoryPersistence.Save(ctx, prefs); err != nil {
		return err
	}
	if p.calls.Add(1) == 1 {
		close(p.firstSaved)
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

func TestConcurrentUpdatesKeepStoreAndPersistenceInStep(t *testing.T) {
	persistence := &slowFirstSave{firstSaved: make(chan struct{})}
	store, err := NewStore(strictDefaults(), WithPersistence(persistence))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	first := strictDefaults()
	first.Mode = ModeRelaxed
	second := strictDefaults()
	second.Strict.Resolution.Min = "720p"

	done := make(chan error, 1)
	go func() {
		_, err := store.Update(context.Background(), first)
		done <- err
	}()
	<-persistence.firstSaved
	if _, err := store.Update(context.Background(), second); err != nil {
		t.Fatalf("second update: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first update: %v", err)
	}

	persisted, _, _ := persistence.Load(context.Background())
	if store.Preferences() != persisted {
		t.Fatalf("store %#v diverged from persisted %#v", store.Preferences(), persisted)
	}
	if persisted.Strict.Resolution.Min != "720p" {
		t.Fatalf("expected the later update to win, got %#v", persisted)
	}
}
