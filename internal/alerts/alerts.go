package alerts

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleetwatch/internal/fleet"
	"fleetwatch/internal/notify"
)

var ErrInvalidTrigger = errors.New("invalid alert trigger")

// Type is an entry of the remote alert catalog.
type Type struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	HumanError float64 `json:"human_error"`
	Attack     float64 `json:"attack"`
	Weather    float64 `json:"weather"`
}

// Result is a triggered alert together with the vessel the registry assigned.
type Result struct {
	ID               string    `json:"id"`
	AlertType        string    `json:"alert_type"`
	AssignedEntityID fleet.ID  `json:"assigned_entity_id"`
	Score            float64   `json:"score"`
	Timestamp        time.Time `json:"timestamp"`
	Active           bool      `json:"active"`
}

// Trigger asks the registry to raise an alert at a position and pick the best
// vessel for it.
type Trigger struct {
	AlertID          string         `json:"alert_id"`
	Position         fleet.Position `json:"position"`
	ClimateCondition int            `json:"climate_condition"`
}

func (t Trigger) Validate() error {
	if strings.TrimSpace(t.AlertID) == "" {
		return fmt.Errorf("%w: alert_id is required", ErrInvalidTrigger)
	}
	p := t.Position
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: position out of range", ErrInvalidTrigger)
	}
	if t.ClimateCondition < 0 {
		return fmt.Errorf("%w: climate_condition must not be negative", ErrInvalidTrigger)
	}
	return nil
}

// Assignment is the registry's answer to a Trigger.
type Assignment struct {
	AlertType        string   `json:"alert_type"`
	AssignedEntityID fleet.ID `json:"assigned_entity_id"`
	Score            float64  `json:"score"`
}

// Source is the remote alert registry.
type Source interface {
	ListAlertTypes(ctx context.Context) ([]Type, error)
	ListAlertResults(ctx context.Context) ([]Result, error)
	TriggerAlert(ctx context.Context, t Trigger) (Assignment, error)
}

// Snapshot is one fetch of the alert read models.
type Snapshot struct {
	Types   []Type
	Results []Result
}

// Board holds the latest alert catalog and results. It never interprets
// assignments beyond counting active ones.
type Board struct {
	log    zerolog.Logger
	src    Source
	notify *notify.Center

	mu      sync.RWMutex
	types   []Type
	results []Result
}

func NewBoard(log zerolog.Logger, src Source, center *notify.Center) *Board {
	return &Board{
		log:    log.With().Str("component", "alerts").Logger(),
		src:    src,
		notify: center,
	}
}

// Fetch loads both read models. It does not change the board.
func (b *Board) Fetch(ctx context.Context) (Snapshot, error) {
	types, err := b.src.ListAlertTypes(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch alert types: %w", err)
	}
	results, err := b.src.ListAlertResults(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch alert results: %w", err)
	}
	return Snapshot{Types: types, Results: results}, nil
}

// Apply replaces the board with s. Results are kept newest first.
func (b *Board) Apply(s Snapshot) {
	results := append([]Result(nil), s.Results...)
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp.After(results[j].Timestamp)
	})

	b.mu.Lock()
	defer b.mu.Unlock()
	b.types = append([]Type(nil), s.Types...)
	b.results = results
}

func (b *Board) Types() []Type {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Type(nil), b.types...)
}

func (b *Board) Results() []Result {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Result(nil), b.results...)
}

// ActiveCount is the alert badge count.
func (b *Board) ActiveCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, r := range b.results {
		if r.Active {
			n++
		}
	}
	return n
}

// TypeName resolves an alert id against the catalog, falling back to the id.
func (b *Board) TypeName(id string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, t := range b.types {
		if t.ID == id {
			return t.Name
		}
	}
	return id
}

// Trigger forwards t to the registry and raises a user notification with the
// outcome. The new result appears on the board with the next fetch.
func (b *Board) Trigger(ctx context.Context, t Trigger) (Assignment, error) {
	if err := t.Validate(); err != nil {
		return Assignment{}, err
	}

	a, err := b.src.TriggerAlert(ctx, t)
	if err != nil {
		b.log.Warn().Err(err).Str("alert_id", t.AlertID).Msg("alert trigger failed")
		b.notify.Notify(notify.LevelError, notify.SourceUser, fmt.Sprintf("Failed to trigger alert: %v", err))
		return Assignment{}, fmt.Errorf("trigger alert %s: %w", t.AlertID, err)
	}

	name := a.AlertType
	if name == "" {
		name = b.TypeName(t.AlertID)
	}
	b.log.Info().Str("alert_type", name).Str("assigned", string(a.AssignedEntityID)).Float64("score", a.Score).Msg("alert triggered")
	b.notify.Notify(notify.LevelWarning, notify.SourceUser,
		fmt.Sprintf("%s: %s assigned (score %.2f)", name, a.AssignedEntityID, a.Score))
	return a, nil
}
