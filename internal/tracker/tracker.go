package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"

	"fleetwatch/internal/alerts"
	"fleetwatch/internal/fleet"
	"fleetwatch/internal/fleetapi"
	"fleetwatch/internal/geo"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/mutation"
	"fleetwatch/internal/notify"
	"fleetwatch/internal/overlay"
	"fleetwatch/internal/poller"
	"fleetwatch/internal/search"
)

// Registry is everything the tracker needs from the remote fleet registry.
// *fleetapi.Client satisfies it.
type Registry interface {
	ListEntities(ctx context.Context) ([]fleet.Entity, error)
	ListKinds(ctx context.Context) ([]fleet.Kind, error)
	mutation.API
	alerts.Source
}

type Options struct {
	PollInterval      time.Duration
	AlertPollInterval time.Duration
	QuietPeriod       time.Duration
	Backoff           bool
	MaxBackoff        time.Duration
	NotificationCap   int
}

// UpdateKind tells subscribers what changed since the last frame.
type UpdateKind string

const (
	UpdateDiff     UpdateKind = "diff"
	UpdateQuery    UpdateKind = "query"
	UpdateViewport UpdateKind = "viewport"
)

type Update struct {
	Kind   UpdateKind    `json:"kind"`
	Change *fleet.Change `json:"change,omitempty"`
	Query  string        `json:"query,omitempty"`
}

// Tracker is the application state of one tracking view. It owns the
// canonical vessel store and every component derived from it, and exposes
// the operations a rendering surface drives.
type Tracker struct {
	log     zerolog.Logger
	metrics *metrics.Metrics

	reg       Registry
	store     *fleet.Store
	kinds     *fleet.Catalog
	search    *search.Engine
	overlay   *overlay.Controller
	mutations *mutation.Coordinator
	board     *alerts.Board
	notify    *notify.Center
	vessels   *poller.Scheduler[[]fleet.Entity]
	alertPoll *poller.Scheduler[alerts.Snapshot]

	mu          sync.Mutex
	active      bool
	unsubscribe func()

	vpMu     sync.Mutex
	viewport geo.Viewport
	revision uint64

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func(Update)
}

func New(log zerolog.Logger, reg Registry, opts Options, m *metrics.Metrics) *Tracker {
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	alertInterval := opts.AlertPollInterval
	if alertInterval <= 0 {
		alertInterval = 30 * time.Second
	}

	t := &Tracker{
		log:     log.With().Str("component", "tracker").Logger(),
		metrics: m,
		reg:     reg,
		overlay: overlay.NewController(),
		notify:  notify.NewCenter(opts.NotificationCap),
		subs:    make(map[int]func(Update)),
	}
	t.store = fleet.NewStore(fleet.NewReconciler(log))
	t.kinds = fleet.NewCatalog(reg.ListKinds)
	t.search = search.NewEngine(opts.QuietPeriod, t.onQueryApplied)
	t.mutations = mutation.New(log, reg, t.store, t.kinds, t.notify, m)
	t.board = alerts.NewBoard(log, reg, t.notify)

	t.vessels = poller.New(log, t.fetchVessels, t.applyVessels, poller.Options{
		Name:       "vessels",
		Interval:   pollInterval,
		Backoff:    opts.Backoff,
		MaxBackoff: opts.MaxBackoff,
		Transient:  fleetapi.Transient,
		Sequence:   t.store.Begin,
		OnError: func(err error) {
			t.notify.Error(fmt.Sprintf("Failed to refresh vessels: %s", fleetapi.Reason(err)))
		},
	}, m)
	t.alertPoll = poller.New(log, t.board.Fetch, t.applyAlerts, poller.Options{
		Name:       "alerts",
		Interval:   alertInterval,
		Backoff:    opts.Backoff,
		MaxBackoff: opts.MaxBackoff,
		Transient:  fleetapi.Transient,
		OnError: func(err error) {
			t.notify.Error(fmt.Sprintf("Failed to refresh alerts: %s", fleetapi.Reason(err)))
		},
	}, m)

	t.unsubscribe = t.store.Subscribe(t.onChange)
	return t
}

// Store exposes the canonical vessel store for read-only consumers such as
// the event publisher.
func (t *Tracker) Store() *fleet.Store { return t.store }

// Activate starts polling. The first cycle of each poller runs immediately.
func (t *Tracker) Activate(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active {
		return
	}
	t.active = true
	t.mutations.Attach()
	t.vessels.Start(ctx)
	t.alertPoll.Start(ctx)
	t.log.Info().Msg("tracking view activated")
}

// Deactivate stops polling, abandons in-flight fetches, discards a pending
// search debounce and makes in-flight mutations complete without folding.
func (t *Tracker) Deactivate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return
	}
	t.active = false
	t.vessels.Stop()
	t.alertPoll.Stop()
	t.search.Cancel()
	t.mutations.Detach()
	t.log.Info().Msg("tracking view deactivated")
}

func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Close deactivates the view and releases its timers and subscriptions.
func (t *Tracker) Close() {
	t.Deactivate()
	t.search.Close()
	t.unsubscribe()
}

// Ready reports whether the first vessel snapshot has been applied.
func (t *Tracker) Ready() bool { return t.store.Ready() }

// Refresh requests an immediate poll of vessels and alerts.
func (t *Tracker) Refresh() {
	t.vessels.Trigger()
	t.alertPoll.Trigger()
}

// Subscribe registers fn for vessel diffs, effective query changes and
// viewport settles. fn runs synchronously and must not block.
func (t *Tracker) Subscribe(fn func(Update)) (unsubscribe func()) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	return func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()
		delete(t.subs, id)
	}
}

func (t *Tracker) publish(u Update) {
	t.subMu.Lock()
	subs := make([]func(Update), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.subMu.Unlock()
	for _, fn := range subs {
		fn(u)
	}
}

func (t *Tracker) onChange(change fleet.Change) {
	t.overlay.HandleChange(change)
	for _, kind := range []fleet.OpKind{fleet.OpAdd, fleet.OpUpdate, fleet.OpRemove} {
		t.metrics.AddReconcileOps(string(kind), string(change.Source), change.Diff.Count(kind))
	}
	c := change
	t.publish(Update{Kind: UpdateDiff, Change: &c})
}

func (t *Tracker) onQueryApplied(q string) {
	t.publish(Update{Kind: UpdateQuery, Query: q})
}

// fetchVessels lists the fleet and completes kind details from the catalog.
// A catalog failure is logged and the snapshot used as returned.
func (t *Tracker) fetchVessels(ctx context.Context) ([]fleet.Entity, error) {
	entities, err := t.reg.ListEntities(ctx)
	if err != nil {
		return nil, err
	}
	if err := t.kinds.Ensure(ctx); err != nil {
		t.log.Warn().Err(err).Msg("kind catalog unavailable")
	}
	for i := range entities {
		entities[i] = t.kinds.Fill(entities[i])
	}
	return entities, nil
}

// Kinds returns the vessel type catalog, loading it if needed.
func (t *Tracker) Kinds(ctx context.Context) ([]fleet.Kind, error) {
	if err := t.kinds.Ensure(ctx); err != nil {
		return nil, err
	}
	return t.kinds.List(), nil
}

func (t *Tracker) applyVessels(seq uint64, entities []fleet.Entity) error {
	diff, err := t.store.ApplySnapshot(seq, entities)
	if errors.Is(err, fleet.ErrStaleSnapshot) {
		return poller.ErrStale
	}
	if err != nil {
		return err
	}
	t.metrics.AddDroppedRecords(diff.Dropped)
	if !diff.Empty() {
		t.log.Debug().
			Int("added", diff.Count(fleet.OpAdd)).
			Int("updated", diff.Count(fleet.OpUpdate)).
			Int("removed", diff.Count(fleet.OpRemove)).
			Int("dropped", diff.Dropped).
			Msg("vessel snapshot reconciled")
	}
	return nil
}

func (t *Tracker) applyAlerts(_ uint64, s alerts.Snapshot) error {
	t.board.Apply(s)
	return nil
}

// Settle records a completed pan, zoom or resize. The viewport gets a new
// revision so projections computed for the previous one are not reused.
func (t *Tracker) Settle(v geo.Viewport) geo.Viewport {
	t.vpMu.Lock()
	t.revision++
	v.Revision = t.revision
	t.viewport = v
	t.overlay.Settle(v)
	t.vpMu.Unlock()

	t.publish(Update{Kind: UpdateViewport})
	return v
}

// SettleAround settles a viewport derived from its center, zoom and size.
func (t *Tracker) SettleAround(center orb.Point, zoom, width, height float64) geo.Viewport {
	return t.Settle(geo.ViewportAround(center, zoom, width, height))
}

func (t *Tracker) Viewport() geo.Viewport {
	t.vpMu.Lock()
	defer t.vpMu.Unlock()
	return t.viewport
}

// SetQuery buffers a raw search query.
func (t *Tracker) SetQuery(q string) { t.search.SetQuery(q) }

// FlushQuery makes the raw query effective without waiting.
func (t *Tracker) FlushQuery() { t.search.Flush() }

// Select toggles the overlay for id.
func (t *Tracker) Select(id fleet.ID) overlay.State {
	return t.overlay.Select(t.store.Snapshot(), id)
}

func (t *Tracker) CloseOverlay() { t.overlay.Close() }

func (t *Tracker) Create(ctx context.Context, d mutation.Draft) (fleet.Entity, error) {
	return t.mutations.Create(ctx, d)
}

func (t *Tracker) Relocate(ctx context.Context, id fleet.ID, pos fleet.Position) (bool, error) {
	return t.mutations.Relocate(ctx, id, pos)
}

func (t *Tracker) Delete(ctx context.Context, id fleet.ID) error {
	return t.mutations.Delete(ctx, id)
}

func (t *Tracker) Notifications() []notify.Notification { return t.notify.List() }

func (t *Tracker) DismissNotification(id string) bool { return t.notify.Dismiss(id) }

// NotificationBadge counts user-raised notifications.
func (t *Tracker) NotificationBadge() int { return t.notify.UserCount() }

// AlertView is the alert read model as shown to the user.
type AlertView struct {
	Types   []alerts.Type   `json:"types"`
	Results []alerts.Result `json:"results"`
	Active  int             `json:"active"`
}

func (t *Tracker) Alerts() AlertView {
	return AlertView{
		Types:   t.board.Types(),
		Results: t.board.Results(),
		Active:  t.board.ActiveCount(),
	}
}

// TriggerAlert forwards an alert trigger and refreshes the alert board.
func (t *Tracker) TriggerAlert(ctx context.Context, tr alerts.Trigger) (alerts.Assignment, error) {
	a, err := t.board.Trigger(ctx, tr)
	if err != nil {
		return a, err
	}
	t.alertPoll.Trigger()
	return a, nil
}
