package mutation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"fleetwatch/internal/fleet"
	"fleetwatch/internal/fleetapi"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/notify"
)

var (
	ErrInvalidDraft = errors.New("invalid vessel draft")
	ErrDetached     = errors.New("tracking view is not active")
)

type Op string

const (
	OpCreate   Op = "create"
	OpRelocate Op = "relocate"
	OpDelete   Op = "delete"
)

// Error is a mutation the registry rejected or could not be reached for.
type Error struct {
	Op  Op
	ID  fleet.ID
	Err error
}

func (e *Error) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s vessel: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s vessel %s: %v", e.Op, e.ID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// API is the subset of the registry client mutations need.
type API interface {
	CreateEntity(ctx context.Context, name string, kind int, pos fleet.Position) (fleet.Entity, error)
	RelocateEntity(ctx context.Context, id fleet.ID, pos fleet.Position) (string, error)
	DeleteEntity(ctx context.Context, id fleet.ID) error
}

// Draft is a vessel to be created.
type Draft struct {
	Name     string         `json:"name"`
	Position fleet.Position `json:"position"`
	Kind     int            `json:"kind"`
}

func (d Draft) validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDraft)
	}
	candidate := fleet.Entity{ID: "draft", Name: d.Name, Position: d.Position}
	if err := candidate.Validate(); err != nil {
		var me *fleet.MalformedRecordError
		if errors.As(err, &me) {
			return fmt.Errorf("%w: invalid %s", ErrInvalidDraft, me.Field)
		}
		return fmt.Errorf("%w: %v", ErrInvalidDraft, err)
	}
	return nil
}

// Coordinator sends user mutations to the registry and folds confirmed
// results into the store. Nothing is folded before the registry confirms.
type Coordinator struct {
	log     zerolog.Logger
	api     API
	store   *fleet.Store
	kinds   *fleet.Catalog
	notify  *notify.Center
	metrics *metrics.Metrics

	mu       sync.Mutex
	attached bool
}

// New builds a coordinator. kinds may be nil; created records are then
// folded exactly as the registry returned them.
func New(log zerolog.Logger, api API, store *fleet.Store, kinds *fleet.Catalog, center *notify.Center, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		log:      log.With().Str("component", "mutation").Logger(),
		api:      api,
		store:    store,
		kinds:    kinds,
		notify:   center,
		metrics:  m,
		attached: true,
	}
}

// Detach makes the coordinator refuse new mutations and ignore completions
// of requests already in flight.
func (c *Coordinator) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attached = false
}

// Attach re-enables folding after Detach.
func (c *Coordinator) Attach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attached = true
}

func (c *Coordinator) isAttached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached
}

// fold runs fn if the coordinator is still attached. Detach waits for a fold
// in progress, so no fold is half-visible to a deactivated view.
func (c *Coordinator) fold(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.attached {
		return false
	}
	fn()
	return true
}

// Create registers d and adds the canonical record to the store. The registry
// answers a create without kind details, so they are taken from the catalog
// to match what the next poll reports.
func (c *Coordinator) Create(ctx context.Context, d Draft) (fleet.Entity, error) {
	d.Name = strings.TrimSpace(d.Name)
	if err := d.validate(); err != nil {
		return fleet.Entity{}, err
	}
	if !c.isAttached() {
		return fleet.Entity{}, ErrDetached
	}

	e, err := c.api.CreateEntity(ctx, d.Name, d.Kind, d.Position)
	if err != nil {
		return fleet.Entity{}, c.fail(OpCreate, "", fmt.Sprintf("Failed to add ship %q", d.Name), err)
	}
	if err := c.kinds.Ensure(ctx); err != nil {
		c.log.Warn().Err(err).Int("kind", e.Kind).Msg("kind catalog unavailable; created vessel folded without kind details")
	}
	e = c.kinds.Fill(e)

	var putErr error
	folded := c.fold(func() {
		_, putErr = c.store.Put(e)
	})
	if putErr != nil {
		return fleet.Entity{}, c.fail(OpCreate, e.ID, fmt.Sprintf("Failed to add ship %q", d.Name), putErr)
	}
	c.succeed(OpCreate, e.ID, folded, fmt.Sprintf("Ship %q added", e.Name))
	return e, nil
}

// Relocate moves id. It reports whether the local set was updated; when id
// is not tracked locally the registry is still asked and the next poll
// brings the view up to date.
func (c *Coordinator) Relocate(ctx context.Context, id fleet.ID, pos fleet.Position) (bool, error) {
	candidate := fleet.Entity{ID: id, Name: "relocate", Position: pos}
	if err := candidate.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidDraft, err)
	}
	if !c.isAttached() {
		return false, ErrDetached
	}

	msg, err := c.api.RelocateEntity(ctx, id, pos)
	if err != nil {
		return false, c.fail(OpRelocate, id, "Failed to move ship", err)
	}

	tracked := false
	folded := c.fold(func() {
		_, tracked = c.store.Relocate(id, pos)
	})
	if folded && !tracked {
		c.log.Info().Str("vessel_id", string(id)).Msg("relocated vessel is not tracked locally; next poll will correct the view")
	}
	if msg == "" {
		msg = "Ship position updated"
	}
	c.succeed(OpRelocate, id, folded, msg)
	return folded && tracked, nil
}

// Delete removes id from the registry and then from the store. On failure
// the vessel stays.
func (c *Coordinator) Delete(ctx context.Context, id fleet.ID) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDraft)
	}
	if !c.isAttached() {
		return ErrDetached
	}

	name := string(id)
	if e, ok := c.store.Snapshot().Get(id); ok {
		name = e.Name
	}

	if err := c.api.DeleteEntity(ctx, id); err != nil {
		return c.fail(OpDelete, id, fmt.Sprintf("Failed to delete ship %q", name), err)
	}
	folded := c.fold(func() {
		c.store.Remove(id)
	})
	c.succeed(OpDelete, id, folded, fmt.Sprintf("Ship %q deleted", name))
	return nil
}

func (c *Coordinator) fail(op Op, id fleet.ID, prefix string, err error) error {
	c.metrics.ObserveMutation(string(op), "error")
	c.log.Warn().Err(err).Str("op", string(op)).Str("vessel_id", string(id)).Msg("mutation failed")
	if c.isAttached() {
		c.notify.Error(fmt.Sprintf("%s: %s", prefix, fleetapi.Reason(err)))
	}
	return &Error{Op: op, ID: id, Err: err}
}

func (c *Coordinator) succeed(op Op, id fleet.ID, folded bool, message string) {
	c.metrics.ObserveMutation(string(op), "ok")
	if !folded {
		c.log.Debug().Str("op", string(op)).Str("vessel_id", string(id)).Msg("view detached; confirmed mutation not folded")
		return
	}
	c.log.Info().Str("op", string(op)).Str("vessel_id", string(id)).Msg("mutation confirmed")
	c.notify.Success(message)
}
