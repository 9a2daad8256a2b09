package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/paulmach/orb"
	"github.com/rs/zerolog"

	"fleetwatch/internal/alerts"
	"fleetwatch/internal/fleet"
	"fleetwatch/internal/fleetapi"
	"fleetwatch/internal/geo"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/mutation"
	"fleetwatch/internal/tracker"
)

type Handler struct {
	log     zerolog.Logger
	tracker *tracker.Tracker
	metrics *metrics.Metrics
	hub     *Hub
}

func NewHandler(log zerolog.Logger, tr *tracker.Tracker, m *metrics.Metrics) *Handler {
	return &Handler{
		log:     log,
		tracker: tr,
		metrics: m,
		hub:     NewHub(log, tr, m),
	}
}

// Hub returns the WebSocket hub serving /ws.
func (h *Handler) Hub() *Hub { return h.hub }

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(echoRequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)

	// Long-lived and scrape endpoints stay outside the request timeout.
	r.Get("/ws", h.hub.ServeHTTP)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))

		// Health
		r.Get("/healthz", h.handleHealthz)
		r.Get("/readyz", h.handleReadyZ)

		// API
		r.Route("/api", func(r chi.Router) {
			r.Route("/v1", func(r chi.Router) {
				r.Get("/frame", h.handleGetFrame)
				r.Put("/viewport", h.handleSettleViewport)
				r.Post("/refresh", h.handleRefresh)

				r.Route("/search", func(r chi.Router) {
					r.Put("/", h.handleSetQuery)
					r.Post("/flush", h.handleFlushQuery)
				})

				r.Route("/selection", func(r chi.Router) {
					r.Put("/", h.handleSelect)
					r.Delete("/", h.handleCloseOverlay)
				})

				r.Get("/kinds", h.handleListKinds)

				r.Route("/vessels", func(r chi.Router) {
					r.Post("/", h.handleCreateVessel)
					r.Route("/{id}", func(r chi.Router) {
						r.Post("/position", h.handleRelocateVessel)
						r.Delete("/", h.handleDeleteVessel)
					})
				})

				r.Route("/notifications", func(r chi.Router) {
					r.Get("/", h.handleListNotifications)
					r.Delete("/{id}", h.handleDismissNotification)
				})

				r.Route("/alerts", func(r chi.Router) {
					r.Get("/", h.handleListAlerts)
					r.Post("/", h.handleTriggerAlert)
				})
			})
		})
	})

	return r
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		h.metrics.ObserveHTTPRequest(r.Method, routePattern(r), ww.Status(), duration)
		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Int64("duration_ms", duration.Milliseconds()).
			Msg("http_request")
	})
}

// echoRequestID returns the request id so clients can quote it.
func echoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set(middleware.RequestIDHeader, id)
		}
		next.ServeHTTP(w, r)
	})
}

// routePattern keeps metric labels bounded to the registered routes.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	resp := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	}
	if details != nil {
		resp["error"].(map[string]any)["details"] = details
	}
	h.writeJSON(w, status, resp)
}

func decodeJSONStrict(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra data after JSON body")
		}
		return err
	}
	return nil
}

// writeMutationError maps a failed vessel or alert operation to a response.
func (h *Handler) writeMutationError(w http.ResponseWriter, err error, what string, id fleet.ID) {
	details := map[string]any{"error": err.Error()}
	if id != "" {
		details["id"] = id
	}

	var se *fleetapi.StatusError
	var me *mutation.Error
	switch {
	case errors.Is(err, mutation.ErrInvalidDraft), errors.Is(err, alerts.ErrInvalidTrigger):
		h.writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), details)
	case errors.Is(err, mutation.ErrDetached):
		h.writeError(w, http.StatusConflict, "inactive", "tracking view is not active", details)
	case errors.As(err, &se) && se.Status == http.StatusNotFound && errors.As(err, &me) && me.Op == mutation.OpCreate:
		// A create has no vessel to miss; the registry rejects the kind.
		h.writeError(w, http.StatusNotFound, "kind_not_found", fleetapi.Reason(err), details)
	case errors.As(err, &se) && se.Status == http.StatusNotFound:
		h.writeError(w, http.StatusNotFound, "not_found", what+" not found", details)
	default:
		h.log.Error().Err(err).Str("id", string(id)).Msg(what + " request failed")
		h.writeError(w, http.StatusBadGateway, "upstream_error", fleetapi.Reason(err), details)
	}
}

func (h *Handler) handleListKinds(w http.ResponseWriter, r *http.Request) {
	kinds, err := h.tracker.Kinds(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("kind catalog request failed")
		h.writeError(w, http.StatusBadGateway, "upstream_error", fleetapi.Reason(err), nil)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"items": kinds})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleReadyZ(w http.ResponseWriter, r *http.Request) {
	if !h.tracker.Active() {
		h.writeError(w, http.StatusServiceUnavailable, "inactive", "tracking view is not active", nil)
		return
	}
	if !h.tracker.Ready() {
		h.writeError(w, http.StatusServiceUnavailable, "not_ready", "no vessel snapshot applied yet", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (h *Handler) handleGetFrame(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.tracker.Frame())
}

type latLng struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

func (p latLng) position() (fleet.Position, bool) {
	if p.Latitude == nil || p.Longitude == nil {
		return fleet.Position{}, false
	}
	return fleet.Position{Lat: *p.Latitude, Lng: *p.Longitude}, true
}

type viewportRequest struct {
	Center    latLng  `json:"center"`
	Zoom      float64 `json:"zoom"`
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
	SouthWest *latLng `json:"south_west,omitempty"`
	NorthEast *latLng `json:"north_east,omitempty"`
}

func (h *Handler) handleSettleViewport(w http.ResponseWriter, r *http.Request) {
	var req viewportRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	center, ok := req.Center.position()
	if !ok {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "center latitude and longitude are required", nil)
		return
	}
	if req.Width <= 0 || req.Height <= 0 || req.Zoom < 0 {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "width and height must be positive and zoom not negative", nil)
		return
	}

	centerPt := orb.Point{center.Lng, center.Lat}
	if req.SouthWest == nil && req.NorthEast == nil {
		h.writeJSON(w, http.StatusOK, h.tracker.SettleAround(centerPt, req.Zoom, req.Width, req.Height))
		return
	}

	var sw, ne fleet.Position
	if req.SouthWest != nil {
		sw, ok = req.SouthWest.position()
	}
	if ok && req.NorthEast != nil {
		ne, ok = req.NorthEast.position()
	}
	if !ok || req.SouthWest == nil || req.NorthEast == nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "south_west and north_east must be given together", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, h.tracker.Settle(geo.Viewport{
		Center:    centerPt,
		Zoom:      req.Zoom,
		SouthWest: orb.Point{sw.Lng, sw.Lat},
		NorthEast: orb.Point{ne.Lng, ne.Lat},
		Width:     req.Width,
		Height:    req.Height,
	}))
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	h.tracker.Refresh()
	h.writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

type searchRequest struct {
	Query string `json:"query"`
}

func (h *Handler) handleSetQuery(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	h.tracker.SetQuery(req.Query)
	h.writeJSON(w, http.StatusAccepted, map[string]any{"query": req.Query, "pending": true})
}

func (h *Handler) handleFlushQuery(w http.ResponseWriter, r *http.Request) {
	h.tracker.FlushQuery()
	f := h.tracker.Frame()
	h.writeJSON(w, http.StatusOK, map[string]any{"query": f.EffectiveQuery, "matches": len(f.Markers)})
}

type selectionRequest struct {
	ID fleet.ID `json:"id"`
}

func (h *Handler) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	if req.ID == "" {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "id is required", nil)
		return
	}
	state := h.tracker.Select(req.ID)
	h.writeJSON(w, http.StatusOK, map[string]any{"overlay": state.String(), "id": req.ID})
}

func (h *Handler) handleCloseOverlay(w http.ResponseWriter, r *http.Request) {
	h.tracker.CloseOverlay()
	w.WriteHeader(http.StatusNoContent)
}

type vesselCreate struct {
	Name string `json:"name"`
	Kind int    `json:"kind"`
	latLng
}

func (h *Handler) handleCreateVessel(w http.ResponseWriter, r *http.Request) {
	var req vesselCreate
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	pos, ok := req.position()
	if !ok {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "latitude and longitude are required", nil)
		return
	}

	e, err := h.tracker.Create(r.Context(), mutation.Draft{Name: req.Name, Position: pos, Kind: req.Kind})
	if err != nil {
		h.writeMutationError(w, err, "vessel", "")
		return
	}
	h.writeJSON(w, http.StatusCreated, e)
}

func (h *Handler) handleRelocateVessel(w http.ResponseWriter, r *http.Request) {
	id := fleet.ID(chi.URLParam(r, "id"))
	var req latLng
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	pos, ok := req.position()
	if !ok {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "latitude and longitude are required", nil)
		return
	}

	tracked, err := h.tracker.Relocate(r.Context(), id, pos)
	if err != nil {
		h.writeMutationError(w, err, "vessel", id)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"id": id, "position": pos, "tracked": tracked})
}

func (h *Handler) handleDeleteVessel(w http.ResponseWriter, r *http.Request) {
	id := fleet.ID(chi.URLParam(r, "id"))
	if err := h.tracker.Delete(r.Context(), id); err != nil {
		h.writeMutationError(w, err, "vessel", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"items": h.tracker.Notifications(),
		"badge": h.tracker.NotificationBadge(),
	})
}

func (h *Handler) handleDismissNotification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.tracker.DismissNotification(id) {
		h.writeError(w, http.StatusNotFound, "not_found", "notification not found", map[string]any{"id": id})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.tracker.Alerts())
}

type alertTrigger struct {
	AlertID          string `json:"alert_id"`
	ClimateCondition int    `json:"climate_condition"`
	latLng
}

func (h *Handler) handleTriggerAlert(w http.ResponseWriter, r *http.Request) {
	var req alertTrigger
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	pos, ok := req.position()
	if !ok {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "latitude and longitude are required", nil)
		return
	}

	a, err := h.tracker.TriggerAlert(r.Context(), alerts.Trigger{
		AlertID:          req.AlertID,
		Position:         pos,
		ClimateCondition: req.ClimateCondition,
	})
	if err != nil {
		h.writeMutationError(w, err, "alert", "")
		return
	}
	h.writeJSON(w, http.StatusOK, a)
}
