// Package fleetapitest provides an in-process fake of the fleet registry.
// It serves the legacy wire shapes (shipid, type, ship_info, mission) so
// clients exercise their normalisation. Like the real registry, only the
// listing embeds ship_info; a create answers with the bare record.
package fleetapitest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

type shipInfo struct {
	ID            int     `json:"id"`
	Name          string  `json:"name"`
	Speed         float64 `json:"speed"`
	RotationSpeed float64 `json:"rotation_speed"`
}

type ship struct {
	ShipID    int       `json:"shipid"`
	Name      string    `json:"name"`
	Type      int       `json:"type"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Mission   bool      `json:"mission"`
	ShipInfo  *shipInfo `json:"ship_info,omitempty"`
}

type failure struct {
	status int
	detail string
}

// Registry is a fake fleet registry backed by an httptest.Server.
type Registry struct {
	srv *httptest.Server

	mu         sync.Mutex
	nextID     int
	ships      map[int]ship
	kinds      map[int]shipInfo
	alertTypes []map[string]any
	results    []map[string]any
	failures   map[string]failure
	requests   []string
	triggers   []map[string]any
}

func New() *Registry {
	r := &Registry{
		nextID: 1,
		ships:  make(map[int]ship),
		kinds: map[int]shipInfo{
			1: {ID: 1, Name: "Frigate", Speed: 55, RotationSpeed: 1.25},
			2: {ID: 2, Name: "Cargo", Speed: 30, RotationSpeed: 0.5},
		},
		failures: make(map[string]failure),
	}
	r.srv = httptest.NewServer(r.router())
	return r
}

func (r *Registry) URL() string { return r.srv.URL }

func (r *Registry) Close() { r.srv.Close() }

// AddShip seeds a vessel and returns its id.
func (r *Registry) AddShip(name string, kind int, lat, lng float64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(name, kind, lat, lng)
}

func (r *Registry) addLocked(name string, kind int, lat, lng float64) int {
	id := r.nextID
	r.nextID++
	s := ship{ShipID: id, Name: name, Type: kind, Latitude: lat, Longitude: lng}
	if info, ok := r.kinds[kind]; ok {
		s.ShipInfo = &info
	}
	r.ships[id] = s
	return id
}

// SetNextID makes the next created vessel receive id.
func (r *Registry) SetNextID(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID = id
}

// MoveShip changes a vessel's position as if another operator moved it.
func (r *Registry) MoveShip(id int, lat, lng float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.ships[id]; ok {
		s.Latitude, s.Longitude = lat, lng
		r.ships[id] = s
	}
}

func (r *Registry) RemoveShip(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ships, id)
}

func (r *Registry) HasShip(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ships[id]
	return ok
}

func (r *Registry) AddAlertType(id int, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alertTypes = append(r.alertTypes, map[string]any{
		"alert_id": strconv.Itoa(id), "name": name, "human_error": 0.2, "attack": 0.5, "weater": 0.3,
	})
}

func (r *Registry) AddAlertResult(alertType, bestShip string, score float64, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, map[string]any{
		"id": len(r.results) + 1, "alert_type": alertType, "best_ship": bestShip,
		"final_score": score, "timestamp": ts.UTC().Format("2006-01-02T15:04:05.000000"),
	})
}

// Fail makes route (e.g. "GET /entities") answer with status until cleared
// with a zero status.
func (r *Registry) Fail(route string, status int, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status == 0 {
		delete(r.failures, route)
		return
	}
	r.failures[route] = failure{status: status, detail: detail}
}

// Requests lists the routes served so far, in order.
func (r *Registry) Requests() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.requests...)
}

// Triggers returns the alert trigger bodies received.
func (r *Registry) Triggers() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]any(nil), r.triggers...)
}

func (r *Registry) router() http.Handler {
	mux := chi.NewRouter()
	mux.Get("/entity-kinds", r.handleKinds)
	mux.Get("/entities", r.handleList)
	mux.Post("/entities", r.handleCreate)
	mux.Post("/entities/{id}/position", r.handleRelocate)
	mux.Delete("/entities/{id}", r.handleDelete)
	mux.Get("/alert-types", r.handleAlertTypes)
	mux.Get("/alert-results", r.handleAlertResults)
	mux.Post("/alerts", r.handleTrigger)
	return mux
}

// begin records the request and reports whether a configured failure was
// written instead.
func (r *Registry) begin(w http.ResponseWriter, route string) bool {
	r.mu.Lock()
	r.requests = append(r.requests, route)
	f, failing := r.failures[route]
	r.mu.Unlock()
	if !failing {
		return false
	}
	writeJSON(w, f.status, map[string]any{"detail": f.detail})
	return true
}

func (r *Registry) handleList(w http.ResponseWriter, _ *http.Request) {
	if r.begin(w, "GET /entities") {
		return
	}
	r.mu.Lock()
	out := make([]ship, 0, len(r.ships))
	for _, s := range r.ships {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ShipID < out[j].ShipID })
	writeJSON(w, http.StatusOK, out)
}

func (r *Registry) handleCreate(w http.ResponseWriter, req *http.Request) {
	if r.begin(w, "POST /entities") {
		return
	}
	var body struct {
		Name      string   `json:"name"`
		Kind      int      `json:"kind"`
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Name == "" || body.Latitude == nil || body.Longitude == nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": []map[string]string{{"msg": "field required"}}})
		return
	}
	r.mu.Lock()
	if _, ok := r.kinds[body.Kind]; !ok {
		r.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Ship type not found"})
		return
	}
	id := r.addLocked(body.Name, body.Kind, *body.Latitude, *body.Longitude)
	s := r.ships[id]
	r.mu.Unlock()
	s.ShipInfo = nil
	writeJSON(w, http.StatusOK, s)
}

func (r *Registry) handleKinds(w http.ResponseWriter, _ *http.Request) {
	if r.begin(w, "GET /entity-kinds") {
		return
	}
	r.mu.Lock()
	out := make([]shipInfo, 0, len(r.kinds))
	for _, k := range r.kinds {
		out = append(out, k)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (r *Registry) shipID(w http.ResponseWriter, req *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(req, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "invalid ship id"})
		return 0, false
	}
	r.mu.Lock()
	_, ok := r.ships[id]
	r.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Ship not found"})
		return 0, false
	}
	return id, true
}

func (r *Registry) handleRelocate(w http.ResponseWriter, req *http.Request) {
	if r.begin(w, "POST /entities/{id}/position") {
		return
	}
	id, ok := r.shipID(w, req)
	if !ok {
		return
	}
	var body struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "invalid body"})
		return
	}
	r.MoveShip(id, body.Latitude, body.Longitude)
	writeJSON(w, http.StatusOK, map[string]any{"message": "Ship position updated"})
}

func (r *Registry) handleDelete(w http.ResponseWriter, req *http.Request) {
	if r.begin(w, "DELETE /entities/{id}") {
		return
	}
	id, ok := r.shipID(w, req)
	if !ok {
		return
	}
	r.RemoveShip(id)
	writeJSON(w, http.StatusOK, map[string]any{"message": "Ship deleted"})
}

func (r *Registry) handleAlertTypes(w http.ResponseWriter, _ *http.Request) {
	if r.begin(w, "GET /alert-types") {
		return
	}
	r.mu.Lock()
	out := append([]map[string]any{}, r.alertTypes...)
	r.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (r *Registry) handleAlertResults(w http.ResponseWriter, _ *http.Request) {
	if r.begin(w, "GET /alert-results") {
		return
	}
	r.mu.Lock()
	out := append([]map[string]any{}, r.results...)
	r.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (r *Registry) handleTrigger(w http.ResponseWriter, req *http.Request) {
	if r.begin(w, "POST /alerts") {
		return
	}
	var body map[string]any
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "invalid body"})
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = append(r.triggers, body)

	alertType, _ := body["alert_id"].(string)
	for _, t := range r.alertTypes {
		if t["alert_id"] == alertType {
			alertType, _ = t["name"].(string)
		}
	}
	best := ""
	bestID := 0
	for id, s := range r.ships {
		if best == "" || id < bestID {
			best, bestID = s.Name, id
		}
	}
	if best == "" {
		writeJSON(w, http.StatusConflict, map[string]any{"detail": "No ships available"})
		return
	}
	r.results = append(r.results, map[string]any{
		"id": len(r.results) + 1, "alert_type": alertType, "best_ship": best,
		"final_score": 0.75, "timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	writeJSON(w, http.StatusOK, map[string]any{"alert_type": alertType, "best_ship": best, "final_score": 0.75})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
