package fleetapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"fleetwatch/internal/alerts"
	"fleetwatch/internal/fleet"
)

// The registry has shipped several shapes over time: numeric or string ids
// under "id" or "shipid", the category under "kind" or "type", descriptive
// fields nested in "ship_info", and flags as bools, 0/1 or strings. Everything
// is normalised here so nothing loose reaches the reconciler.

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*f = flexString(n.String())
	return nil
}

// flexBool accepts true/false, 0/1 and their string forms.
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch strings.ToLower(strings.Trim(string(b), `"`)) {
	case "true", "1", "yes":
		*f = true
	case "false", "0", "no", "", "null":
		*f = false
	default:
		return fmt.Errorf("expected boolean, got %s", b)
	}
	return nil
}

// flexFloat accepts a number or a numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = flexFloat(math.NaN())
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("expected number, got %s", b)
	}
	*f = flexFloat(v)
	return nil
}

func floatOr(p *flexFloat, fallback float64) float64 {
	if p == nil {
		return fallback
	}
	return float64(*p)
}

type wireShipInfo struct {
	Name          string     `json:"name"`
	Speed         *flexFloat `json:"speed"`
	RotationSpeed *flexFloat `json:"rotation_speed"`
}

type wireEntity struct {
	ID          flexString    `json:"id"`
	ShipID      flexString    `json:"shipid"`
	Name        string        `json:"name"`
	Kind        flexString    `json:"kind"`
	Type        flexString    `json:"type"`
	KindName    string        `json:"kind_name"`
	Latitude    *flexFloat    `json:"latitude"`
	Longitude   *flexFloat    `json:"longitude"`
	Speed       *flexFloat    `json:"speed"`
	HeadingRate *flexFloat    `json:"heading_rate"`
	Mission     *flexBool     `json:"mission"`
	OnMission   *flexBool     `json:"on_mission"`
	ShipInfo    *wireShipInfo `json:"ship_info"`
}

// entity converts a wire record. Missing coordinates become NaN so validation
// rejects the record instead of placing it at 0,0.
func (w wireEntity) entity() fleet.Entity {
	e := fleet.Entity{
		ID:       fleet.ID(w.ID),
		Name:     strings.TrimSpace(w.Name),
		KindName: w.KindName,
		Position: fleet.Position{
			Lat: floatOr(w.Latitude, math.NaN()),
			Lng: floatOr(w.Longitude, math.NaN()),
		},
		Speed:       floatOr(w.Speed, 0),
		HeadingRate: floatOr(w.HeadingRate, 0),
	}
	if e.ID == "" {
		e.ID = fleet.ID(w.ShipID)
	}

	kind := w.Kind
	if kind == "" {
		kind = w.Type
	}
	if n, err := strconv.Atoi(string(kind)); err == nil {
		e.Kind = n
	} else if kind != "" && e.KindName == "" {
		e.KindName = string(kind)
	}

	switch {
	case w.OnMission != nil:
		e.OnMission = bool(*w.OnMission)
	case w.Mission != nil:
		e.OnMission = bool(*w.Mission)
	}

	if info := w.ShipInfo; info != nil {
		if e.KindName == "" {
			e.KindName = info.Name
		}
		if w.Speed == nil {
			e.Speed = floatOr(info.Speed, 0)
		}
		if w.HeadingRate == nil {
			e.HeadingRate = floatOr(info.RotationSpeed, 0)
		}
	}
	if math.IsNaN(e.Speed) {
		e.Speed = 0
	}
	if math.IsNaN(e.HeadingRate) {
		e.HeadingRate = 0
	}
	return e
}

// decodeEntities decodes a snapshot element by element. An element that is
// not even an object yields an empty record, which reconciliation drops.
func decodeEntities(raw []json.RawMessage) []fleet.Entity {
	out := make([]fleet.Entity, 0, len(raw))
	for _, r := range raw {
		var w wireEntity
		if err := json.Unmarshal(r, &w); err != nil {
			out = append(out, fleet.Entity{ID: fleet.ID(w.ID)})
			continue
		}
		out = append(out, w.entity())
	}
	return out
}

type wireKind struct {
	ID            flexString `json:"id"`
	Name          string     `json:"name"`
	Speed         *flexFloat `json:"speed"`
	RotationSpeed *flexFloat `json:"rotation_speed"`
	HeadingRate   *flexFloat `json:"heading_rate"`
}

func (w wireKind) kind() (fleet.Kind, bool) {
	id, err := strconv.Atoi(string(w.ID))
	if err != nil {
		return fleet.Kind{}, false
	}
	k := fleet.Kind{
		ID:          id,
		Name:        strings.TrimSpace(w.Name),
		Speed:       floatOr(w.Speed, 0),
		HeadingRate: floatOr(w.HeadingRate, floatOr(w.RotationSpeed, 0)),
	}
	if math.IsNaN(k.Speed) {
		k.Speed = 0
	}
	if math.IsNaN(k.HeadingRate) {
		k.HeadingRate = 0
	}
	return k, true
}

type createRequest struct {
	Name      string  `json:"name"`
	Kind      int     `json:"kind"`
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

type positionRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type wireAlertType struct {
	AlertID    flexString `json:"alert_id"`
	ID         flexString `json:"id"`
	Name       string     `json:"name"`
	HumanError *flexFloat `json:"human_error"`
	Attack     *flexFloat `json:"attack"`
	Weather    *flexFloat `json:"weather"`
	Weater     *flexFloat `json:"weater"`
}

func (w wireAlertType) alertType() alerts.Type {
	t := alerts.Type{
		ID:         string(w.AlertID),
		Name:       strings.TrimSpace(w.Name),
		HumanError: floatOr(w.HumanError, 0),
		Attack:     floatOr(w.Attack, 0),
		Weather:    floatOr(w.Weather, 0),
	}
	if t.ID == "" {
		t.ID = string(w.ID)
	}
	if w.Weather == nil {
		t.Weather = floatOr(w.Weater, 0)
	}
	if t.Name == "" {
		t.Name = t.ID
	}
	return t
}

type wireAlertResult struct {
	ID         flexString `json:"id"`
	AlertType  string     `json:"alert_type"`
	BestShip   flexString `json:"best_ship"`
	AssignedID flexString `json:"assigned_entity_id"`
	FinalScore *flexFloat `json:"final_score"`
	Score      *flexFloat `json:"score"`
	Timestamp  string     `json:"timestamp"`
	Active     *flexBool  `json:"active"`
	Status     *flexBool  `json:"status"`
}

// alertResult converts a wire result. Results without an explicit flag are
// active: the registry only reports resolution when it tracks it.
func (w wireAlertResult) alertResult() alerts.Result {
	r := alerts.Result{
		ID:               string(w.ID),
		AlertType:        w.AlertType,
		AssignedEntityID: fleet.ID(w.AssignedID),
		Score:            floatOr(w.Score, floatOr(w.FinalScore, 0)),
		Timestamp:        parseTimestamp(w.Timestamp),
		Active:           true,
	}
	if r.AssignedEntityID == "" {
		r.AssignedEntityID = fleet.ID(w.BestShip)
	}
	switch {
	case w.Active != nil:
		r.Active = bool(*w.Active)
	case w.Status != nil:
		r.Active = bool(*w.Status)
	}
	return r
}

type triggerRequest struct {
	AlertID          string  `json:"alert_id"`
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	ClimateCondition int     `json:"climate_condition"`
}

type triggerResponse struct {
	AlertType  string     `json:"alert_type"`
	BestShip   flexString `json:"best_ship"`
	FinalScore *flexFloat `json:"final_score"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05",
}

// parseTimestamp accepts RFC 3339 and the zone-less ISO form; zone-less
// values are taken as UTC. Unparseable values yield the zero time.
func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
