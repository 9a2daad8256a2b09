package fleetapi

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fleetwatch/internal/alerts"
	"fleetwatch/internal/fleet"
	"fleetwatch/internal/fleetapi/fleetapitest"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(zerolog.Nop(), Options{BaseURL: baseURL, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("expected nil err, got %v", err)
	}
	return c
}

func TestNew_RejectsBadBaseURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://registry", "::nope"} {
		if _, err := New(zerolog.Nop(), Options{BaseURL: raw}); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestClient_ListEntitiesNormalisesLegacyShape(t *testing.T) {
	reg := fleetapitest.New()
	defer reg.Close()
	id := reg.AddShip("Ocean Voyager", 1, 15.5, 78.25)

	c := newTestClient(t, reg.URL())
	got, err := c.ListEntities(context.Background())
	if err != nil {
		t.Fatalf("expected nil err, got %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entity, got %d", len(got))
	}
	e := got[0]
	want := fleet.Entity{
		ID:          fleet.ID("1"),
		Name:        "Ocean Voyager",
		Position:    fleet.Position{Lat: 15.5, Lng: 78.25},
		Kind:        1,
		KindName:    "Frigate",
		Speed:       55,
		HeadingRate: 1.25,
	}
	if id != 1 || e != want {
		t.Fatalf("expected %#v, got %#v", want, e)
	}
}

func TestDecodeEntities_LooseShapes(t *testing.T) {
	raw := []json.RawMessage{
		json.RawMessage(`{"id":"a-1","name":"Sea Express","kind":"Tanker","latitude":"10.5","longitude":20,"on_mission":"true","speed":12}`),
		json.RawMessage(`{"shipid":7,"name":"Pacific Runner","type":2,"latitude":1,"longitude":2,"mission":1}`),
		json.RawMessage(`{"id":8,"name":"No Position"}`),
		json.RawMessage(`"garbage"`),
	}
	got := decodeEntities(raw)
	if len(got) != 4 {
		t.Fatalf("expected one output per input, got %d", len(got))
	}
	if got[0].ID != "a-1" || got[0].KindName != "Tanker" || got[0].Position.Lat != 10.5 || !got[0].OnMission || got[0].Speed != 12 {
		t.Fatalf("unexpected first entity %#v", got[0])
	}
	if got[1].ID != "7" || got[1].Kind != 2 || !got[1].OnMission {
		t.Fatalf("unexpected legacy entity %#v", got[1])
	}
	if !math.IsNaN(got[2].Position.Lat) || got[2].Validate() == nil {
		t.Fatalf("expected missing coordinates to fail validation, got %#v", got[2])
	}
	if got[3].Validate() == nil {
		t.Fatalf("expected garbage element to fail validation")
	}
}

func TestClient_CreateRelocateDelete(t *testing.T) {
	reg := fleetapitest.New()
	defer reg.Close()
	reg.SetNextID(42)
	c := newTestClient(t, reg.URL())
	ctx := context.Background()

	e, err := c.CreateEntity(ctx, "X", 1, fleet.Position{Lat: 0, Lng: 0})
	if err != nil {
		t.Fatalf("expected nil err, got %v", err)
	}
	if e.ID != "42" || e.Name != "X" || e.Kind != 1 {
		t.Fatalf("unexpected created entity %#v", e)
	}
	if e.KindName != "" || e.Speed != 0 {
		t.Fatalf("expected the bare create shape without kind details, got %#v", e)
	}

	msg, err := c.RelocateEntity(ctx, "42", fleet.Position{Lat: 3, Lng: 4})
	if err != nil {
		t.Fatalf("expected nil err, got %v", err)
	}
	if msg != "Ship position updated" {
		t.Fatalf("unexpected confirmation %q", msg)
	}

	if err := c.DeleteEntity(ctx, "42"); err != nil {
		t.Fatalf("expected nil err, got %v", err)
	}
	if reg.HasShip(42) {
		t.Fatalf("expected registry to drop ship 42")
	}

	err = c.DeleteEntity(ctx, "42")
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusNotFound || se.Reason != "Ship not found" {
		t.Fatalf("expected 404 StatusError with reason, got %v", err)
	}
	if se.Temporary() {
		t.Fatalf("expected 404 not to be temporary")
	}
}

func TestClient_StatusErrorNotParsedAsData(t *testing.T) {
	reg := fleetapitest.New()
	defer reg.Close()
	reg.Fail("GET /entities", http.StatusServiceUnavailable, "maintenance window")
	c := newTestClient(t, reg.URL())

	got, err := c.ListEntities(context.Background())
	if got != nil {
		t.Fatalf("expected no data, got %v", got)
	}
	var se *StatusError
	if !errors.As(err, &se) || !se.Temporary() {
		t.Fatalf("expected temporary StatusError, got %v", err)
	}
	if Reason(err) != "maintenance window" {
		t.Fatalf("unexpected reason %q", Reason(err))
	}
}

func TestClient_ValidationDetailList(t *testing.T) {
	reg := fleetapitest.New()
	defer reg.Close()
	c := newTestClient(t, reg.URL())

	_, err := c.CreateEntity(context.Background(), "", 1, fleet.Position{})
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusUnprocessableEntity || se.Reason != "field required" {
		t.Fatalf("expected 422 with joined detail, got %v", err)
	}
}

func TestClient_Alerts(t *testing.T) {
	reg := fleetapitest.New()
	defer reg.Close()
	reg.AddShip("Ocean Voyager", 1, 10, 10)
	reg.AddAlertType(3, "Engine Breakdown")
	ts := time.Date(2026, 4, 1, 8, 30, 0, 0, time.UTC)
	reg.AddAlertResult("Engine Breakdown", "Ocean Voyager", 0.91, ts)
	c := newTestClient(t, reg.URL())
	ctx := context.Background()

	types, err := c.ListAlertTypes(ctx)
	if err != nil {
		t.Fatalf("expected nil err, got %v", err)
	}
	if len(types) != 1 || types[0].ID != "3" || types[0].Weather != 0.3 {
		t.Fatalf("unexpected alert types %#v", types)
	}

	results, err := c.ListAlertResults(ctx)
	if err != nil {
		t.Fatalf("expected nil err, got %v", err)
	}
	want := alerts.Result{ID: "1", AlertType: "Engine Breakdown", AssignedEntityID: "Ocean Voyager", Score: 0.91, Timestamp: ts, Active: true}
	if len(results) != 1 || results[0] != want {
		t.Fatalf("expected %#v, got %#v", want, results)
	}

	a, err := c.TriggerAlert(ctx, alerts.Trigger{AlertID: "3", Position: fleet.Position{Lat: 1, Lng: 2}, ClimateCondition: 1})
	if err != nil {
		t.Fatalf("expected nil err, got %v", err)
	}
	if a.AlertType != "Engine Breakdown" || a.AssignedEntityID != "Ocean Voyager" || a.Score != 0.75 {
		t.Fatalf("unexpected assignment %#v", a)
	}
	sent := reg.Triggers()
	if len(sent) != 1 || sent[0]["alert_id"] != "3" || sent[0]["climate_condition"] != float64(1) {
		t.Fatalf("unexpected trigger body %#v", sent)
	}
}

func TestClient_TransportErrorWrapsOp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := newTestClient(t, url)
	_, err := c.ListAlertTypes(context.Background())
	if err == nil || !strings.HasPrefix(err.Error(), "list alert types:") {
		t.Fatalf("expected wrapped transport error, got %v", err)
	}
}

func TestClient_SetBaseURL(t *testing.T) {
	reg := fleetapitest.New()
	defer reg.Close()
	c := newTestClient(t, "http://127.0.0.1:1")

	if err := c.SetBaseURL(reg.URL() + "/"); err != nil {
		t.Fatalf("expected nil err, got %v", err)
	}
	if _, err := c.ListEntities(context.Background()); err != nil {
		t.Fatalf("expected requests to follow the new base URL, got %v", err)
	}
	if err := c.SetBaseURL("not a url"); err == nil {
		t.Fatalf("expected error for invalid URL")
	}
}

func TestReasonFromBody(t *testing.T) {
	cases := map[string]string{
		`{"detail":"Ship not found"}`:                  "Ship not found",
		`{"detail":[{"msg":"a"},{"msg":"b"}]}`:         "a; b",
		`{"error":{"code":"x","message":"bad input"}}`: "bad input",
		`{"message":"nope"}`:                           "nope",
		`plain text failure`:                           "plain text failure",
		``:                                             "",
		`{"unrelated":true}`:                           "",
	}
	for body, want := range cases {
		if got := reasonFromBody([]byte(body)); got != want {
			t.Fatalf("body %q: expected %q, got %q", body, want, got)
		}
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2026, 4, 1, 8, 30, 0, 500000000, time.UTC)
	for _, s := range []string{"2026-04-01T08:30:00.5Z", "2026-04-01T08:30:00.500000", "2026-04-01 08:30:00.5"} {
		if got := parseTimestamp(s); !got.Equal(want) {
			t.Fatalf("%q: expected %v, got %v", s, want, got)
		}
	}
	if !parseTimestamp("yesterday").IsZero() {
		t.Fatalf("expected zero time for garbage")
	}
}

func TestClient_ListKinds(t *testing.T) {
	reg := fleetapitest.New()
	defer reg.Close()
	c := newTestClient(t, reg.URL())

	kinds, err := c.ListKinds(context.Background())
	if err != nil {
		t.Fatalf("expected nil err, got %v", err)
	}
	want := fleet.Kind{ID: 1, Name: "Frigate", Speed: 55, HeadingRate: 1.25}
	if len(kinds) != 2 || kinds[0] != want {
		t.Fatalf("expected %#v first of two kinds, got %#v", want, kinds)
	}
}

func TestClient_CreateUnknownKind(t *testing.T) {
	reg := fleetapitest.New()
	defer reg.Close()
	c := newTestClient(t, reg.URL())

	_, err := c.CreateEntity(context.Background(), "X", 99, fleet.Position{Lat: 1, Lng: 2})
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusNotFound || Reason(err) != "Ship type not found" {
		t.Fatalf("expected 404 with the registry reason, got %v", err)
	}
	if Transient(err) {
		t.Fatalf("expected an unknown kind not to be transient")
	}
}

func TestTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{&StatusError{Op: "list entities", Status: http.StatusServiceUnavailable}, true},
		{&StatusError{Op: "list entities", Status: http.StatusTooManyRequests}, true},
		{&StatusError{Op: "list entities", Status: http.StatusNotFound}, false},
		{&StatusError{Op: "list entities", Status: http.StatusUnprocessableEntity}, false},
		{errors.New("list entities: connection refused"), true},
		{context.Canceled, false},
	}
	for _, tc := range cases {
		if got := Transient(tc.err); got != tc.want {
			t.Fatalf("expected Transient(%v) = %v, got %v", tc.err, tc.want, got)
		}
	}
}
