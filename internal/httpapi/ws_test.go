package httpapi

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/paulmach/orb"

	"fleetwatch/internal/fleet"
	"fleetwatch/internal/fleetapi/fleetapitest"
	"fleetwatch/internal/mutation"
)

func websocketURL(t *testing.T, baseURL string) string {
	t.Helper()
	parsed, err := url.Parse(baseURL)
	if err != nil {
		t.Fatalf("failed to parse test server url: %v", err)
	}
	parsed.Scheme = "ws"
	parsed.Path = "/ws"
	return parsed.String()
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(websocketURL(t, srv.URL), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		t.Fatalf("failed to open websocket connection: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		if resp != nil {
			resp.Body.Close()
		}
	})
	return conn
}

type pushed struct {
	Type  string `json:"type"`
	Frame *struct {
		Version uint64 `json:"version"`
		Total   int    `json:"total"`
	} `json:"frame"`
	Change *fleet.Change `json:"change"`
}

func readPushed(t *testing.T, conn *websocket.Conn) pushed {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read websocket message: %v", err)
	}
	var msg pushed
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("failed to decode websocket payload: %v", err)
	}
	return msg
}

func TestHub_FrameOnConnectThenDiffs(t *testing.T) {
	reg := fleetapitest.New()
	defer reg.Close()
	reg.AddShip("Ocean Voyager", 1, 15, 78)
	h, tr := newTestHandler(t, reg, nil)
	tr.Activate(context.Background())
	waitFor(t, "first snapshot", tr.Ready)

	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	conn := dial(t, srv)

	first := readPushed(t, conn)
	if first.Type != MessageFrame || first.Frame == nil || first.Frame.Total != 1 {
		t.Fatalf("expected initial frame with one vessel, got %#v", first)
	}
	waitFor(t, "registered client", func() bool { return h.Hub().Clients() == 1 })

	if _, err := tr.Create(context.Background(), mutation.Draft{Name: "Sea Express", Kind: 2}); err != nil {
		t.Fatalf("expected nil err, got %v", err)
	}
	msg := readPushed(t, conn)
	if msg.Type != MessageDiff || msg.Change == nil {
		t.Fatalf("expected diff message, got %#v", msg)
	}
	if msg.Change.Version <= first.Frame.Version || msg.Change.Diff.Count(fleet.OpAdd) != 1 {
		t.Fatalf("expected a newer add diff, got %#v", msg.Change)
	}
}

func TestHub_ViewportSettlePushesFrame(t *testing.T) {
	reg := fleetapitest.New()
	defer reg.Close()
	h, tr := newTestHandler(t, reg, nil)

	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	conn := dial(t, srv)
	if msg := readPushed(t, conn); msg.Type != MessageFrame {
		t.Fatalf("expected initial frame, got %q", msg.Type)
	}
	waitFor(t, "registered client", func() bool { return h.Hub().Clients() == 1 })

	tr.SettleAround(orb.Point{0, 0}, 2, 400, 400)
	if msg := readPushed(t, conn); msg.Type != MessageFrame {
		t.Fatalf("expected a fresh frame after settle, got %q", msg.Type)
	}
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	reg := fleetapitest.New()
	defer reg.Close()
	h, _ := newTestHandler(t, reg, nil)

	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	conn := dial(t, srv)
	readPushed(t, conn)
	waitFor(t, "registered client", func() bool { return h.Hub().Clients() == 1 })

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	waitFor(t, "client removed", func() bool { return h.Hub().Clients() == 0 })
}
