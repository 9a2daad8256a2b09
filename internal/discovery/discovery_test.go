package discovery

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

type srvRecord struct {
	priority, weight, port uint16
	target                 string
}

// startDNS serves the given SRV records for their names and NXDOMAIN for
// everything else.
func startDNS(t *testing.T, records map[string][]srvRecord) string {
	t.Helper()
	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		q := r.Question[0]
		recs, ok := records[q.Name]
		if !ok {
			m.SetRcode(r, dns.RcodeNameError)
			_ = w.WriteMsg(m)
			return
		}
		m.SetReply(r)
		for _, rec := range recs {
			m.Answer = append(m.Answer, &dns.SRV{
				Hdr:      dns.RR_Header{Name: q.Name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 60},
				Priority: rec.priority,
				Weight:   rec.weight,
				Port:     rec.port,
				Target:   rec.target,
			})
		}
		_ = w.WriteMsg(m)
	})

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatalf("dns server did not start")
	}
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestLookupSRV_OrdersByPriorityThenWeight(t *testing.T) {
	addr := startDNS(t, map[string][]srvRecord{
		"_fleet._tcp.example.org.": {
			{priority: 20, weight: 100, port: 9000, target: "backup.example.org."},
			{priority: 10, weight: 5, port: 8000, target: "b.example.org."},
			{priority: 10, weight: 50, port: 8000, target: "a.example.org."},
			{priority: 10, weight: 50, port: 8000, target: "a.example.org."},
		},
	})
	r := NewResolver(zerolog.Nop(), Options{Server: addr})

	got, err := r.LookupSRV(context.Background(), "_fleet._tcp.example.org")
	if err != nil {
		t.Fatalf("expected nil err, got %v", err)
	}
	want := []string{"a.example.org:8000", "b.example.org:8000", "backup.example.org:9000"}
	if len(got) != len(want) {
		t.Fatalf("expected %d deduplicated endpoints, got %#v", len(want), got)
	}
	for i, w := range want {
		if got[i].HostPort() != w {
			t.Fatalf("expected %s at %d, got %s", w, i, got[i].HostPort())
		}
	}
}

func TestBaseURL_UsesPreferredEndpoint(t *testing.T) {
	addr := startDNS(t, map[string][]srvRecord{
		"_fleet._tcp.example.org.": {{priority: 1, weight: 1, port: 5000, target: "registry.example.org."}},
	})
	r := NewResolver(zerolog.Nop(), Options{Server: addr})

	got, err := r.BaseURL(context.Background(), "_fleet._tcp.example.org", "")
	if err != nil {
		t.Fatalf("expected nil err, got %v", err)
	}
	if got != "http://registry.example.org:5000" {
		t.Fatalf("expected http base url, got %q", got)
	}
}

func TestLookupSRV_Failures(t *testing.T) {
	addr := startDNS(t, map[string][]srvRecord{
		"_down._tcp.example.org.": {{priority: 0, weight: 0, port: 0, target: "."}},
	})
	r := NewResolver(zerolog.Nop(), Options{Server: addr})

	if _, err := r.LookupSRV(context.Background(), "_down._tcp.example.org"); !errors.Is(err, ErrNoEndpoints) {
		t.Fatalf("expected ErrNoEndpoints, got %v", err)
	}
	_, err := r.LookupSRV(context.Background(), "_missing._tcp.example.org")
	if err == nil || !strings.Contains(err.Error(), "NXDOMAIN") {
		t.Fatalf("expected NXDOMAIN error, got %v", err)
	}
}
