package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.MessageSent()
	m.MessageFailed()
	m.RelayEvent("rows:messages")
	m.Call("ended")
	m.RelayConnected(true)
	m.BusDrop()
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

func TestServeMetrics(t *testing.T) {
	m := New("test")
	m.MessageSent()
	m.Call("connected")
	m.RelayConnected(true)

	srv, err := Listen("127.0.0.1:0", m, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve()
	defer func() { _ = srv.Shutdown(context.Background()) }()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		`rtchat_messages_sent_total{session="test"} 1`,
		`rtchat_calls_total{outcome="connected",session="test"} 1`,
		`rtchat_relay_connected{session="test"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
