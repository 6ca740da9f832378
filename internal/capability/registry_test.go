package capability

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-recognition/internal/bus"
	"github.com/loqalabs/loqa-recognition/internal/config"
	"github.com/loqalabs/loqa-recognition/internal/natsserver"
)

func newTestBus(t *testing.T) *bus.Client {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), "capability-test", config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, log)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestRegistryAdvertise(t *testing.T) {
	client := newTestBus(t)
	reg, err := NewRegistry(context.Background(), config.NodeConfig{
		ID:                "node-a",
		Role:              "recognition",
		HeartbeatInterval: 50,
		HeartbeatTimeout:  1000,
		Capabilities:      []config.NodeCapability{{Name: "recognition.external", Tier: "balanced"}},
	}, client, client.Logger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)

	if !reg.Healthy() {
		t.Fatal("expected local node healthy after announce")
	}
	if !reg.HasLocalCapability("recognition.external") {
		t.Fatal("expected configured capability advertised")
	}
	if reg.HasLocalCapability("stt.native") {
		t.Fatal("native capability must not be advertised yet")
	}

	if err := reg.Advertise(config.NodeCapability{Name: "stt.native", Tier: "local"}); err != nil {
		t.Fatalf("advertise: %v", err)
	}
	if err := reg.Advertise(config.NodeCapability{Name: "stt.native", Tier: "local"}); err != nil {
		t.Fatalf("advertise twice: %v", err)
	}
	if !reg.HasLocalCapability("stt.native") {
		t.Fatal("expected native capability after advertise")
	}
	if got := len(reg.LocalCapabilities()); got != 2 {
		t.Fatalf("expected 2 capabilities, got %d", got)
	}
	if nodes := reg.Query(WithCapabilityFilter("stt.native")); len(nodes) != 1 || nodes[0].ID != "node-a" {
		t.Fatalf("unexpected query result %+v", nodes)
	}
}
