package messaging

import (
	"errors"
	"net"
	"testing"
	"time"

	"agvlink/config"
	"agvlink/fleet"
)

func TestTopics(t *testing.T) {
	if got := CommandTopic("fleet", "1"); got != "fleet/1/command" {
		t.Errorf("CommandTopic = %q", got)
	}
	if got := TelemetryTopic("/fleet/", "12"); got != "fleet/12/telemetry" {
		t.Errorf("TelemetryTopic = %q", got)
	}
	id, kind, err := ParseTopic("fleet", "fleet/3/telemetry")
	if err != nil || id != "3" || kind != KindTelemetry {
		t.Errorf("ParseTopic = %q %q %v", id, kind, err)
	}
	for _, bad := range []string{"other/3/telemetry", "fleet/3", "fleet//telemetry", "fleet/3/x/y"} {
		if _, _, err := ParseTopic("fleet", bad); err == nil {
			t.Errorf("ParseTopic(%q) should fail", bad)
		}
	}
	if got := KafkaTopic("fleet/1/command"); got != "fleet.1.command" {
		t.Errorf("KafkaTopic = %q", got)
	}
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestDisconnectedClientKeepsHandlers(t *testing.T) {
	cfg := config.Defaults().Messaging
	cfg.MQTT.Broker = "127.0.0.1"
	cfg.MQTT.Port = closedPort(t)
	cfg.MQTT.ConnectTimeout = time.Second
	c := NewClient(&cfg, "test-client")

	if err := c.Subscribe("fleet/1/telemetry", func(string, []byte) {}); !errors.Is(err, fleet.ErrNotConnected) {
		t.Errorf("Subscribe err = %v, want ErrNotConnected", err)
	}
	c.mu.RLock()
	n := len(c.handlers)
	c.mu.RUnlock()
	if n != 1 {
		t.Errorf("handlers = %d, want 1", n)
	}

	if err := c.Publish("fleet/1/command", []byte("{}")); !errors.Is(err, fleet.ErrNotConnected) {
		t.Errorf("Publish err = %v, want ErrNotConnected", err)
	}

	if err := c.Connect(); err == nil {
		t.Fatal("Connect to closed port should fail")
	}
	st := c.State()
	if st.Connected || st.LastError == "" {
		t.Errorf("state = %+v, want disconnected with error", st)
	}

	c.Unsubscribe("fleet/1/telemetry")
	c.mu.RLock()
	n = len(c.handlers)
	c.mu.RUnlock()
	if n != 0 {
		t.Errorf("handlers after Unsubscribe = %d, want 0", n)
	}
}

func TestUnknownBackend(t *testing.T) {
	cfg := config.Defaults().Messaging
	cfg.Backend = "carrier-pigeon"
	c := NewClient(&cfg, "")
	if err := c.Connect(); err == nil {
		t.Fatal("unknown backend should fail")
	}
	if c.clientID == "" {
		t.Error("client id should be generated")
	}
}
