package client

import (
	"context"
	"math"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/setevik/bdslink/internal/sink"
	"github.com/setevik/bdslink/internal/wire"
)

// startSink runs a sink server on an ephemeral port and returns its port
// plus a channel of every message it receives.
func startSink(t *testing.T) (*sink.Server, int, <-chan *wire.Envelope) {
	t.Helper()

	ch := make(chan *wire.Envelope, 64)
	srv := sink.New("127.0.0.1:0", sink.WithHandler(func(env *wire.Envelope, _ net.Addr) {
		ch <- env
	}))
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("starting sink: %v", err)
	}
	t.Cleanup(srv.Stop)

	return srv, sinkPort(t, srv), ch
}

func sinkPort(t *testing.T, srv *sink.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(srv.Addr().String())
	if err != nil {
		t.Fatalf("splitting sink addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

// freePort reserves and releases an ephemeral port. The port is closed
// when returned, so an immediate connect to it is refused.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func waitFor(t *testing.T, ch <-chan *wire.Envelope, msgType wire.MessageType, timeout time.Duration) *wire.Envelope {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case env := <-ch:
			if env.Type == msgType {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s message within %v", msgType, timeout)
			return nil
		}
	}
}

func TestNewRejectsMalformedConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"port too large", Config{Port: 70000}},
		{"negative port", Config{Port: -1}},
		{"host with colon", Config{Host: "local:host", Port: 5200}},
		{"host with space", Config{Host: "bad host", Port: 5200}},
	}

	for _, tt := range tests {
		if _, err := New(tt.cfg); err == nil {
			t.Errorf("%s: expected construction error", tt.name)
		}
	}
}

func TestDefaults(t *testing.T) {
	c, err := New(Config{})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if c.Addr() != "localhost:5200" {
		t.Errorf("Addr() = %q, want localhost:5200", c.Addr())
	}
	if c.State() != StateDisconnected {
		t.Errorf("initial state = %v, want DISCONNECTED", c.State())
	}
}

func TestConnectAndSendRoundTrip(t *testing.T) {
	_, port, ch := startSink(t)

	c, err := New(Config{Host: "127.0.0.1", Port: port})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer c.Stop()

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("state = %v, want CONNECTED", c.State())
	}

	hello := waitFor(t, ch, wire.TypeConnection, 2*time.Second)
	if hello.Status != wire.StatusConnected {
		t.Errorf("connection status = %q, want connected", hello.Status)
	}

	if err := c.SendRiskEvent(wire.EventRiskChanged, wire.LevelHigh, 150.5, -22.3, 6.7, 95.2); err != nil {
		t.Fatalf("SendRiskEvent error: %v", err)
	}

	env := waitFor(t, ch, wire.TypeEvent, 2*time.Second)
	if env.Name != wire.EventRiskChanged {
		t.Errorf("event = %q, want %q", env.Name, wire.EventRiskChanged)
	}
	if env.Result != "HIGH" {
		t.Errorf("result = %q, want HIGH", env.Result)
	}
	if math.Abs(env.Distance-150.5) > 1e-9 {
		t.Errorf("distance = %v, want 150.5", env.Distance)
	}
	if math.Abs(env.RelativeSpeed+22.3) > 1e-9 {
		t.Errorf("relative_speed = %v, want -22.3", env.RelativeSpeed)
	}
	if env.TTC == nil || math.Abs(*env.TTC-6.7) > 1e-9 {
		t.Errorf("ttc = %v, want 6.7", env.TTC)
	}
	if math.Abs(env.RiskScore-95.2) > 1e-9 {
		t.Errorf("risk_score = %v, want 95.2", env.RiskScore)
	}

	c.Stop()
	bye := waitFor(t, ch, wire.TypeConnection, 2*time.Second)
	if bye.Status != wire.StatusDisconnected {
		t.Errorf("connection status = %q, want disconnected", bye.Status)
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	c, err := New(Config{Host: "127.0.0.1", Port: freePort(t)})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer c.Stop()

	err = c.SendRiskEvent(wire.EventRiskChanged, wire.LevelLow, 500, -5, 100, 20)
	if err == nil {
		t.Fatal("expected error while disconnected")
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %v, want DISCONNECTED", c.State())
	}
}

func TestConnectRefusedDoesNotPanic(t *testing.T) {
	c, err := New(Config{Host: "127.0.0.1", Port: freePort(t), ConnectTimeout: time.Second})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer c.Stop()

	if err := c.Connect(); err == nil {
		t.Fatal("expected connect error against closed port")
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %v, want DISCONNECTED", c.State())
	}
}

func TestSendRejectsNonFiniteFields(t *testing.T) {
	_, port, ch := startSink(t)

	c, err := New(Config{Host: "127.0.0.1", Port: port})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer c.Stop()

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	waitFor(t, ch, wire.TypeConnection, 2*time.Second)

	if err := c.SendRiskEvent("x", wire.LevelLow, math.NaN(), 0, 10, 1); err == nil {
		t.Fatal("expected error for NaN distance")
	}
	// The rejection happens before the transport; the link stays up.
	if c.State() != StateConnected {
		t.Errorf("state = %v, want CONNECTED", c.State())
	}
}

func TestHeartbeatEmittedWhileConnected(t *testing.T) {
	_, port, ch := startSink(t)

	c, err := New(Config{
		Host:              "127.0.0.1",
		Port:              port,
		HeartbeatInterval: 100 * time.Millisecond,
		ReconnectInterval: time.Hour, // keep the supervisor quiet
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	c.Start(context.Background())
	defer c.Stop()

	waitFor(t, ch, wire.TypeConnection, 2*time.Second)

	hb := waitFor(t, ch, wire.TypeHeartbeat, time.Second)
	if hb.Status != wire.HeartbeatAlive {
		t.Errorf("heartbeat status = %q, want %q", hb.Status, wire.HeartbeatAlive)
	}
}

func TestStopTwice(t *testing.T) {
	_, port, _ := startSink(t)

	c, err := New(Config{Host: "127.0.0.1", Port: port})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	c.Start(context.Background())
	c.Stop()
	c.Stop()

	if c.State() != StateDisconnected {
		t.Errorf("state = %v, want DISCONNECTED", c.State())
	}
}

func TestReconnectAfterLateServerStart(t *testing.T) {
	port := freePort(t)

	c, err := New(Config{
		Host:              "127.0.0.1",
		Port:              port,
		ReconnectInterval: 100 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		ConnectTimeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	c.Start(context.Background())
	defer c.Stop()

	// Let the first attempt (and at least one retry) fail before the
	// server comes up.
	time.Sleep(250 * time.Millisecond)
	if c.State() == StateConnected {
		t.Fatal("client should not be connected before the server exists")
	}

	ch := make(chan *wire.Envelope, 16)
	srv := sink.New("127.0.0.1:"+strconv.Itoa(port), sink.WithHandler(func(env *wire.Envelope, _ net.Addr) {
		ch <- env
	}))
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("starting late sink: %v", err)
	}
	defer srv.Stop()

	hello := waitFor(t, ch, wire.TypeConnection, 3*time.Second)
	if hello.Status != wire.StatusConnected {
		t.Errorf("connection status = %q, want connected", hello.Status)
	}
	if c.State() != StateConnected {
		t.Errorf("state = %v, want CONNECTED", c.State())
	}
}

func TestServerKillTriggersReconnect(t *testing.T) {
	srv, port, ch := startSink(t)

	c, err := New(Config{
		Host:              "127.0.0.1",
		Port:              port,
		ReconnectInterval: 100 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		MinSendInterval:   -1, // every send hits the wire
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	c.Start(context.Background())
	defer c.Stop()
	waitFor(t, ch, wire.TypeConnection, 2*time.Second)

	// Kill the server mid-session.
	srv.Stop()

	// The next sends fail gracefully once the reset is observed; the
	// write side may need a round trip to notice.
	deadline := time.Now().Add(3 * time.Second)
	for {
		err := c.SendRiskEvent(wire.EventRiskChanged, wire.LevelCaution, 300, -10, 30, 70)
		if err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("send never failed after server kill")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state = %v, want DISCONNECTED after failed send", c.State())
	}

	// Restart the server on the same port; the supervisor reconnects.
	ch2 := make(chan *wire.Envelope, 16)
	srv2 := sink.New("127.0.0.1:"+strconv.Itoa(port), sink.WithHandler(func(env *wire.Envelope, _ net.Addr) {
		ch2 <- env
	}))
	if err := srv2.Start(context.Background()); err != nil {
		t.Fatalf("restarting sink: %v", err)
	}
	defer srv2.Stop()

	hello := waitFor(t, ch2, wire.TypeConnection, 3*time.Second)
	if hello.Status != wire.StatusConnected {
		t.Errorf("connection status = %q, want connected", hello.Status)
	}
}

func TestDuplicateLevelSuppression(t *testing.T) {
	_, port, ch := startSink(t)

	c, err := New(Config{
		Host:            "127.0.0.1",
		Port:            port,
		MinSendInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer c.Stop()

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	waitFor(t, ch, wire.TypeConnection, 2*time.Second)

	if err := c.SendRiskEvent(wire.EventRiskChanged, wire.LevelHigh, 150, -20, 8, 100); err != nil {
		t.Fatalf("first send: %v", err)
	}
	waitFor(t, ch, wire.TypeEvent, 2*time.Second)

	// Same level inside the window: suppressed, reported as success.
	if err := c.SendRiskEvent(wire.EventRiskChanged, wire.LevelHigh, 140, -20, 7, 105); err != nil {
		t.Fatalf("suppressed send returned error: %v", err)
	}

	// A different level goes straight through.
	if err := c.SendRiskEvent(wire.EventRiskChanged, wire.LevelCritical, 40, -30, 2, 180); err != nil {
		t.Fatalf("escalation send: %v", err)
	}
	env := waitFor(t, ch, wire.TypeEvent, 2*time.Second)
	if env.Result != "CRITICAL" {
		t.Errorf("result = %q, want CRITICAL (HIGH duplicate should have been suppressed)", env.Result)
	}

	st := c.Status()
	if st.Sent != 3 { // connected + 2 events
		t.Errorf("sent counter = %d, want 3", st.Sent)
	}
	if st.LastResult != "CRITICAL" {
		t.Errorf("last result = %q, want CRITICAL", st.LastResult)
	}
}

func TestStatusSnapshot(t *testing.T) {
	_, port, ch := startSink(t)

	c, err := New(Config{Host: "127.0.0.1", Port: port})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer c.Stop()

	st := c.Status()
	if st.State != StateDisconnected || st.Running {
		t.Errorf("fresh client status = %+v", st)
	}

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	waitFor(t, ch, wire.TypeConnection, 2*time.Second)

	st = c.Status()
	if st.State != StateConnected {
		t.Errorf("state = %v, want CONNECTED", st.State)
	}
	if st.Connects != 1 {
		t.Errorf("connects = %d, want 1", st.Connects)
	}
	if st.Sent != 1 { // the connection announcement
		t.Errorf("sent = %d, want 1", st.Sent)
	}
}
