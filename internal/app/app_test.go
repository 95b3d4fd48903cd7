package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/lumen-voice/lumen/internal/config"
	"github.com/lumen-voice/lumen/internal/observe"
	"github.com/lumen-voice/lumen/internal/store"
	"github.com/lumen-voice/lumen/pkg/capture"
	capmock "github.com/lumen-voice/lumen/pkg/capture/mock"
	"github.com/lumen-voice/lumen/pkg/realtime"
)

// appStubConn is a realtime.Conn whose event channel stays open until closed.
type appStubConn struct {
	events    chan realtime.Event
	closeOnce sync.Once
}

func newAppStubConn() *appStubConn {
	return &appStubConn{events: make(chan realtime.Event, 16)}
}

func (c *appStubConn) UpdateSession(realtime.SessionConfig) error { return nil }
func (c *appStubConn) CreateTurn(realtime.TurnPayload) error      { return nil }
func (c *appStubConn) CreateResponse() error                      { return nil }
func (c *appStubConn) CancelResponse() error                      { return nil }
func (c *appStubConn) Events() <-chan realtime.Event              { return c.events }
func (c *appStubConn) Err() error                                 { return nil }

func (c *appStubConn) Close() error {
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

type appStubDialer struct {
	mu    sync.Mutex
	err   error
	conns []*appStubConn
}

func (d *appStubDialer) Connect(context.Context, realtime.SessionConfig) (realtime.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	conn := newAppStubConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *appStubDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *appStubDialer) connAt(i int) *appStubConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

// waitFor polls cond until it is true or the timeout elapses.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	cfg.Reconnect.Delay = 5 * time.Millisecond
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func testDevices() Devices {
	return Devices{
		Microphone: capmock.NewMicrophone(),
		Speaker:    &capmock.Speaker{},
	}
}

func newTestApp(t *testing.T, d realtime.Dialer) *App {
	t.Helper()
	a, err := New(context.Background(), testConfig(), testDevices(),
		WithDialer(d),
		WithTurnStore(store.NewMemoryStore()),
		WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNew_RequiresDevices(t *testing.T) {
	_, err := New(context.Background(), testConfig(), Devices{},
		WithDialer(&appStubDialer{}),
		WithTurnStore(store.NewMemoryStore()),
	)
	if err == nil {
		t.Fatal("expected error for missing devices")
	}
}

func TestNew_RequiresAPIKeyWithoutInjectedDialer(t *testing.T) {
	cfg := testConfig()
	cfg.Realtime.APIKeyEnv = "LUMEN_TEST_MISSING_KEY"

	_, err := New(context.Background(), cfg, testDevices(),
		WithTurnStore(store.NewMemoryStore()),
	)
	if err == nil {
		t.Fatal("expected error when API key env is empty")
	}
}

func TestNew_DefaultsToMemoryStore(t *testing.T) {
	a, err := New(context.Background(), testConfig(), testDevices(),
		WithDialer(&appStubDialer{}),
		WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.turns == nil {
		t.Fatal("no turn store selected")
	}
	if _, ok := a.turns.(*store.MemoryStore); !ok {
		t.Errorf("store type = %T; want MemoryStore", a.turns)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	a := newTestApp(t, &appStubDialer{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Give the session loop a moment to come up, then cancel.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v; want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

// pcmLog counts PCM buffers handed to the playback device.
type pcmLog struct {
	mu     sync.Mutex
	writes int
}

func (w *pcmLog) WritePCM([]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes++
	return nil
}

func (w *pcmLog) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes
}

// A channel drop tears the session down and a reconnect builds a fresh one on
// the same devices. Model audio arriving on the new connection must still
// reach the playback device.
func TestRun_SessionAfterReconnectPlaysAudio(t *testing.T) {
	dialer := &appStubDialer{}
	out := &pcmLog{}
	devices := Devices{
		Microphone: capmock.NewMicrophone(),
		Speaker:    capture.NewPlaybackQueue(out),
	}

	a, err := New(context.Background(), testConfig(), devices,
		WithDialer(dialer),
		WithTurnStore(store.NewMemoryStore()),
		WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, func() bool { return dialer.connCount() == 1 }, "initial session never connected")

	// The transport drops; the reconnector dials a replacement.
	_ = dialer.connAt(0).Close()
	waitFor(t, func() bool { return dialer.connCount() == 2 }, "channel never reconnected")

	// The event sits in the connection buffer until the fresh session's
	// receive loop picks it up.
	dialer.connAt(1).events <- realtime.Event{Type: realtime.EventAudioDelta, Audio: []byte{1, 2}}
	waitFor(t, func() bool { return out.count() > 0 }, "post-reconnect session is silent")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestRun_InitialDialFailureIsFatal(t *testing.T) {
	a := newTestApp(t, &appStubDialer{err: errors.New("dial refused")})

	err := a.Run(context.Background())
	if err == nil {
		t.Fatal("expected Run to fail when the initial dial fails")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	a := newTestApp(t, &appStubDialer{})

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestApplyConfigDiff_UpdatesTuning(t *testing.T) {
	a := newTestApp(t, &appStubDialer{})

	newCfg := testConfig()
	newCfg.VAD.EnergyThreshold = 99

	a.ApplyConfigDiff(config.Diff{VADChanged: true, NewVAD: newCfg.VAD}, newCfg)

	a.mu.Lock()
	got := a.cfg.VAD.EnergyThreshold
	a.mu.Unlock()
	if got != 99 {
		t.Errorf("energy threshold after reload = %v; want 99", got)
	}
}
