package buslink

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/servo.bridge/internal/dynamixel"
	"github.com/banshee-data/servo.bridge/internal/monitoring"
)

func newConnectedManager(t *testing.T) (*Manager, *TestablePort) {
	t.Helper()
	port := NewTestablePort()
	m := NewManager(NewMockPortFactory(port), FixedPort("/dev/ttyUSB0"))
	if _, err := m.Connect(context.Background(), PortOptions{}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return m, port
}

func TestManager_Connect(t *testing.T) {
	port := NewTestablePort()
	factory := NewMockPortFactory(port)
	m := NewManager(factory, FixedPort("/dev/ttyUSB0"))

	if got := m.Status(); got != "idle" {
		t.Errorf("initial status: got %q, want %q", got, "idle")
	}

	session, err := m.Connect(context.Background(), PortOptions{BaudRate: 57600})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if session.ID == "" {
		t.Error("session has no ID")
	}
	if session.Path != "/dev/ttyUSB0" {
		t.Errorf("session path: got %q", session.Path)
	}
	if !m.Connected() {
		t.Error("Connected() is false after successful connect")
	}
	if got := m.Status(); got != "connected to /dev/ttyUSB0 at 57600 baud" {
		t.Errorf("status: got %q", got)
	}
	if call := factory.LastCall(); call == nil || call.Opts.BaudRate != 57600 {
		t.Errorf("factory saw call %+v", call)
	}
}

// TestManager_Reconnect checks connect-while-connected performs a full
// disconnect first, leaving exactly one live session.
func TestManager_Reconnect(t *testing.T) {
	first := NewTestablePort()
	factory := NewMockPortFactory(first)
	m := NewManager(factory, FixedPort("/dev/ttyUSB0"))

	s1, err := m.Connect(context.Background(), PortOptions{})
	if err != nil {
		t.Fatalf("first Connect failed: %v", err)
	}

	second := NewTestablePort()
	factory.Port = second
	s2, err := m.Connect(context.Background(), PortOptions{})
	if err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}

	if !first.Closed {
		t.Error("first session's port was not closed on reconnect")
	}
	if s1.ID == s2.ID {
		t.Error("reconnect reused the session ID")
	}
	if m.Session() != s2 {
		t.Error("manager does not hold the second session")
	}
	if len(factory.OpenCalls) != 2 {
		t.Errorf("factory open calls: got %d, want 2", len(factory.OpenCalls))
	}
}

func TestManager_ConnectOpenFailure(t *testing.T) {
	factory := NewMockPortFactory(nil)
	factory.Error = errors.New("device busy")
	m := NewManager(factory, FixedPort("/dev/ttyUSB0"))

	_, err := m.Connect(context.Background(), PortOptions{})
	if !errors.Is(err, ErrPortOpenFailed) {
		t.Fatalf("got err %v, want ErrPortOpenFailed", err)
	}
	if m.Connected() {
		t.Error("manager half-connected after open failure")
	}
	if !strings.HasPrefix(m.Status(), "connect failed:") {
		t.Errorf("status: got %q", m.Status())
	}
}

func TestManager_ConnectNoDevice(t *testing.T) {
	m := NewManager(NewMockPortFactory(nil), FixedPort(""))

	_, err := m.Connect(context.Background(), PortOptions{})
	if !errors.Is(err, ErrNoDevice) {
		t.Fatalf("got err %v, want ErrNoDevice", err)
	}
	if m.Connected() {
		t.Error("manager connected despite declined device choice")
	}
}

func TestManager_ConnectUnsupportedEnvironment(t *testing.T) {
	chooser := FirstAvailablePort{Lister: MockPortLister{Error: ErrUnsupportedEnvironment}}
	m := NewManager(NewMockPortFactory(nil), chooser)

	_, err := m.Connect(context.Background(), PortOptions{})
	if !errors.Is(err, ErrUnsupportedEnvironment) {
		t.Fatalf("got err %v, want ErrUnsupportedEnvironment", err)
	}
}

func TestManager_ConnectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	port := NewTestablePort()
	m := NewManager(NewMockPortFactory(port), FixedPort("/dev/ttyUSB0"))
	if _, err := m.Connect(ctx, PortOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("got err %v, want context.Canceled", err)
	}
	if m.Connected() {
		t.Error("manager connected despite cancelled context")
	}
}

// TestManager_ConnectCancelsConsent checks the chooser receives the
// connect context, so a prompt blocked on operator input unblocks when
// the caller gives up.
func TestManager_ConnectCancelsConsent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	chooser := ChooseFunc(func(ctx context.Context) (string, error) {
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	})

	m := NewManager(NewMockPortFactory(NewTestablePort()), chooser)
	if _, err := m.Connect(ctx, PortOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("got err %v, want context.Canceled", err)
	}
	if m.Connected() {
		t.Error("manager connected despite cancelled consent")
	}
}

func TestManager_Disconnect(t *testing.T) {
	m, port := newConnectedManager(t)

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if !port.Closed {
		t.Error("port not closed")
	}
	if m.Connected() {
		t.Error("still connected after Disconnect")
	}
	if got := m.Status(); got != "disconnected" {
		t.Errorf("status: got %q, want %q", got, "disconnected")
	}

	// Disconnecting again is harmless.
	if err := m.Disconnect(); err != nil {
		t.Errorf("second Disconnect: %v", err)
	}
}

// TestManager_DisconnectPartialFailure simulates a failing release step and
// asserts the session is still torn down and marked disconnected.
func TestManager_DisconnectPartialFailure(t *testing.T) {
	defer monitoring.Quiet()()

	m, port := newConnectedManager(t)
	port.CloseError = errors.New("close failed")

	err := m.Disconnect()
	var partial *PartialReleaseError
	if !errors.As(err, &partial) {
		t.Fatalf("got err %v, want *PartialReleaseError", err)
	}
	if m.Connected() {
		t.Error("session survived a partial release failure")
	}
	if got := m.Status(); got != "disconnected" {
		t.Errorf("status: got %q, want %q", got, "disconnected")
	}
}

func TestManager_SendTorque(t *testing.T) {
	m, port := newConnectedManager(t)

	if err := m.SendTorque(1, true); err != nil {
		t.Fatalf("SendTorque failed: %v", err)
	}
	if !bytes.Equal(port.WrittenData(), dynamixel.TorquePacket(1, true)) {
		t.Errorf("wrote % X", port.WrittenData())
	}
}

func TestManager_SendGoalPositionClamps(t *testing.T) {
	m, port := newConnectedManager(t)

	if err := m.SendGoalPosition(2, 400); err != nil {
		t.Fatalf("SendGoalPosition failed: %v", err)
	}
	want, _ := dynamixel.GoalPositionPacket(2, dynamixel.TickMax)
	if !bytes.Equal(port.WrittenData(), want) {
		t.Errorf("wrote % X, want % X", port.WrittenData(), want)
	}
}

func TestManager_SendGoalTicksRange(t *testing.T) {
	m, port := newConnectedManager(t)

	err := m.SendGoalTicks(1, 5000)
	var rangeErr dynamixel.ErrTickRange
	if !errors.As(err, &rangeErr) {
		t.Fatalf("got err %v, want ErrTickRange", err)
	}
	if len(port.WrittenData()) != 0 {
		t.Error("out-of-range ticks still reached the port")
	}
}

func TestManager_SendErrors(t *testing.T) {
	m := NewManager(NewMockPortFactory(NewTestablePort()), FixedPort("/dev/ttyUSB0"))
	if err := m.SendTorque(1, true); !errors.Is(err, ErrNotConnected) {
		t.Errorf("got err %v, want ErrNotConnected", err)
	}

	m, port := newConnectedManager(t)
	port.WriteError = errors.New("io error")
	if err := m.SendTorque(1, true); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("got err %v, want ErrWriteFailed", err)
	}

	port.ShortWrite = true
	if err := m.SendTorque(1, true); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("short write: got err %v, want ErrWriteFailed", err)
	}
}

// TestManager_ReadTimeoutKeepsSession checks a frame-read timeout is
// recoverable: the session stays open and a retry succeeds.
func TestManager_ReadTimeoutKeepsSession(t *testing.T) {
	m, port := newConnectedManager(t)

	if _, err := m.ReadFrame(context.Background(), 20*time.Millisecond); !errors.Is(err, ErrReadTimeout) {
		t.Fatalf("got err %v, want ErrReadTimeout", err)
	}
	if !m.Connected() {
		t.Fatal("read timeout tore down the session")
	}

	packet := dynamixel.PingPacket(1)
	port.AddReadData(packet)
	frame, err := m.ReadFrame(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("ReadFrame retry failed: %v", err)
	}
	if !bytes.Equal(frame, packet) {
		t.Errorf("frame: got % X, want % X", frame, packet)
	}
}

// TestManager_DisconnectDuringRead checks that teardown while a read is
// logically in progress leaves the in-flight read free to finish with an
// error. The reader captures the session before the teardown lock is
// taken, so the session must stay intact once released.
func TestManager_DisconnectDuringRead(t *testing.T) {
	defer monitoring.Quiet()()

	factory := NewMockPortFactory(NewTestablePort())
	m := NewManager(factory, FixedPort("/dev/ttyUSB0"))
	if _, err := m.Connect(context.Background(), PortOptions{}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ctx.Err() == nil {
			frame, err := m.ReadFrame(ctx, time.Millisecond)
			if err == nil {
				t.Errorf("unexpected frame on an idle bus: % X", []byte(frame))
				return
			}
		}
	}()

	for i := 0; i < 200; i++ {
		if err := m.Disconnect(); err != nil {
			t.Errorf("Disconnect failed: %v", err)
		}
		factory.Port = NewTestablePort()
		if _, err := m.Connect(context.Background(), PortOptions{}); err != nil {
			t.Errorf("reconnect failed: %v", err)
		}
	}

	cancel()
	<-done
	if err := m.Disconnect(); err != nil {
		t.Errorf("final Disconnect failed: %v", err)
	}
}

type captureRecorder struct {
	mu       sync.Mutex
	commands []string
	frames   [][]byte
}

func (r *captureRecorder) RecordCommand(kind string, motorID byte, packet []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, kind)
	return nil
}

func (r *captureRecorder) RecordFrame(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, append([]byte(nil), frame...))
	return nil
}

func TestManager_RecorderSeesCommands(t *testing.T) {
	m, _ := newConnectedManager(t)
	rec := &captureRecorder{}
	m.Recorder = rec

	if err := m.SendTorque(1, true); err != nil {
		t.Fatal(err)
	}
	if err := m.SendGoalPosition(1, 90); err != nil {
		t.Fatal(err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.commands) != 2 || rec.commands[0] != "torque_on" || rec.commands[1] != "goal_position" {
		t.Errorf("recorded commands: %v", rec.commands)
	}
}

func TestManager_MonitorFansOut(t *testing.T) {
	m, port := newConnectedManager(t)
	rec := &captureRecorder{}
	m.Recorder = rec

	id, ch := m.Subscribe()
	defer m.Unsubscribe(id)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Monitor(ctx) }()

	// Feed the packet repeatedly; Monitor drops frames for subscribers
	// that are not ready, so a single copy could race the select below.
	packet := dynamixel.PingPacket(9)
	feedCtx, stopFeed := context.WithCancel(context.Background())
	defer stopFeed()
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				port.AddReadData(packet)
			case <-feedCtx.Done():
				return
			}
		}
	}()

	select {
	case frame := <-ch:
		if !bytes.Equal(frame, packet) {
			t.Errorf("subscriber frame: got % X, want % X", frame, packet)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the frame")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Monitor returned %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.frames) == 0 {
		t.Error("recorder saw no frames")
	}
}
