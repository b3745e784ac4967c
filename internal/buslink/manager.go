package buslink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/servo.bridge/internal/dynamixel"
	"github.com/banshee-data/servo.bridge/internal/monitoring"
)

// Recorder receives a copy of every packet sent and every frame received.
// The journal package implements it; a nil Recorder disables recording.
type Recorder interface {
	RecordCommand(kind string, motorID byte, packet []byte) error
	RecordFrame(frame []byte) error
}

// Session is one live connection to the servo bus, from successful connect
// to disconnect. The manager owns at most one at a time.
type Session struct {
	ID   string
	Path string
	Opts PortOptions

	port   SerialPorter
	reader *FrameReader
}

// Manager owns the single bus session: it is the only component that
// creates, replaces, or destroys it. Connect and Disconnect are mutually
// exclusive; command writes are serialized separately so they can overlap
// reads at the caller's discretion.
type Manager struct {
	factory PortFactory
	chooser PortChooser

	// Recorder, if set, journals sent packets and received frames.
	// Recording failures are logged, never propagated.
	Recorder Recorder

	mu      sync.Mutex // serializes connect/disconnect, guards session
	session *Session

	commandMu sync.Mutex

	statusMu sync.Mutex
	status   string

	subscriberMu sync.Mutex
	subscribers  map[string]chan dynamixel.Frame
	closing      bool
}

// NewManager creates a Manager that opens ports through factory and picks
// device paths through chooser.
func NewManager(factory PortFactory, chooser PortChooser) *Manager {
	return &Manager{
		factory:     factory,
		chooser:     chooser,
		status:      "idle",
		subscribers: make(map[string]chan dynamixel.Frame),
	}
}

// Status returns a human-readable connection state. It is updated on every
// transition.
func (m *Manager) Status() string {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return m.status
}

func (m *Manager) setStatus(s string) {
	m.statusMu.Lock()
	m.status = s
	m.statusMu.Unlock()
	monitoring.Logf("buslink: %s", s)
}

// Connected reports whether a session is open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil
}

// Session returns the open session, or nil.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Connect establishes a session at the given options. An already-open
// session is fully disconnected first, so a successful return always means
// exactly one live session. On any failure the manager is left fully
// disconnected; nothing is ever half-connected. The device choice may
// block on operator consent and is cancelled via ctx.
func (m *Manager) Connect(ctx context.Context, opts PortOptions) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		if err := m.disconnectLocked(); err != nil {
			monitoring.Logf("buslink: teardown before reconnect: %v", err)
		}
	}

	m.setStatus("connecting")

	opts, err := opts.Normalize()
	if err != nil {
		m.setStatus(fmt.Sprintf("connect failed: %v", err))
		return nil, err
	}

	path, err := m.chooser.Choose(ctx)
	if err != nil {
		m.setStatus(fmt.Sprintf("connect failed: %v", err))
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		m.setStatus(fmt.Sprintf("connect failed: %v", err))
		return nil, err
	}

	port, err := m.factory.Open(path, opts)
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrPortOpenFailed, path, err)
		m.setStatus(fmt.Sprintf("connect failed: %v", err))
		return nil, err
	}

	m.session = &Session{
		ID:     uuid.NewString(),
		Path:   path,
		Opts:   opts,
		port:   port,
		reader: NewFrameReader(port),
	}
	m.setStatus(fmt.Sprintf("connected to %s at %d baud", path, opts.BaudRate))
	return m.session, nil
}

// Disconnect tears down the session. Release steps run collect-and-continue:
// a failing step is reported but never stops the rest, and the session is
// always cleared. The returned error, if any, is a *PartialReleaseError.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnectLocked()
}

func (m *Manager) disconnectLocked() error {
	if m.session == nil {
		m.setStatus("disconnected")
		return nil
	}

	s := m.session
	var steps []error

	// The session struct is never mutated on teardown: a ReadFrame that
	// captured it before the lock was taken must stay free to finish.
	// Closing the port is what retires it; the in-flight read then fails
	// with a port error instead of touching freed state.
	if err := s.port.Close(); err != nil {
		steps = append(steps, fmt.Errorf("close port: %w", err))
	}

	m.session = nil
	m.setStatus("disconnected")

	if len(steps) > 0 {
		return &PartialReleaseError{Steps: steps}
	}
	return nil
}

// Send writes a raw instruction packet to the bus. Writes are serialized;
// a short write or sink error surfaces as ErrWriteFailed.
func (m *Manager) Send(packet []byte) error {
	return m.send("raw", 0, packet)
}

func (m *Manager) send(kind string, motorID byte, packet []byte) error {
	m.commandMu.Lock()
	defer m.commandMu.Unlock()

	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}

	n, err := s.port.Write(packet)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if n != len(packet) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrWriteFailed, n, len(packet))
	}

	if m.Recorder != nil {
		if err := m.Recorder.RecordCommand(kind, motorID, packet); err != nil {
			monitoring.Logf("buslink: failed to journal %s command: %v", kind, err)
		}
	}
	return nil
}

// SendTorque enables or disables torque on the given servo.
func (m *Manager) SendTorque(motorID byte, enabled bool) error {
	kind := "torque_off"
	if enabled {
		kind = "torque_on"
	}
	return m.send(kind, motorID, dynamixel.TorquePacket(motorID, enabled))
}

// SendGoalPosition moves the given servo to an angle in degrees. The angle
// is clamped to [0, 360] before the tick conversion, mirroring the limits
// of one revolution.
func (m *Manager) SendGoalPosition(motorID byte, degrees float64) error {
	packet, err := dynamixel.GoalPositionPacket(motorID, dynamixel.DegreesToTicks(degrees))
	if err != nil {
		return err
	}
	return m.send("goal_position", motorID, packet)
}

// SendGoalTicks moves the given servo to a raw tick position. Out-of-range
// ticks are the caller's contract violation and return ErrTickRange.
func (m *Manager) SendGoalTicks(motorID byte, ticks int) error {
	packet, err := dynamixel.GoalPositionPacket(motorID, ticks)
	if err != nil {
		return err
	}
	return m.send("goal_position", motorID, packet)
}

// Ping sends a ping instruction to the given servo.
func (m *Manager) Ping(motorID byte) error {
	return m.send("ping", motorID, dynamixel.PingPacket(motorID))
}

// ReadFrame reads the next complete frame from the session. A timeout
// leaves the session connected and reusable; only the read attempt is
// abandoned. At most one ReadFrame may be in flight at a time.
func (m *Manager) ReadFrame(ctx context.Context, timeout time.Duration) (dynamixel.Frame, error) {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	if s == nil {
		return nil, ErrNotConnected
	}
	return s.reader.ReadFrame(ctx, timeout)
}

// Subscribe creates a channel receiving frames seen by Monitor. The
// returned ID identifies the channel when unsubscribing.
func (m *Manager) Subscribe() (string, chan dynamixel.Frame) {
	id := uuid.NewString()
	ch := make(chan dynamixel.Frame)
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if m.closing {
		close(ch)
		return id, ch
	}
	m.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (m *Manager) Unsubscribe(id string) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if ch, ok := m.subscribers[id]; ok {
		close(ch)
		delete(m.subscribers, id)
	}
}

// Monitor reads frames from the session until ctx is cancelled or the
// stream closes, fanning each frame out to subscribers and the recorder.
// Quiet-bus read timeouts are not errors.
func (m *Manager) Monitor(ctx context.Context) error {
	for {
		frame, err := m.ReadFrame(ctx, time.Second)
		switch {
		case err == nil:
		case errors.Is(err, ErrReadTimeout):
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		default:
			// Stream closed, disconnected, or an I/O fault: the monitor
			// cannot continue.
			return err
		}

		m.subscriberMu.Lock()
		if m.closing {
			m.subscriberMu.Unlock()
			return nil
		}
		for _, ch := range m.subscribers {
			select {
			case ch <- frame:
			default:
				// skip a full subscriber rather than stall the loop
			}
		}
		m.subscriberMu.Unlock()

		if m.Recorder != nil {
			if err := m.Recorder.RecordFrame(frame); err != nil {
				monitoring.Logf("buslink: failed to journal frame: %v", err)
			}
		}
	}
}

// Close closes all subscriber channels and disconnects.
func (m *Manager) Close() error {
	m.subscriberMu.Lock()
	m.closing = true
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
	m.subscriberMu.Unlock()

	return m.Disconnect()
}
