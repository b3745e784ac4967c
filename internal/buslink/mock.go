package buslink

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"
)

// TestablePort implements SerialPorter with configurable behaviour for
// testing. It provides fine-grained control over reads, writes, errors,
// and latency without real hardware.
type TestablePort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadChunks, when set, is drained one element per Read call before
	// ReadBuffer is consulted. It drives chunk-boundary tests.
	ReadChunks [][]byte

	// EOFAfterChunks makes Read return io.EOF once ReadChunks is drained.
	EOFAfterChunks bool

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// ShortWrite makes Write report one byte fewer than requested.
	ShortWrite bool

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// ReadCalls records the number of Read calls
	ReadCalls int

	// WriteCalls records the number of Write calls
	WriteCalls int

	// ReadTimeout is the current read timeout
	ReadTimeout time.Duration
}

// NewTestablePort creates a new TestablePort.
func NewTestablePort() *TestablePort {
	return &TestablePort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
}

// Read returns queued chunks first, then buffered data, then zero bytes
// (simulating a timed-out poll on an idle bus).
func (t *TestablePort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++

	if t.Closed {
		return 0, errors.New("serial port closed")
	}

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}

	if len(t.ReadChunks) > 0 {
		n := copy(p, t.ReadChunks[0])
		if n < len(t.ReadChunks[0]) {
			t.ReadChunks[0] = t.ReadChunks[0][n:]
		} else {
			t.ReadChunks = t.ReadChunks[1:]
		}
		return n, nil
	}

	if t.ReadBuffer.Len() > 0 {
		return t.ReadBuffer.Read(p)
	}

	if t.EOFAfterChunks {
		return 0, io.EOF
	}

	// Simulate a timed-out poll on an idle bus without spinning the
	// caller's read loop hot.
	t.mu.Unlock()
	time.Sleep(time.Millisecond)
	t.mu.Lock()
	return 0, nil
}

// Write writes to the write buffer, optionally simulating errors.
func (t *TestablePort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++

	if t.Closed {
		return 0, errors.New("serial port closed")
	}

	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	n, err := t.WriteBuffer.Write(p)
	if err == nil && t.ShortWrite && n > 0 {
		n--
	}
	return n, err
}

// Close marks the port as closed.
func (t *TestablePort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	return t.CloseError
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestablePort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadTimeout = timeout
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestablePort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
}

// QueueChunks queues chunks to be returned one per Read call.
func (t *TestablePort) QueueChunks(chunks ...[]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range chunks {
		t.ReadChunks = append(t.ReadChunks, append([]byte(nil), c...))
	}
}

// WrittenData returns all data written to the port.
func (t *TestablePort) WrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// MockPortFactory implements PortFactory for testing.
type MockPortFactory struct {
	mu sync.Mutex

	// Port is the port to return from Open
	Port SerialPorter

	// Error is returned by Open if set
	Error error

	// OpenCalls records all Open calls
	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path string
	Opts PortOptions
}

// NewMockPortFactory creates a new MockPortFactory returning port.
func NewMockPortFactory(port SerialPorter) *MockPortFactory {
	return &MockPortFactory{Port: port}
}

// Open returns the configured port or error.
func (f *MockPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Opts: opts})

	if f.Error != nil {
		return nil, f.Error
	}
	return f.Port, nil
}

// LastCall returns the most recent Open call, or nil if none.
func (f *MockPortFactory) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.OpenCalls) == 0 {
		return nil
	}
	return &f.OpenCalls[len(f.OpenCalls)-1]
}

// MockPortLister implements PortLister with a fixed port list.
type MockPortLister struct {
	Ports []string
	Error error
}

// List returns the configured ports or error.
func (l MockPortLister) List() ([]string, error) {
	if l.Error != nil {
		return nil, l.Error
	}
	return l.Ports, nil
}
