package transport

import (
	"io"
	"sync"
)

// Memory is a test double that simulates a blocking transport using
// channels, so a reader goroutine blocks on Read until SendData is called —
// the same shape as a real serial port.
type Memory struct {
	mu       sync.Mutex
	readChan chan []byte
	pending  []byte
	written  [][]byte
	closed   bool
}

// NewMemory creates a new in-memory transport for tests.
func NewMemory() *Memory {
	return &Memory{readChan: make(chan []byte, 16)}
}

func (m *Memory) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, io.ErrClosedPipe
	}
	cp := append([]byte(nil), p...)
	m.written = append(m.written, cp)
	return len(p), nil
}

// Read copies out of any leftover bytes from a previous SendData payload
// before blocking on the next one, so a caller with a smaller buffer than
// the payload still sees every byte, just split across more Read calls.
func (m *Memory) Read(p []byte) (int, error) {
	if len(m.pending) == 0 {
		data, ok := <-m.readChan
		if !ok {
			return 0, io.EOF
		}
		m.pending = data
	}
	n := copy(p, m.pending)
	m.pending = m.pending[n:]
	return n, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.readChan)
	return nil
}

// SendData queues data to be read by the transport, simulating bytes
// arriving from the modem.
func (m *Memory) SendData(data string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.readChan <- []byte(data)
	}
}

// Written returns a copy of every byte slice handed to Write so far.
func (m *Memory) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.written))
	copy(out, m.written)
	return out
}
