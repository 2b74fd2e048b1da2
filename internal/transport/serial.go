package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// SerialConfig configures the serial Transport. MinCommandDelay is measured
// from the last byte written of the previous command to the first byte
// written of the next one (spec §4.2), not from the response.
type SerialConfig struct {
	Port            string
	Baud            int
	Terminator      string
	MinCommandDelay time.Duration
	Timeout         time.Duration
}

// DefaultSerialConfig mirrors the spec's stated typical values.
func DefaultSerialConfig(port string) SerialConfig {
	return SerialConfig{
		Port:            port,
		Baud:            9600,
		Terminator:      "\n",
		MinCommandDelay: 50 * time.Millisecond,
		Timeout:         2 * time.Second,
	}
}

// serialPort is the subset of *serial.Port this package depends on, so tests
// can substitute a fake without opening a real device.
type serialPort interface {
	io.ReadWriteCloser
}

// Serial is the tarm/serial-backed Transport implementation.
type Serial struct {
	cfg SerialConfig

	mu           sync.Mutex
	port         serialPort
	reader       *bufio.Reader
	lastWriteEnd time.Time
	openFn       func(c *serial.Config) (serialPort, error)
}

// NewSerial constructs a Serial transport. It does not open the port.
func NewSerial(cfg SerialConfig) *Serial {
	return &Serial{
		cfg: cfg,
		openFn: func(c *serial.Config) (serialPort, error) {
			return serial.OpenPort(c)
		},
	}
}

// Open opens the underlying port. A second call while already open is a
// no-op success, per the idempotence requirement in spec §4.2.
func (s *Serial) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return nil
	}
	cfg := &serial.Config{
		Name:        s.cfg.Port,
		Baud:        s.cfg.Baud,
		ReadTimeout: s.cfg.Timeout,
	}
	p, err := s.openFn(cfg)
	if err != nil {
		return &Error{Kind: KindNoDevice, Op: "Open", Err: err}
	}
	s.port = p
	s.reader = bufio.NewReader(p)
	return nil
}

// Close closes the underlying port. A second call while already closed is a
// no-op success.
func (s *Serial) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	s.reader = nil
	if err != nil {
		return &Error{Kind: KindIO, Op: "Close", Err: err}
	}
	return nil
}

func (s *Serial) waitForCommandDelay() {
	if s.cfg.MinCommandDelay <= 0 || s.lastWriteEnd.IsZero() {
		return
	}
	elapsed := time.Since(s.lastWriteEnd)
	if elapsed < s.cfg.MinCommandDelay {
		time.Sleep(s.cfg.MinCommandDelay - elapsed)
	}
}

func (s *Serial) writeLocked(cmd string) error {
	if s.port == nil {
		return &Error{Kind: KindNoDevice, Op: "Write", Err: fmt.Errorf("port not open")}
	}
	s.waitForCommandDelay()
	_, err := io.WriteString(s.port, cmd+s.cfg.Terminator)
	s.lastWriteEnd = time.Now()
	if err != nil {
		return &Error{Kind: KindIO, Op: "Write", Err: err}
	}
	return nil
}

// Write sends cmd, fire-and-forget, honoring the per-command minimum delay.
func (s *Serial) Write(ctx context.Context, cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(cmd)
}

// Query writes cmd and reads a line up to the terminator, stripped.
func (s *Serial) Query(ctx context.Context, cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeLocked(cmd); err != nil {
		return "", err
	}
	line, err := s.readLineLocked()
	if err != nil {
		return "", err
	}
	return line, nil
}

// QueryBinary writes cmd and reads the raw bytes of a definite-length block:
// '#', one digit width, that many digits of length, then the payload and an
// optional trailing terminator. The codec package interprets the framing;
// this only needs to know how many bytes to read off the wire.
func (s *Serial) QueryBinary(ctx context.Context, cmd string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeLocked(cmd); err != nil {
		return nil, err
	}
	return s.readBlockLocked()
}

func (s *Serial) readLineLocked() (string, error) {
	if s.reader == nil {
		return "", &Error{Kind: KindNoDevice, Op: "Query", Err: fmt.Errorf("port not open")}
	}
	term := s.cfg.Terminator
	if term == "" {
		term = "\n"
	}
	delim := term[len(term)-1]
	line, err := s.reader.ReadString(delim)
	if err != nil {
		if err == io.EOF {
			return "", &Error{Kind: KindNoDevice, Op: "Query", Err: err}
		}
		return "", &Error{Kind: KindTerminatorTimeout, Op: "Query", Err: err}
	}
	return strings.TrimRight(line, term), nil
}

func (s *Serial) readBlockLocked() ([]byte, error) {
	if s.reader == nil {
		return nil, &Error{Kind: KindNoDevice, Op: "QueryBinary", Err: fmt.Errorf("port not open")}
	}
	hash, err := s.reader.ReadByte()
	if err != nil {
		return nil, &Error{Kind: KindIO, Op: "QueryBinary", Err: err}
	}
	if hash != '#' {
		return nil, &Error{Kind: KindProtocolFraming, Op: "QueryBinary", Err: fmt.Errorf("expected '#', got %q", hash)}
	}
	widthDigit, err := s.reader.ReadByte()
	if err != nil {
		return nil, &Error{Kind: KindIO, Op: "QueryBinary", Err: err}
	}
	width := int(widthDigit - '0')
	if width <= 0 || width > 9 {
		return nil, &Error{Kind: KindProtocolFraming, Op: "QueryBinary", Err: fmt.Errorf("bad length-field width %q", widthDigit)}
	}
	lenBuf := make([]byte, width)
	if _, err := io.ReadFull(s.reader, lenBuf); err != nil {
		return nil, &Error{Kind: KindIO, Op: "QueryBinary", Err: err}
	}
	var payloadLen int
	if _, err := fmt.Sscanf(string(lenBuf), "%d", &payloadLen); err != nil {
		return nil, &Error{Kind: KindProtocolFraming, Op: "QueryBinary", Err: err}
	}
	out := make([]byte, 0, 2+width+payloadLen+1)
	out = append(out, hash, widthDigit)
	out = append(out, lenBuf...)
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(s.reader, payload); err != nil {
		return nil, &Error{Kind: KindIO, Op: "QueryBinary", Err: err}
	}
	out = append(out, payload...)
	// Consume an optional trailing terminator byte without failing if absent.
	if b, err := s.reader.Peek(1); err == nil && len(b) == 1 && string(b) == s.cfg.Terminator {
		s.reader.Discard(1)
		out = append(out, b[0])
	}
	return out, nil
}
