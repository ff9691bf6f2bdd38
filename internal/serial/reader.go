package serial

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	goserial "go.bug.st/serial"
	"k8s.io/utils/clock"
)

const (
	// DefaultPort is the device node of the sensor board
	DefaultPort = "/dev/ttyACM0"

	// DefaultBaudRate is the baud rate the sensor board firmware uses
	DefaultBaudRate = 115200

	// DefaultReadTimeout bounds a single ReadLine call
	DefaultReadTimeout = time.Second

	// maxLineLength is the number of bytes without a newline after which the
	// pending data is discarded
	maxLineLength = 4096

	readChunkSize = 256
)

var (
	// ErrTimeout is returned when no complete line arrived within the read timeout
	ErrTimeout = errors.New("serial read timeout")

	// ErrIO is returned when the device cannot be read, the reader must be
	// reconnected before it can be used again
	ErrIO = errors.New("serial i/o failure")

	// ErrNotOpen is returned when reading from a reader that has no open port
	ErrNotOpen = errors.New("serial port is not open")
)

// Port is the subset of a serial port handle used by the Reader
type Port interface {
	io.ReadCloser
	SetReadTimeout(t time.Duration) error
}

// OpenFunc opens the device at path using the given baud rate
type OpenFunc func(path string, baudRate int) (Port, error)

// WithLogger sets the logger for the reader
func WithLogger(logger *slog.Logger) func(r *Reader) {
	return func(r *Reader) {
		r.logger = logger.With(slog.String("link", "serial"), slog.String("port", r.path))
	}
}

// WithReadTimeout sets the upper bound of a single ReadLine call
func WithReadTimeout(timeout time.Duration) func(r *Reader) {
	return func(r *Reader) {
		r.readTimeout = timeout
	}
}

// WithDecodePolicy sets how invalid UTF-8 input is handled
func WithDecodePolicy(policy DecodePolicy) func(r *Reader) {
	return func(r *Reader) {
		r.policy = policy
	}
}

// WithOpenFunc replaces the function used to open the device
func WithOpenFunc(open OpenFunc) func(r *Reader) {
	return func(r *Reader) {
		r.open = open
	}
}

// WithClock sets the clock used to enforce the read timeout
func WithClock(c clock.PassiveClock) func(r *Reader) {
	return func(r *Reader) {
		r.clock = c
	}
}

// Reader owns a serial device connection and turns the byte stream into
// decoded text lines. It is not safe for concurrent use.
type Reader struct {
	path     string
	baudRate int

	readTimeout time.Duration
	policy      DecodePolicy
	open        OpenFunc
	clock       clock.PassiveClock

	port    Port
	pending []byte
	chunk   []byte

	logger *slog.Logger
}

// NewReader creates a Reader for the device at path. The device is not opened
// until Open is called.
func NewReader(path string, baudRate int, options ...func(r *Reader)) *Reader {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // nil logger

	r := Reader{
		path:        path,
		baudRate:    baudRate,
		readTimeout: DefaultReadTimeout,
		policy:      DecodeDrop,
		open:        openPort,
		clock:       clock.RealClock{},
		chunk:       make([]byte, readChunkSize),
		logger:      logger,
	}

	for _, option := range options {
		option(&r)
	}

	return &r
}

func openPort(path string, baudRate int) (Port, error) {
	p, err := goserial.Open(path, &goserial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   goserial.NoParity,
		StopBits: goserial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Open opens the device, closing any handle that is already open. Partial
// line data from a previous connection is discarded.
func (r *Reader) Open() error {
	if r.port != nil {
		if err := r.port.Close(); err != nil {
			r.logger.Warn(fmt.Sprintf("closing stale port: %s", err.Error()))
		}
		r.port = nil
	}
	r.pending = r.pending[:0]

	p, err := r.open(r.path, r.baudRate)
	if err != nil {
		return fmt.Errorf("opening serial port %s: %w", r.path, err)
	}

	if err = p.SetReadTimeout(r.readTimeout); err != nil {
		_ = p.Close()
		return fmt.Errorf("setting read timeout on %s: %w", r.path, err)
	}

	r.port = p
	r.logger.Info(fmt.Sprintf("connected to serial port at %d baud", r.baudRate))

	return nil
}

// Reconnect closes the current handle, if any, and opens the device again.
// It makes a single attempt.
func (r *Reader) Reconnect() error {
	return r.Open()
}

// ReadLine returns the next complete line with surrounding whitespace removed.
// It returns an error wrapping ErrTimeout if no complete line arrived within
// the read timeout, and an error wrapping ErrIO if the device failed.
func (r *Reader) ReadLine() (string, error) {
	if r.port == nil {
		return "", fmt.Errorf("%w: %w", ErrIO, ErrNotOpen)
	}

	deadline := r.clock.Now().Add(r.readTimeout)
	for {
		if line, ok := r.nextLine(); ok {
			return line, nil
		}

		n, err := r.port.Read(r.chunk)
		if err != nil {
			return "", fmt.Errorf("%w: reading %s: %w", ErrIO, r.path, err)
		}
		if n == 0 {
			return "", ErrTimeout // port read timeout elapsed without data
		}

		r.pending = append(r.pending, r.chunk[:n]...)

		if len(r.pending) > maxLineLength && bytes.IndexByte(r.pending, '\n') < 0 {
			r.logger.Warn("discarding oversized line", slog.Int("bytes", len(r.pending)))
			r.pending = r.pending[:0]
		}

		if !r.clock.Now().Before(deadline) {
			if line, ok := r.nextLine(); ok {
				return line, nil
			}
			return "", ErrTimeout
		}
	}
}

// nextLine pops the first complete line off the pending buffer
func (r *Reader) nextLine() (string, bool) {
	i := bytes.IndexByte(r.pending, '\n')
	if i < 0 {
		return "", false
	}

	line := r.policy.Decode(r.pending[:i])
	n := copy(r.pending, r.pending[i+1:])
	r.pending = r.pending[:n]

	return strings.TrimSpace(line), true
}

// IsOpen returns true if the reader holds an open port
func (r *Reader) IsOpen() bool {
	return r.port != nil
}

// Close closes the port. It is safe to call Close on a closed reader.
func (r *Reader) Close() error {
	if r.port == nil {
		return nil
	}

	err := r.port.Close()
	r.port = nil
	r.pending = r.pending[:0]

	if err != nil {
		return fmt.Errorf("closing serial port %s: %w", r.path, err)
	}
	return nil
}
