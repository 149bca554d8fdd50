package transport

import (
	"crypto/aes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/device-cloud/gateway/pkg/log"
)

// Framing constants. The wire format is fixed by deployed device firmware:
// a 2-byte big-endian length prefix followed by exactly that many bytes of
// encrypted payload.
const (
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 2

	// DefaultMaxFrameSize is the largest frame this implementation will
	// read or write. It is well above anything a real session needs
	// (CoAP messages plus OTA chunk payloads) and exists only to bound
	// memory use against a misbehaving or hostile peer.
	DefaultMaxFrameSize = 8192

	// MaxLogFrameDataSize caps how much frame data is copied into a log
	// event. Larger frames are truncated in log events.
	MaxLogFrameDataSize = 2048
)

// Framing errors.
var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrFrameEmpty     = errors.New("zero-length frame is not permitted on the wire")
	ErrFrameTruncated = errors.New("frame truncated")

	// ErrFrameNotBlockAligned is returned when a frame's length is
	// neither zero (a SocketPing marker, see ErrSocketPing) nor a
	// positive multiple of the AES block size. Every real frame on this
	// wire is the output of CipherStream.Seal, which always PKCS7-pads
	// to a block boundary, so a length that fails this check can never
	// be a legitimate encrypted payload — it is either wire corruption
	// or a peer speaking a different protocol, and is rejected before
	// the reader commits to buffering it.
	ErrFrameNotBlockAligned = errors.New("frame length is not a multiple of the cipher block size")

	// ErrSocketPing is returned by ReadFrame when the frame it read was
	// a SocketPing liveness marker rather than an encrypted message: a
	// bare zero-length frame (length prefix 0x0000, no payload bytes).
	// Firmware emits these between real frames to keep idle connections
	// from being reclaimed; they carry no CoAP payload and were never
	// encrypted, so they are recognized at the length prefix instead of
	// being handed to the cipher. Callers should treat this as "no
	// message, connection still alive" rather than a failure.
	ErrSocketPing = errors.New("frame is a socket ping marker")
)

// FrameWriter writes length-prefixed frames to an underlying writer.
// Safe for concurrent use: writers of a single frame are serialized so a
// length prefix is never interleaved with a different frame's payload.
type FrameWriter struct {
	w        io.Writer
	maxFrame uint16
	mu       sync.Mutex
	logger   log.Logger
	connID   string
}

// NewFrameWriter creates a frame writer with the default maximum frame size.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w, maxFrame: DefaultMaxFrameSize}
}

// NewFrameWriterWithMaxSize creates a frame writer with a custom max size.
func NewFrameWriterWithMaxSize(w io.Writer, maxSize uint16) *FrameWriter {
	return &FrameWriter{w: w, maxFrame: maxSize}
}

// SetLogger configures logging for this writer. Pass nil to disable.
func (fw *FrameWriter) SetLogger(logger log.Logger, connID string) {
	fw.logger = logger
	fw.connID = connID
}

// WriteFrame writes a single length-prefixed frame. data must be the
// output of CipherStream.Seal: its length is validated as a positive
// multiple of the AES block size before anything is written, since that
// is the one shape every real frame on this wire can take.
func (fw *FrameWriter) WriteFrame(data []byte) error {
	if len(data) == 0 {
		return ErrFrameEmpty
	}
	if len(data)%aes.BlockSize != 0 {
		return fmt.Errorf("%w: length %d", ErrFrameNotBlockAligned, len(data))
	}
	if len(data) > int(fw.maxFrame) {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(data), fw.maxFrame)
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	return fw.writeLocked(data, log.DirectionOut)
}

// WriteSocketPing writes the bare zero-length frame marker deployed
// firmware uses as a connection liveness probe: a 2-byte 0x0000 length
// prefix with no payload and no encryption. It shares FrameWriter's
// write serialization with WriteFrame so a ping can never land between
// a real frame's length prefix and its payload.
func (fw *FrameWriter) WriteSocketPing() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	return fw.writeLocked(nil, log.DirectionOut)
}

func (fw *FrameWriter) writeLocked(data []byte, dir log.Direction) error {
	var lengthBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint16(lengthBuf[:], uint16(len(data)))

	if _, err := fw.w.Write(lengthBuf[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if len(data) > 0 {
		if _, err := fw.w.Write(data); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}

	if fw.logger != nil {
		fw.logger.Log(fw.frameEvent(data, dir))
	}
	return nil
}

func (fw *FrameWriter) frameEvent(data []byte, dir log.Direction) log.Event {
	return makeFrameEvent(fw.connID, data, dir)
}

// FrameReader reads length-prefixed frames from an underlying reader.
type FrameReader struct {
	r         io.Reader
	maxFrame  uint16
	lengthBuf [LengthPrefixSize]byte
	logger    log.Logger
	connID    string
}

// NewFrameReader creates a frame reader with the default maximum frame size.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r, maxFrame: DefaultMaxFrameSize}
}

// NewFrameReaderWithMaxSize creates a frame reader with a custom max size.
func NewFrameReaderWithMaxSize(r io.Reader, maxSize uint16) *FrameReader {
	return &FrameReader{r: r, maxFrame: maxSize}
}

// SetLogger configures logging for this reader. Pass nil to disable.
func (fr *FrameReader) SetLogger(logger log.Logger, connID string) {
	fr.logger = logger
	fr.connID = connID
}

// ReadFrame blocks until a complete frame has arrived and returns its
// payload, without the length prefix. A zero-length prefix is a
// SocketPing marker, not an error: ReadFrame returns a nil payload and
// ErrSocketPing so callers can tell the two apart.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.lengthBuf[:]); err != nil {
		if err == io.EOF {
			return nil, err
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("read length prefix: %w", err)
	}

	length := binary.BigEndian.Uint16(fr.lengthBuf[:])
	if length == 0 {
		if fr.logger != nil {
			fr.logger.Log(fr.frameEvent(nil, log.DirectionIn))
		}
		return nil, ErrSocketPing
	}
	if length%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: length %d", ErrFrameNotBlockAligned, length)
	}
	if length > fr.maxFrame {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, fr.maxFrame)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	if fr.logger != nil {
		fr.logger.Log(fr.frameEvent(payload, log.DirectionIn))
	}
	return payload, nil
}

func (fr *FrameReader) frameEvent(data []byte, dir log.Direction) log.Event {
	return makeFrameEvent(fr.connID, data, dir)
}

// makeFrameEvent builds the log event shared by both halves of a Framer.
// A SocketPing is logged with a zero-length frame (data is nil).
func makeFrameEvent(connID string, data []byte, dir log.Direction) log.Event {
	truncated := false
	frameData := data
	if len(data) > MaxLogFrameDataSize {
		frameData = data[:MaxLogFrameDataSize]
		truncated = true
	}
	return log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Direction:    dir,
		Layer:        log.LayerTransport,
		Category:     log.CategoryMessage,
		Frame: &log.FrameEvent{
			Size:      LengthPrefixSize + len(data),
			Data:      frameData,
			Truncated: truncated,
		},
	}
}

// Framer combines a FrameReader and FrameWriter over a single duplex
// stream, typically the device's AES cipher/decipher pair.
type Framer struct {
	*FrameReader
	*FrameWriter
}

// NewFramer wraps rw with the default max frame size.
func NewFramer(rw io.ReadWriter) *Framer {
	return &Framer{
		FrameReader: NewFrameReader(rw),
		FrameWriter: NewFrameWriter(rw),
	}
}

// NewFramerWithMaxSize wraps rw with a custom max frame size.
func NewFramerWithMaxSize(rw io.ReadWriter, maxSize uint16) *Framer {
	return &Framer{
		FrameReader: NewFrameReaderWithMaxSize(rw, maxSize),
		FrameWriter: NewFrameWriterWithMaxSize(rw, maxSize),
	}
}

// SetLogger configures logging on both halves of the framer.
func (f *Framer) SetLogger(logger log.Logger, connID string) {
	f.FrameReader.SetLogger(logger, connID)
	f.FrameWriter.SetLogger(logger, connID)
}

// FrameSize returns the total on-wire size of a frame carrying payloadSize
// bytes, including its length prefix.
func FrameSize(payloadSize int) int {
	return LengthPrefixSize + payloadSize
}
