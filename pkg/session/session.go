package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/device-cloud/gateway/pkg/coap"
	devcrypto "github.com/device-cloud/gateway/pkg/crypto"
	"github.com/device-cloud/gateway/pkg/log"
	"github.com/device-cloud/gateway/pkg/transport"
)

// ChunkMissedEvent is the internal pseudo-event name DeviceSession emits
// whenever an inbound ChunkMissed message arrives, in addition to normal
// dispatch under the ChunkMissed symbolic name. Flasher listens on this
// to learn which chunks to retransmit without needing to know about
// CoAP framing itself.
const ChunkMissedEvent = "msg_chunkmissed"

// DisconnectEvent is the internal pseudo-event name fired exactly once,
// with a nil message, when the session closes for any reason. Use Err
// to retrieve the cause from within the handler.
const DisconnectEvent = "disconnect"

// Handler receives a dispatched message. msg is nil for DisconnectEvent.
type Handler func(msg *coap.Message)

// DeviceSession owns a device's encrypted socket after a successful
// handshake: it frames, deciphers, and decodes inbound bytes into CoAP
// messages, dispatches them to listeners and handlers in arrival order,
// and encrypts+frames outbound messages under single-owner exclusion.
type DeviceSession struct {
	conn         net.Conn
	framer       *transport.Framer
	cipher       *devcrypto.CipherStream
	decipher     *devcrypto.DecipherStream
	deviceID     string
	connectionID string
	logger       log.Logger

	writeMu   sync.Mutex
	messageID uint32

	ownerMu sync.Mutex
	owner   string

	waitersMu sync.Mutex
	waiters   []*waiter

	handlersMu sync.Mutex
	handlers   map[string][]Handler

	closeOnce sync.Once
	closeCh   chan struct{}

	errMu sync.Mutex
	err   error
}

type waiter struct {
	name  coap.Name
	uri   string
	token []byte
	ch    chan *coap.Message
}

// New constructs a DeviceSession. The decrypted but undispatched
// plaintext the handshake accumulated while waiting for the device's
// Hello is passed to Start, which replays it, in order, before reading
// any further frames from conn.
func New(conn net.Conn, framer *transport.Framer, cipher *devcrypto.CipherStream, decipher *devcrypto.DecipherStream, deviceID, connectionID string, logger log.Logger) *DeviceSession {
	return &DeviceSession{
		conn:         conn,
		framer:       framer,
		cipher:       cipher,
		decipher:     decipher,
		deviceID:     deviceID,
		connectionID: connectionID,
		logger:       logger,
		handlers:     make(map[string][]Handler),
		closeCh:      make(chan struct{}),
	}
}

// ID returns the device's canonical hex identifier.
func (s *DeviceSession) ID() string {
	return s.deviceID
}

// ConnectionKey returns the connection identifier assigned at accept
// time (the "_connectionKey" accessor).
func (s *DeviceSession) ConnectionKey() string {
	return s.connectionID
}

// Err returns the reason the session closed, or nil while it's still
// open.
func (s *DeviceSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Done returns a channel closed once the session has shut down.
func (s *DeviceSession) Done() <-chan struct{} {
	return s.closeCh
}

// On registers handler for eventName, which is either a symbolic CoAP
// message name cast to string, ChunkMissedEvent, or DisconnectEvent.
// Handlers for a given event fire in registration order.
func (s *DeviceSession) On(eventName string, handler Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[eventName] = append(s.handlers[eventName], handler)
}

// TakeOwnership grants owner exclusive sendMessage rights if no other
// owner currently holds them. Returns false if declined.
func (s *DeviceSession) TakeOwnership(owner string) bool {
	s.ownerMu.Lock()
	defer s.ownerMu.Unlock()
	if s.owner != "" && s.owner != owner {
		return false
	}
	s.owner = owner
	return true
}

// ReleaseOwnership releases owner's hold, if it is the current owner.
func (s *DeviceSession) ReleaseOwnership(owner string) {
	s.ownerMu.Lock()
	defer s.ownerMu.Unlock()
	if s.owner == owner {
		s.owner = ""
	}
}

func (s *DeviceSession) currentOwner() string {
	s.ownerMu.Lock()
	defer s.ownerMu.Unlock()
	return s.owner
}

// SendMessage serialises a CoAP request under name, encrypts and frames
// it, and writes it to the device. It returns false without writing if
// owner is not the current owner and an owner is set, or if the session
// is closed.
func (s *DeviceSession) SendMessage(name coap.Name, token []byte, payload []byte, owner string) (bool, error) {
	if current := s.currentOwner(); current != "" && current != owner {
		return false, nil
	}
	return s.write(name, token, nil, payload)
}

// SendMessageQuery is SendMessage with additional Uri-Query option values,
// used by Flasher to carry a Chunk's CRC and, in fast OTA, its index.
func (s *DeviceSession) SendMessageQuery(name coap.Name, token []byte, queries [][]byte, payload []byte, owner string) (bool, error) {
	if current := s.currentOwner(); current != "" && current != owner {
		return false, nil
	}
	return s.write(name, token, queries, payload)
}

// SendReply answers an inbound request with a response-shaped message,
// bypassing ownership checks since it is a direct reply rather than new
// outbound traffic.
func (s *DeviceSession) SendReply(name coap.Name, token []byte, payload []byte) (bool, error) {
	return s.write(name, token, nil, payload)
}

func (s *DeviceSession) write(name coap.Name, token []byte, queries [][]byte, payload []byte) (bool, error) {
	select {
	case <-s.closeCh:
		return false, ErrClosed
	default:
	}

	id := uint16(atomic.AddUint32(&s.messageID, 1))
	encoded, err := coap.EncodeNamedQuery(name, id, token, queries, payload)
	if err != nil {
		return false, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ciphertext := s.cipher.Seal(encoded)
	if err := s.framer.WriteFrame(ciphertext); err != nil {
		s.closeWith(fail(CauseIO, fmt.Errorf("%w: %v", ErrIO, err)))
		return false, err
	}
	s.logMessage(name, id, token, payload, log.DirectionOut)
	return true, nil
}

// ListenFor blocks until the next inbound message matching name (and,
// if non-empty, uri and token) arrives, or ctx is done. Multiple
// concurrent calls are allowed; when a matching message arrives, only
// the earliest-registered still-pending listener for it is resolved.
func (s *DeviceSession) ListenFor(ctx context.Context, name coap.Name, uri string, token []byte) (*coap.Message, error) {
	w := &waiter{name: name, uri: uri, token: token, ch: make(chan *coap.Message, 1)}

	s.waitersMu.Lock()
	s.waiters = append(s.waiters, w)
	s.waitersMu.Unlock()

	defer s.removeWaiter(w)

	select {
	case msg := <-w.ch:
		return msg, nil
	case <-s.closeCh:
		return nil, s.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *DeviceSession) removeWaiter(w *waiter) {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()
	for i, candidate := range s.waiters {
		if candidate == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// Start replays pendingBuffers in order, then reads and dispatches
// frames from conn until ctx is cancelled or the session fails. It
// blocks until the session closes.
func (s *DeviceSession) Start(ctx context.Context, pendingBuffers [][]byte) {
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-s.closeCh:
		}
	}()

	for _, plaintext := range pendingBuffers {
		if !s.dispatchPlaintext(plaintext) {
			return
		}
	}

	for {
		frame, err := s.framer.ReadFrame()
		if errors.Is(err, transport.ErrSocketPing) {
			continue
		}
		if err != nil {
			s.closeWith(fail(CauseIO, fmt.Errorf("%w: %v", ErrIO, err)))
			return
		}
		plaintext, err := s.decipher.Open(frame)
		if err != nil {
			s.closeWith(fail(CauseCounterMismatch, fmt.Errorf("%w: %v", ErrCounterMismatch, err)))
			return
		}
		if !s.dispatchPlaintext(plaintext) {
			return
		}
	}
}

// dispatchPlaintext decodes one decrypted message and dispatches it.
// Returns false if the session closed as a result (malformed message).
func (s *DeviceSession) dispatchPlaintext(plaintext []byte) bool {
	msg, err := coap.Decode(plaintext)
	if err != nil {
		s.closeWith(fail(CauseMalformed, fmt.Errorf("%w: %v", ErrMalformed, err)))
		return false
	}

	name, ok := coap.IdentifyMessage(msg)
	s.logMessage(name, msg.MessageID, msg.Token, msg.Payload, log.DirectionIn)
	if !ok {
		// Unrecognised message names are tolerated: firmware may send
		// application-level extensions the core doesn't need to act on.
		return true
	}

	s.resolveWaiter(name, msg)

	if name == coap.ChunkMissed {
		s.invokeHandlers(ChunkMissedEvent, msg)
	}
	s.invokeHandlers(string(name), msg)
	return true
}

func (s *DeviceSession) resolveWaiter(name coap.Name, msg *coap.Message) {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()

	for i, w := range s.waiters {
		if w.name != name {
			continue
		}
		if w.uri != "" && w.uri != msg.URIPath() {
			continue
		}
		if len(w.token) > 0 && string(w.token) != string(msg.Token) {
			continue
		}
		w.ch <- msg
		s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
		return
	}
}

func (s *DeviceSession) invokeHandlers(eventName string, msg *coap.Message) {
	s.handlersMu.Lock()
	handlers := append([]Handler(nil), s.handlers[eventName]...)
	s.handlersMu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

// Close tears the session down for an external reason (e.g. the server
// is shutting down). It is idempotent.
func (s *DeviceSession) Close() error {
	s.closeWith(fail(CauseClosed, ErrClosed))
	return nil
}

func (s *DeviceSession) closeWith(cause *Error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = cause
		s.errMu.Unlock()

		s.conn.Close()
		close(s.closeCh)

		s.logDisconnect(cause)
		s.invokeHandlers(DisconnectEvent, nil)
	})
}

func (s *DeviceSession) logMessage(name coap.Name, messageID uint16, token []byte, payload []byte, dir log.Direction) {
	if s.logger == nil {
		return
	}
	s.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: s.connectionID,
		Direction:    dir,
		Layer:        log.LayerWire,
		Category:     log.CategoryMessage,
		DeviceID:     s.deviceID,
		Message: &log.MessageEvent{
			MessageID: messageID,
			Name:      name,
			Token:     token,
			Payload:   payload,
		},
	})
}

func (s *DeviceSession) logDisconnect(cause *Error) {
	if s.logger == nil {
		return
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	s.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: s.connectionID,
		Direction:    log.DirectionIn,
		Layer:        log.LayerService,
		Category:     log.CategoryState,
		DeviceID:     s.deviceID,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySession,
			OldState: "open",
			NewState: "closed",
			Reason:   reason,
		},
	})
}
