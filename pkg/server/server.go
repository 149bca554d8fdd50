package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/device-cloud/gateway/pkg/coap"
	"github.com/device-cloud/gateway/pkg/handshake"
	"github.com/device-cloud/gateway/pkg/keystore"
	"github.com/device-cloud/gateway/pkg/log"
	"github.com/device-cloud/gateway/pkg/pubsub"
	"github.com/device-cloud/gateway/pkg/session"
)

// Lifecycle event names published on the gateway's event bus. These are
// internal events (Metadata.IsInternal), distinct from the device-facing
// spark/... event namespace a session publishes through FunctionCall/
// Event messages.
const (
	EventDeviceConnected       = "device/connected"
	EventDeviceDisconnected    = "device/disconnected"
	EventDeviceHandshakeFailed = "device/handshake-failed"
)

// Options configures a DeviceServer.
type Options struct {
	// ListenAddress is the TCP address to accept connections on.
	ListenAddress string

	// MaxConnections caps concurrently accepted connections. Connections
	// beyond the cap are accepted then immediately closed, so well-behaved
	// clients see a clean connection reset rather than a hung accept.
	MaxConnections int

	// HandshakeTimeout bounds the five-step handshake exchange, run
	// before a connection counts toward an owning DeviceSession.
	HandshakeTimeout time.Duration
}

// DeviceServer accepts device connections, runs the handshake on each,
// and hands the result off to a DeviceSession for the life of the
// connection.
type DeviceServer struct {
	store     keystore.Store
	publisher *pubsub.Publisher
	logger    log.Logger
	opts      Options

	mu       sync.RWMutex
	listener net.Listener
	sessions map[string]*session.DeviceSession
	started  bool

	activeConns atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a DeviceServer. publisher and logger may be nil.
func New(store keystore.Store, publisher *pubsub.Publisher, logger log.Logger, opts Options) *DeviceServer {
	return &DeviceServer{
		store:     store,
		publisher: publisher,
		logger:    logger,
		opts:      opts,
		sessions:  make(map[string]*session.DeviceSession),
	}
}

// Start binds the listen address and begins accepting connections in a
// background goroutine. It returns once the listener is bound.
func (s *DeviceServer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}

	listener, err := net.Listen("tcp", s.opts.ListenAddress)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Shutdown stops accepting new connections, closes every open
// DeviceSession, and waits for all connection goroutines to exit or ctx
// to expire, whichever comes first.
func (s *DeviceServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.started = false
	cancel := s.cancel
	listener := s.listener
	s.mu.Unlock()

	cancel()
	listener.Close()

	for _, sess := range s.allSessions() {
		sess.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the bound listen address. Valid only after Start returns
// successfully.
func (s *DeviceServer) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listener.Addr()
}

// ActiveConnections reports the current count of accepted, still-open
// connections (handshaking or running).
func (s *DeviceServer) ActiveConnections() int32 {
	return s.activeConns.Load()
}

// Session looks up a live DeviceSession by the connection ID assigned at
// accept time.
func (s *DeviceServer) Session(connectionID string) (*session.DeviceSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[connectionID]
	return sess, ok
}

func (s *DeviceServer) allSessions() []*session.DeviceSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*session.DeviceSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *DeviceServer) acceptLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				continue
			}
		}

		if s.activeConns.Load() >= int32(s.opts.MaxConnections) {
			conn.Close()
			continue
		}
		s.activeConns.Add(1)

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *DeviceServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.activeConns.Add(-1)

	connectionID := uuid.NewString()

	hsCtx := s.ctx
	if s.opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hsCtx, cancel = context.WithTimeout(s.ctx, s.opts.HandshakeTimeout)
		defer cancel()
	}

	result, err := handshake.Run(hsCtx, conn, s.store, s.logger, connectionID)
	if err != nil {
		s.publishHandshakeFailed(connectionID, conn, err)
		return
	}

	sess := session.New(conn, result.Framer, result.CipherStream, result.DecipherStream, result.DeviceID, connectionID, s.logger)
	s.addSession(connectionID, sess)
	defer s.removeSession(connectionID)

	sess.On(session.DisconnectEvent, func(*coap.Message) {
		s.publishDisconnected(sess)
	})

	s.publishConnected(sess)
	sess.Start(s.ctx, result.PendingBuffers)
}

func (s *DeviceServer) addSession(connectionID string, sess *session.DeviceSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[connectionID] = sess
}

func (s *DeviceServer) removeSession(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, connectionID)
}

func (s *DeviceServer) publishConnected(sess *session.DeviceSession) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(pubsub.Event{
		Name:         EventDeviceConnected,
		DeviceID:     sess.ID(),
		ConnectionID: sess.ConnectionKey(),
		PublishedAt:  time.Now(),
	}, pubsub.Metadata{IsInternal: true})
}

func (s *DeviceServer) publishDisconnected(sess *session.DeviceSession) {
	if s.publisher == nil {
		return
	}
	reason := ""
	if err := sess.Err(); err != nil {
		reason = err.Error()
	}
	s.publisher.Publish(pubsub.Event{
		Name:         EventDeviceDisconnected,
		DeviceID:     sess.ID(),
		ConnectionID: sess.ConnectionKey(),
		PublishedAt:  time.Now(),
		Context:      map[string]any{"reason": reason},
	}, pubsub.Metadata{IsInternal: true})
}

func (s *DeviceServer) publishHandshakeFailed(connectionID string, conn net.Conn, err error) {
	if s.publisher != nil {
		s.publisher.Publish(pubsub.Event{
			Name:         EventDeviceHandshakeFailed,
			ConnectionID: connectionID,
			PublishedAt:  time.Now(),
			Context:      map[string]any{"reason": err.Error()},
		}, pubsub.Metadata{IsInternal: true})
	}
}
