package handshake

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"time"

	devcrypto "github.com/device-cloud/gateway/pkg/crypto"
	"github.com/device-cloud/gateway/pkg/keystore"
	"github.com/device-cloud/gateway/pkg/log"
	"github.com/device-cloud/gateway/pkg/transport"
)

// Wire sizes fixed by deployed device firmware.
const (
	NonceSize        = 40
	DeviceIDSize     = 12
	CoreIDBlobSize   = 256
	MinCoreIDPayload = NonceSize + DeviceIDSize

	// GlobalTimeout bounds the entire exchange.
	GlobalTimeout = 10 * time.Second

	// ReadTimeout bounds a single blocking read within the handshake.
	ReadTimeout = 30 * time.Second

	// helloDrainInterval bounds how long Run waits, after the Hello
	// arrives, to see whether the device already has more frames queued.
	helloDrainInterval = 20 * time.Millisecond
)

// Result is handed to the caller on a successful handshake. DeviceSession
// is built from it.
type Result struct {
	DeviceID        string
	Framer          *transport.Framer
	CipherStream    *devcrypto.CipherStream
	DecipherStream  *devcrypto.DecipherStream
	SessionKey      devcrypto.SessionKey
	HandshakeBuffer []byte
	PendingBuffers  [][]byte
}

// Run executes the five-step handshake on conn. It always leaves conn
// open on success and closed on failure. connectionID and logger are
// used for structured handshake logging only; logger may be nil.
func Run(ctx context.Context, conn net.Conn, store keystore.Store, logger log.Logger, connectionID string) (*Result, error) {
	deadline := time.Now().Add(GlobalTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	result, err := run(conn, store, deadline)
	if err != nil {
		conn.Close()
		logHandshakeFailure(logger, connectionID, conn, err)
		return nil, err
	}

	logHandshakeSuccess(logger, connectionID, conn, result.DeviceID)
	return result, nil
}

func run(conn net.Conn, store keystore.Store, deadline time.Time) (*Result, error) {
	nonce, err := sendNonce(conn, deadline)
	if err != nil {
		return nil, err
	}

	plaintext, err := readCoreID(conn, store, deadline)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(plaintext[:NonceSize], nonce) {
		return nil, fail(StageReadCoreID, ErrNonceMismatch)
	}
	deviceID := hex.EncodeToString(plaintext[NonceSize:MinCoreIDPayload])

	deviceKey, err := getCoreKey(store, deviceID, plaintext[MinCoreIDPayload:])
	if err != nil {
		return nil, err
	}

	sessionKey, decipherStream, err := sendSessionKey(conn, store, deviceKey, deadline)
	if err != nil {
		return nil, err
	}

	framer := transport.NewFramer(conn)
	cipherStream, pending, err := sendHello(conn, framer, sessionKey, decipherStream, deadline)
	if err != nil {
		return nil, err
	}

	return &Result{
		DeviceID:        deviceID,
		Framer:          framer,
		CipherStream:    cipherStream,
		DecipherStream:  decipherStream,
		SessionKey:      sessionKey,
		HandshakeBuffer: plaintext,
		PendingBuffers:  pending,
	}, nil
}

// sendNonce implements step 1: send-nonce.
func sendNonce(conn net.Conn, deadline time.Time) ([]byte, error) {
	nonce, err := devcrypto.RandomBytes(NonceSize)
	if err != nil {
		return nil, fail(StageSendNonce, err)
	}
	if err := setDeadline(conn, deadline, ReadTimeout); err != nil {
		return nil, fail(StageSendNonce, err)
	}
	if _, err := conn.Write(nonce); err != nil {
		return nil, fail(StageSendNonce, err)
	}
	return nonce, nil
}

// readCoreID implements step 2: read-core-id.
func readCoreID(conn net.Conn, store keystore.Store, deadline time.Time) ([]byte, error) {
	if err := setDeadline(conn, deadline, ReadTimeout); err != nil {
		return nil, fail(StageReadCoreID, err)
	}

	blob := make([]byte, CoreIDBlobSize)
	if _, err := readFull(conn, blob); err != nil {
		return nil, fail(StageReadCoreID, classifyTimeout(err))
	}

	plaintext, err := store.ServerKeyPair().Decrypt(blob)
	if err != nil {
		return nil, fail(StageReadCoreID, fmt.Errorf("%w: %v", ErrDecrypt, err))
	}
	if len(plaintext) < MinCoreIDPayload {
		return nil, fail(StageReadCoreID, fmt.Errorf("%w: payload too short (%d bytes)", ErrMalformed, len(plaintext)))
	}
	return plaintext, nil
}

// getCoreKey implements step 3: get-core-key.
func getCoreKey(store keystore.Store, deviceID string, derSuffix []byte) (*devcrypto.DeviceKey, error) {
	var provided *devcrypto.DeviceKey
	if len(derSuffix) > 0 {
		key, err := devcrypto.ParseDeviceKeyDER(derSuffix)
		if err != nil {
			return nil, fail(StageGetCoreKey, fmt.Errorf("%w: %v", ErrMalformed, err))
		}
		provided = key
	}

	existing, err := store.GetDeviceKey(deviceID)
	switch {
	case err == nil:
		if provided != nil {
			if err := store.SaveDeviceKey(deviceID, provided); err != nil {
				return nil, fail(StageGetCoreKey, err)
			}
			return provided, nil
		}
		return existing, nil
	case provided != nil:
		if err := store.SaveDeviceKey(deviceID, provided); err != nil {
			return nil, fail(StageGetCoreKey, err)
		}
		return provided, nil
	default:
		return nil, fail(StageGetCoreKey, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID))
	}
}

// sendSessionKey implements step 4: send-session-key. It only sets up
// the device->server DecipherStream; the server->device CipherStream is
// not keyed until send-hello, since its counter is chosen independently
// of the negotiated session key.
func sendSessionKey(conn net.Conn, store keystore.Store, deviceKey *devcrypto.DeviceKey, deadline time.Time) (devcrypto.SessionKey, *devcrypto.DecipherStream, error) {
	var zero devcrypto.SessionKey

	sessionKeyBlob, err := devcrypto.RandomBytes(devcrypto.SessionKeySize)
	if err != nil {
		return zero, nil, fail(StageSendSessionKey, err)
	}
	sessionKey, err := devcrypto.ParseSessionKey(sessionKeyBlob)
	if err != nil {
		return zero, nil, fail(StageSendSessionKey, err)
	}

	ciphertext, err := deviceKey.Encrypt(sessionKeyBlob)
	if err != nil {
		return zero, nil, fail(StageSendSessionKey, err)
	}

	digest := devcrypto.HMACSHA1(sessionKeyBlob, ciphertext)
	signature, err := store.ServerKeyPair().Sign(digest)
	if err != nil {
		return zero, nil, fail(StageSendSessionKey, err)
	}

	response := make([]byte, 0, len(ciphertext)+len(signature))
	response = append(response, ciphertext...)
	response = append(response, signature...)

	if err := setDeadline(conn, deadline, ReadTimeout); err != nil {
		return zero, nil, fail(StageSendSessionKey, err)
	}
	if _, err := conn.Write(response); err != nil {
		return zero, nil, fail(StageSendSessionKey, err)
	}

	decipherStream, err := devcrypto.NewDecipherStream(sessionKey, sessionKey.CounterSeed())
	if err != nil {
		return zero, nil, fail(StageSendSessionKey, err)
	}

	return sessionKey, decipherStream, nil
}

// sendHello implements step 5: send-hello. The server's own Hello is
// encrypted under the session key's known counter seed, the one value
// both sides can derive without having talked yet, and its payload
// carries a freshly-generated random counter. Once that Hello is on the
// wire, the server->device stream is reseeded to the announced value, so
// every message after the Hello uses an unpredictable starting point
// instead of one derivable from the session key alone. sendHello then
// waits for the device's Hello and drains any further frames already
// queued on the socket, so DeviceSession receives them in arrival order.
func sendHello(conn net.Conn, framer *transport.Framer, sessionKey devcrypto.SessionKey, decipher *devcrypto.DecipherStream, deadline time.Time) (*devcrypto.CipherStream, [][]byte, error) {
	announcedCounter, err := devcrypto.RandomBytes(4)
	if err != nil {
		return nil, nil, fail(StageSendHello, err)
	}
	nextCounter := uint32(announcedCounter[0])<<24 | uint32(announcedCounter[1])<<16 | uint32(announcedCounter[2])<<8 | uint32(announcedCounter[3])

	cipherStream, err := devcrypto.NewCipherStream(sessionKey, sessionKey.CounterSeed())
	if err != nil {
		return nil, nil, fail(StageSendHello, err)
	}

	if err := setDeadline(conn, deadline, ReadTimeout); err != nil {
		return nil, nil, fail(StageSendHello, err)
	}
	hello := cipherStream.Seal(announcedCounter)
	if err := framer.WriteFrame(hello); err != nil {
		return nil, nil, fail(StageSendHello, err)
	}
	cipherStream.Reseed(nextCounter)

	var frame []byte
	for {
		frame, err = framer.ReadFrame()
		if errors.Is(err, transport.ErrSocketPing) {
			continue
		}
		if err != nil {
			return nil, nil, fail(StageSendHello, classifyTimeout(err))
		}
		break
	}
	plaintext, err := decipher.Open(frame)
	if err != nil {
		return nil, nil, fail(StageSendHello, fmt.Errorf("%w: %v", ErrDecrypt, err))
	}

	pending := [][]byte{plaintext}

	for {
		drainDeadline := time.Now().Add(helloDrainInterval)
		if drainDeadline.After(deadline) {
			drainDeadline = deadline
		}
		if err := conn.SetReadDeadline(drainDeadline); err != nil {
			return nil, nil, fail(StageSendHello, err)
		}

		frame, err := framer.ReadFrame()
		if errors.Is(err, transport.ErrSocketPing) {
			continue
		}
		if err != nil {
			if isTimeout(err) {
				break
			}
			return nil, nil, fail(StageSendHello, classifyTimeout(err))
		}
		plaintext, err := decipher.Open(frame)
		if err != nil {
			return nil, nil, fail(StageSendHello, fmt.Errorf("%w: %v", ErrDecrypt, err))
		}
		pending = append(pending, plaintext)
	}

	// Clear the handshake deadlines so they do not bound the session.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, nil, fail(StageSendHello, err)
	}

	return cipherStream, pending, nil
}

func setDeadline(conn net.Conn, global time.Time, perStage time.Duration) error {
	d := time.Now().Add(perStage)
	if global.Before(d) {
		d = global
	}
	return conn.SetDeadline(d)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func classifyTimeout(err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func logHandshakeFailure(logger log.Logger, connectionID string, conn net.Conn, err error) {
	if logger == nil {
		return
	}
	msg := err.Error()
	logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connectionID,
		Direction:    log.DirectionIn,
		Layer:        log.LayerService,
		Category:     log.CategoryError,
		RemoteAddr:   remoteAddrString(conn),
		Error: &log.ErrorEventData{
			Layer:   log.LayerService,
			Message: msg,
			Context: "handshake",
		},
	})
}

func logHandshakeSuccess(logger log.Logger, connectionID string, conn net.Conn, deviceID string) {
	if logger == nil {
		return
	}
	logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connectionID,
		Direction:    log.DirectionIn,
		Layer:        log.LayerService,
		Category:     log.CategoryState,
		DeviceID:     deviceID,
		RemoteAddr:   remoteAddrString(conn),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityHandshake,
			OldState: "in-progress",
			NewState: "done",
		},
	})
}

func remoteAddrString(conn net.Conn) string {
	if conn == nil {
		return ""
	}
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	return addr.String()
}
