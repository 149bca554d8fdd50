package ota

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"io"
	"sync"
	"time"

	"github.com/device-cloud/gateway/pkg/coap"
	"github.com/device-cloud/gateway/pkg/log"
	"github.com/device-cloud/gateway/pkg/session"
)

// Protocol constants fixed by deployed device firmware.
const (
	DefaultChunkSize = 256
	MaxChunkSize     = 594

	// MaxMissedChunks bounds the number of concurrently outstanding
	// fast-OTA misses before the job is aborted as unrecoverable.
	MaxMissedChunks = 10

	// OverallTimeout bounds the chunk-send and drain phases, measured
	// from the moment UpdateReady negotiates the protocol.
	OverallTimeout = 60 * time.Second

	// UpdateReady retry schedule: three 6s waits, then one final 90s
	// wait, resending UpdateBegin before each retry.
	updateReadyRetryWait  = 6 * time.Second
	updateReadyFinalWait  = 90 * time.Second
	updateReadyRetryCount = 3

	drainWait   = 3 * time.Second
	drainRounds = 3

	flagsFastOTASupported = 1 << 0

	chunkStatusOK = 0x00

	ownerDefault = "ota"
)

// Options configures a single OTA job.
type Options struct {
	// ChunkSize defaults to DefaultChunkSize when zero; must not exceed
	// MaxChunkSize.
	ChunkSize uint16

	DestFlag uint8
	DestAddr uint32

	// IgnoreMissedChunks, when true, drops inbound ChunkMissed reports
	// entirely while not running in fast OTA mode.
	IgnoreMissedChunks bool

	// Owner identifies this Flasher's ownership claim on the
	// DeviceSession. Defaults to "ota".
	Owner string

	// Closer, if non-nil, is closed exactly once when Run returns,
	// regardless of outcome. Use it when Firmware is backed by an open
	// file rather than an in-memory buffer.
	Closer io.Closer
}

// Flasher orchestrates one OTA job over a DeviceSession it has claimed
// exclusive ownership of. Construct a new Flasher per job; it is
// discarded after Run returns.
type Flasher struct {
	sess     *session.DeviceSession
	firmware []byte
	opts     Options
	logger   log.Logger

	mu           sync.Mutex
	missedChunks map[uint16]struct{}
	fastOTA      bool

	fatalCh chan error
}

// New constructs a Flasher for firmware over sess. logger may be nil.
func New(sess *session.DeviceSession, firmware []byte, opts Options, logger log.Logger) (*Flasher, error) {
	if len(firmware) == 0 {
		return nil, ErrEmptyFirmware
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkSize > MaxChunkSize {
		return nil, ErrChunkSizeTooLarge
	}
	if opts.Owner == "" {
		opts.Owner = ownerDefault
	}
	return &Flasher{
		sess:     sess,
		firmware: firmware,
		opts:     opts,
		logger:   logger,
		fatalCh:  make(chan error, 1),
	}, nil
}

// Run drives the OTA job to completion: Claim, Prepare, Begin, the
// chunk send loop, Drain, and Finish. Cleanup (ownership release,
// closing Options.Closer) runs exactly once on every return path.
func (f *Flasher) Run(ctx context.Context) error {
	if !f.sess.TakeOwnership(f.opts.Owner) {
		return fail(CauseClaimDenied, ErrClaimDenied)
	}

	f.mu.Lock()
	f.missedChunks = make(map[uint16]struct{})
	f.mu.Unlock()

	f.sess.On(session.ChunkMissedEvent, f.onChunkMissed)

	defer func() {
		f.sess.ReleaseOwnership(f.opts.Owner)
		if f.opts.Closer != nil {
			f.opts.Closer.Close()
		}
	}()

	protocolVersion, err := f.begin(ctx)
	if err != nil {
		f.logOutcome(err)
		return err
	}
	fastOTA := protocolVersion > 0
	f.mu.Lock()
	f.fastOTA = fastOTA
	f.mu.Unlock()

	deadline := time.Now().Add(OverallTimeout)
	sendCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if err := f.sendLoop(sendCtx, fastOTA); err != nil {
		f.logOutcome(err)
		return err
	}

	if fastOTA {
		if err := f.drain(sendCtx); err != nil {
			f.logOutcome(err)
			return err
		}
	}

	if _, err := f.sess.SendMessage(coap.UpdateDone, nil, nil, f.opts.Owner); err != nil {
		wrapped := fail(CauseTimeout, err)
		f.logOutcome(wrapped)
		return wrapped
	}

	f.logOutcome(nil)
	return nil
}

// begin implements the Begin step: send UpdateBegin, await UpdateReady
// xor UpdateAbort, resending on timeout per the retry schedule.
func (f *Flasher) begin(ctx context.Context) (uint8, error) {
	payload := make([]byte, 12)
	payload[0] = flagsFastOTASupported
	binary.BigEndian.PutUint16(payload[1:3], f.opts.ChunkSize)
	binary.BigEndian.PutUint32(payload[3:7], uint32(len(f.firmware)))
	payload[7] = f.opts.DestFlag
	binary.BigEndian.PutUint32(payload[8:12], f.opts.DestAddr)

	waits := make([]time.Duration, 0, updateReadyRetryCount+1)
	for i := 0; i < updateReadyRetryCount; i++ {
		waits = append(waits, updateReadyRetryWait)
	}
	waits = append(waits, updateReadyFinalWait)

	for _, wait := range waits {
		if _, err := f.sess.SendMessage(coap.UpdateBegin, nil, payload, f.opts.Owner); err != nil {
			return 0, fail(CauseBeginTimeout, err)
		}

		waitCtx, cancel := context.WithTimeout(ctx, wait)
		msg, name, err := awaitEither(waitCtx, f.sess, coap.UpdateReady, coap.UpdateAbort)
		cancel()

		if err == nil {
			switch name {
			case coap.UpdateReady:
				if len(msg.Payload) < 1 {
					return 0, fail(CauseBeginTimeout, ErrBeginTimeout)
				}
				return msg.Payload[0], nil
			case coap.UpdateAbort:
				reason := uint8(0)
				if len(msg.Payload) > 0 {
					reason = msg.Payload[0]
				}
				return 0, aborted(reason)
			}
		}

		if ctx.Err() != nil {
			return 0, fail(CauseTimeout, ctx.Err())
		}
	}
	return 0, fail(CauseBeginTimeout, ErrBeginTimeout)
}

// sendLoop implements the chunk send loop: read, pad, CRC, send, and
// (slow OTA only) await ChunkReceived before moving on.
func (f *Flasher) sendLoop(ctx context.Context, fastOTA bool) error {
	total := len(f.firmware)
	chunkSize := int(f.opts.ChunkSize)
	numChunks := (total + chunkSize - 1) / chunkSize

	for index := 0; index < numChunks; index++ {
		if err := f.checkFlood(); err != nil {
			return err
		}
		if err := f.sendChunk(ctx, uint16(index), !fastOTA); err != nil {
			return err
		}
	}
	return nil
}

// sendChunk reads and pads chunk index from the firmware buffer, sends
// it, and, when waitAck is set, blocks for the device's ChunkReceived.
func (f *Flasher) sendChunk(ctx context.Context, index uint16, waitAck bool) error {
	offset := int(index) * int(f.opts.ChunkSize)
	chunk := make([]byte, f.opts.ChunkSize)
	copy(chunk, f.firmwareAt(offset))

	// The final chunk is zero-padded to chunkSize above; device
	// firmware requires fixed-size chunks, so the CRC always covers
	// the full padded chunk rather than just the real payload bytes.
	crc := crc32.ChecksumIEEE(chunk)

	crcBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(crcBytes, crc)
	queries := [][]byte{crcBytes}
	if !waitAck {
		idxBytes := make([]byte, 2)
		binary.BigEndian.PutUint16(idxBytes, index)
		queries = append(queries, idxBytes)
	}

	if _, err := f.sess.SendMessageQuery(coap.Chunk, nil, queries, chunk, f.opts.Owner); err != nil {
		return fail(CauseTimeout, err)
	}

	if waitAck {
		msg, err := f.sess.ListenFor(ctx, coap.ChunkReceived, "", nil)
		if err != nil {
			return fail(CauseTimeout, err)
		}
		if len(msg.Payload) < 1 || msg.Payload[0] != chunkStatusOK {
			return fail(CauseChunkReceivedFail, ErrChunkReceivedFail)
		}
	}

	return nil
}

// firmwareAt returns the firmware bytes starting at offset, or nil if
// offset is past the end.
func (f *Flasher) firmwareAt(offset int) []byte {
	if offset >= len(f.firmware) {
		return nil
	}
	return f.firmware[offset:]
}

// drain implements the Drain step: wait for stragglers, then retry
// outstanding misses for up to drainRounds, waiting drainWait between
// rounds.
func (f *Flasher) drain(ctx context.Context) error {
	if err := sleep(ctx, drainWait); err != nil {
		return fail(CauseTimeout, err)
	}

	for round := 0; round < drainRounds; round++ {
		if err := f.checkFlood(); err != nil {
			return err
		}
		missed := f.takeMissedChunks()
		for _, index := range missed {
			if err := f.sendChunk(ctx, index, false); err != nil {
				return err
			}
		}
		if err := sleep(ctx, drainWait); err != nil {
			return fail(CauseTimeout, err)
		}
	}
	return f.checkFlood()
}

func (f *Flasher) takeMissedChunks() []uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()

	indexes := make([]uint16, 0, len(f.missedChunks))
	for idx := range f.missedChunks {
		indexes = append(indexes, idx)
	}
	f.missedChunks = make(map[uint16]struct{})
	return sortUint16(indexes)
}

func (f *Flasher) checkFlood() error {
	select {
	case err := <-f.fatalCh:
		return err
	default:
		return nil
	}
}

// onChunkMissed handles an inbound ChunkMissed message: it always acks
// immediately, then records each reported index unless running in
// slow OTA with IgnoreMissedChunks set.
func (f *Flasher) onChunkMissed(msg *coap.Message) {
	_, _ = f.sess.SendReply(coap.ChunkMissedAck, msg.Token, nil)

	if f.opts.IgnoreMissedChunks && !f.isFastOTA() {
		return
	}

	f.mu.Lock()
	for i := 0; i+1 < len(msg.Payload); i += 2 {
		f.missedChunks[binary.BigEndian.Uint16(msg.Payload[i:i+2])] = struct{}{}
	}
	count := len(f.missedChunks)
	f.mu.Unlock()

	if count > MaxMissedChunks {
		select {
		case f.fatalCh <- fail(CauseMissedChunkFlood, ErrMissedChunkFlood):
		default:
		}
	}
}

// isFastOTA reports whether fast OTA has negotiated. It is read by
// onChunkMissed, which may run concurrently with begin before
// negotiation completes; in that window it is treated as slow OTA.
func (f *Flasher) isFastOTA() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fastOTA
}

func (f *Flasher) logOutcome(err error) {
	if f.logger == nil {
		return
	}
	newState := "done"
	reason := ""
	if err != nil {
		newState = "failed"
		reason = err.Error()
	}
	f.logger.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerService,
		Category:  log.CategoryState,
		DeviceID:  f.sess.ID(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityOTA,
			OldState: "in-progress",
			NewState: newState,
			Reason:   reason,
		},
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sortUint16(vals []uint16) []uint16 {
	for i := 1; i < len(vals); i++ {
		for j := i; j > 0 && vals[j-1] > vals[j]; j-- {
			vals[j-1], vals[j] = vals[j], vals[j-1]
		}
	}
	return vals
}

type awaitResult struct {
	msg *coap.Message
	err error
}

// awaitEither blocks until a message matching a or b arrives, or ctx
// is done. It never resolves for an unrelated message name.
func awaitEither(ctx context.Context, sess *session.DeviceSession, a, b coap.Name) (*coap.Message, coap.Name, error) {
	chA := make(chan awaitResult, 1)
	chB := make(chan awaitResult, 1)

	go func() {
		msg, err := sess.ListenFor(ctx, a, "", nil)
		chA <- awaitResult{msg, err}
	}()
	go func() {
		msg, err := sess.ListenFor(ctx, b, "", nil)
		chB <- awaitResult{msg, err}
	}()

	select {
	case r := <-chA:
		if r.err != nil {
			return nil, "", r.err
		}
		return r.msg, a, nil
	case r := <-chB:
		if r.err != nil {
			return nil, "", r.err
		}
		return r.msg, b, nil
	}
}
