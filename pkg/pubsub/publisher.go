package pubsub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/device-cloud/gateway/pkg/log"
)

const (
	requestPrefix  = "spark/device/req/"
	responsePrefix = "spark/device/resp/"

	// DefaultResponseTimeout is used by PublishAndListenForResponse
	// callers that don't supply their own timeout.
	DefaultResponseTimeout = 5 * time.Second
)

// SubscribeOptions configures a subscription: its exclusion filter and,
// optionally, a SubscriberID tag for bulk removal.
type SubscribeOptions struct {
	SubscriberID string
	Filter       FilterOptions
}

type subscription struct {
	id           string
	name         string
	handler      Handler
	filter       FilterOptions
	subscriberID string
}

// Publisher is the gateway's in-process event bus. It is safe for
// concurrent use. The zero value is not usable; construct with New.
type Publisher struct {
	mu   sync.Mutex
	subs []*subscription

	queue       []queuedEvent
	dispatching bool

	logger log.Logger
}

type queuedEvent struct {
	event Event
	meta  Metadata
}

// New constructs a Publisher. logger may be nil to disable logging of
// handler panics.
func New(logger log.Logger) *Publisher {
	return &Publisher{logger: logger}
}

// Subscribe registers handler to receive events whose name matches
// (exactly, or as a "/"-delimited prefix of) name, and that pass
// opts.Filter. Handlers for a single publish fire in subscription
// order. Returns a subscription id usable with Unsubscribe.
func (p *Publisher) Subscribe(name string, handler Handler, opts SubscribeOptions) string {
	sub := &subscription{
		id:           uuid.NewString(),
		name:         name,
		handler:      handler,
		filter:       opts.Filter,
		subscriberID: opts.SubscriberID,
	}

	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()

	return sub.id
}

// Unsubscribe removes the subscription with the given id. Returns
// false if no such subscription exists.
func (p *Publisher) Unsubscribe(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, sub := range p.subs {
		if sub.id == id {
			p.subs = append(p.subs[:i], p.subs[i+1:]...)
			return true
		}
	}
	return false
}

// UnsubscribeBySubscriberID removes every subscription tagged with
// sid, as referenced (but never implemented) in the source system.
// Returns the number removed.
func (p *Publisher) UnsubscribeBySubscriberID(sid string) int {
	if sid == "" {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.subs[:0:0]
	removed := 0
	for _, sub := range p.subs {
		if sub.subscriberID == sid {
			removed++
			continue
		}
		kept = append(kept, sub)
	}
	p.subs = kept
	return removed
}

// Publish enqueues event for dispatch and returns immediately; no
// handler runs synchronously inside this call. metadata defaults to
// the zero value (private, non-internal) if omitted.
func (p *Publisher) Publish(event Event, metadata ...Metadata) {
	var meta Metadata
	if len(metadata) > 0 {
		meta = metadata[0]
	}
	if event.PublishedAt.IsZero() {
		event.PublishedAt = time.Now()
	}

	p.mu.Lock()
	p.queue = append(p.queue, queuedEvent{event: event, meta: meta})
	start := !p.dispatching
	if start {
		p.dispatching = true
	}
	p.mu.Unlock()

	if start {
		go p.drain()
	}
}

// drain runs as the sole dispatcher goroutine at any given time: it
// pulls one queued event, snapshots the subscriber list, invokes every
// matching handler in subscription order, then loops. Publishes made
// from within a handler simply append to the queue this same loop will
// pick up next, giving re-entrant publishes the "queued, drained after
// the current publish completes" ordering the bus requires.
func (p *Publisher) drain() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.dispatching = false
			p.mu.Unlock()
			return
		}
		next := p.queue[0]
		p.queue = p.queue[1:]
		subs := append([]*subscription(nil), p.subs...)
		p.mu.Unlock()

		for _, sub := range subs {
			if !matchesName(sub.name, next.event.Name) {
				continue
			}
			if !sub.filter.matches(next.event, next.meta) {
				continue
			}
			p.invoke(sub, next.event, next.meta)
		}
	}
}

func (p *Publisher) invoke(sub *subscription, ev Event, meta Metadata) {
	defer func() {
		if r := recover(); r != nil {
			p.logHandlerPanic(sub, ev, r)
		}
	}()
	sub.handler(ev, meta)
}

func matchesName(subName, eventName string) bool {
	if subName == "" || subName == eventName {
		return true
	}
	return strings.HasPrefix(eventName, subName+"/")
}

// GetRequestEventName yields the canonical request-variant name used by
// PublishAndListenForResponse. The exact string form is not load
// bearing; it need only be used consistently by both request publisher
// and responder.
func GetRequestEventName(name string) string {
	return requestPrefix + name
}

// GetResponseEventName is GetRequestEventName's inverse: it yields the
// response-variant name for the same base event name. A unique suffix
// is appended per call to PublishAndListenForResponse so concurrent
// requests for the same base name don't collide.
func GetResponseEventName(name string) string {
	return responsePrefix + name
}

// PublishAndListenForResponse publishes a request event derived from
// event.Name and waits for a single correlated response. The responder
// is expected to read context["responseEventName"] and context["data"]
// from the request event and Publish an event under that exact name
// carrying its reply in Context. Resolves with that reply's Context.
func (p *Publisher) PublishAndListenForResponse(ctx context.Context, event Event, timeout time.Duration) (map[string]any, error) {
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}

	responseEventName := fmt.Sprintf("%s/%s", GetResponseEventName(event.Name), uuid.NewString())

	resultCh := make(chan map[string]any, 1)
	var subID string
	subID = p.Subscribe(responseEventName, func(resp Event, _ Metadata) {
		p.Unsubscribe(subID)
		select {
		case resultCh <- resp.Context:
		default:
		}
	}, SubscribeOptions{})

	reqContext := map[string]any{"responseEventName": responseEventName}
	for k, v := range event.Context {
		reqContext[k] = v
	}

	request := event
	request.Name = GetRequestEventName(event.Name)
	request.Context = reqContext
	p.Publish(request)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-resultCh:
		return result, nil
	case <-timer.C:
		p.Unsubscribe(subID)
		return nil, ErrResponseTimeout
	case <-ctx.Done():
		p.Unsubscribe(subID)
		return nil, ctx.Err()
	}
}

func (p *Publisher) logHandlerPanic(sub *subscription, ev Event, r any) {
	if p.logger == nil {
		return
	}
	p.logger.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerService,
		Category:  log.CategoryError,
		Error: &log.ErrorEventData{
			Layer:   log.LayerService,
			Message: fmt.Sprintf("pubsub: handler for subscription %s on event %q panicked: %v", sub.id, ev.Name, r),
			Context: "pubsub-dispatch",
		},
	})
}
