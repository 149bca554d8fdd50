package pubsub

import "errors"

// ErrResponseTimeout is returned by PublishAndListenForResponse when no
// matching response event arrives before the timeout elapses.
var ErrResponseTimeout = errors.New("pubsub: response timeout")
