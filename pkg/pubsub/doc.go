// Package pubsub implements the gateway's process-wide publish/subscribe
// bus: the dispatch backbone used to fan device messages out to API
// consumers and to correlate request/response pairs. It is distinct
// from and unaware of the per-DeviceSession internal event bus in
// pkg/session.
package pubsub
