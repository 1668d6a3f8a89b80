// Package subscribers holds the reactions to post and account lifecycle
// events. Each subscriber is independent: one failing never affects the
// others or the publisher. Register wires them onto a bus, queueing the ones
// that do I/O behind eventbus.Async.
package subscribers
