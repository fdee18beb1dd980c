// Package retention keeps the trailing window of samples of one source.
//
// Eviction is lazy: it happens on every Push, from the oldest end, and
// never on a timer. Snapshot drains the whole buffer and hands ownership
// of the samples to the caller.
package retention
