// Package stream holds the Local Stream Registry: the per-process table of
// live streaming connections keyed by user, and the Direct Dispatcher that
// writes an encoded event to every connection a user has open on this process.
//
// A Registry is constructed per process (or per test) and shared by the
// streaming handlers, which insert and remove handles, and by the publish path,
// which sweeps handles during dispatch. A user key exists only while its set is
// non-empty.
package stream
