// Package transport selects and describes the cross-process delivery backend.
//
// A process resolves exactly one Mode at startup. SharedBackend and
// DatabaseNotify carry events between processes through a Publisher and one
// Subscriber per streaming session; LocalOnly relies on direct dispatch alone.
// Every message crossing a backend is wrapped in an Envelope that names the
// originating process so subscribers can skip their own broadcasts.
package transport
