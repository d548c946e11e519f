// Package events defines ProcessingEvent, the unit delivered to browser
// sessions, together with its JSON encoding and the text/event-stream frame
// format. Events are immutable once stamped: they are encoded exactly once per
// publish and the same bytes are handed to every connection and transport.
package events
