// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

import "fmt"

// OobEventType is the type of an [*OobEvent].
type OobEventType int

const (
	// OobCustom is an application-defined event.
	OobCustom OobEventType = iota

	// OobBind signals that the connection has been bound to a socket.
	OobBind

	// OobClosingUser signals a close requested by the application.
	OobClosingUser

	// OobClosingEOS signals that the peer closed its side of the stream.
	OobClosingEOS

	// OobClosingError signals a close caused by an error.
	OobClosingError
)

// String implements [fmt.Stringer].
func (t OobEventType) String() string {
	switch t {
	case OobCustom:
		return "custom"
	case OobBind:
		return "bind"
	case OobClosingUser:
		return "closingUser"
	case OobClosingEOS:
		return "closingEOS"
	case OobClosingError:
		return "closingError"
	default:
		return fmt.Sprintf("OobEventType(%d)", int(t))
	}
}

// isClosing returns whether t is one of the closing event types.
func (t OobEventType) isClosing() bool {
	return t == OobClosingUser || t == OobClosingEOS || t == OobClosingError
}

// OobEvent is an out-of-band control event.
//
// Events travel through the same ordered filter chain as data, so that every
// filter can react to them. For example, the TLS filter turns an outbound
// [OobClosingUser] event into a close-alert before the socket closes.
type OobEvent struct {
	// Type is the event type.
	Type OobEventType

	// Err is the cause of an [OobClosingError] event, nil otherwise.
	Err error

	// Value carries the payload of an [OobCustom] event.
	Value any
}

// NewOobEvent returns a new [*OobEvent] of the given type.
func NewOobEvent(typ OobEventType, err error) *OobEvent {
	return &OobEvent{Type: typ, Err: err}
}

// SameOobEvent reports whether a and b are interchangeable closing or bind
// events. Custom events never match, since their payloads are opaque.
func SameOobEvent(a, b *OobEvent) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil || a.Type != b.Type || a.Type == OobCustom {
		return false
	}
	return a.Err == b.Err
}

// String implements [fmt.Stringer].
func (ev *OobEvent) String() string {
	if ev.Err != nil {
		return fmt.Sprintf("%s(%s)", ev.Type, ev.Err)
	}
	return ev.Type.String()
}
