// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package connmgr

import (
	"fmt"
	"time"
)

// State is the connection state as seen by the rest of the bridge.
type State int32

const (
	// Disconnected is the initial state and the terminal one after Close.
	Disconnected State = iota
	// Connecting means a dial is in progress.
	Connecting
	// Connected means the broker link is usable.
	Connected
	// Draining means shutdown was requested while connected; the link stays
	// up until in-flight work settles.
	Draining
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Draining:
		return "draining"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Transition describes one state change.
type Transition struct {
	From State
	To   State
	// Err is the cause of a move into Disconnected, if any.
	Err error
	// Attempt is the dial attempt number for moves into Connecting.
	Attempt int
	At      time.Time
}
