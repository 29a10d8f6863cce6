package main

import "errors"

var (
	// errProtocol is fatal to a session: malformed Frame Streams bytes or a handshake violation
	errProtocol = errors.New("frame streams protocol error")
	// errAccessDenied closes a connection before the handshake
	errAccessDenied = errors.New("access denied")
	// errDecode drops a single record, the session continues
	errDecode = errors.New("dnstap decode error")
	// errQueueFull drops a single record for one sink
	errQueueFull = errors.New("queue full")
)
