package devtools

import "time"

const (
	// EventConnectionClose is emitted when the websocket connection shuts down.
	EventConnectionClose string = "close"
)

// Default wait bounds. All of them are tunable through ClientOptions; the
// load timeout is additionally capped by the task's remaining time budget by
// the caller.
const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultCommandTimeout = 10 * time.Second
	DefaultLoadTimeout    = 120 * time.Second

	jpegQuality = 30
)
