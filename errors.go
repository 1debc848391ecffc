package wsboot

import (
	"fmt"
	"strconv"
)

// Errors returned by Connect when connection options are invalid.
// These are the only failures reported synchronously; no callback
// fires for them.
var (
	ErrNoTransport           = fmt.Errorf("missing transport")
	ErrNoURI                 = fmt.Errorf("missing uri")
	ErrNoSetupCallback       = fmt.Errorf("missing setup callback")
	ErrNoHandshakeHeaders    = fmt.Errorf("missing required headers for websocket client handshake")
	ErrPartialFrameCallbacks = fmt.Errorf("either all frame-handling callbacks must be set, or none")
)

// Errors used by the connection layer.
var (
	ErrConnClosed     = fmt.Errorf("connection closed")
	ErrStreamInFlight = fmt.Errorf("request already in flight")
	ErrNotDetachable  = fmt.Errorf("underlying channel is not detachable")
	ErrNoChannel      = fmt.Errorf("no byte channel to install handler on")
)

// ErrUnknown is reported by the setup callback when the connection
// shut down during setup without any recorded cause.
var ErrUnknown = fmt.Errorf("unknown error")

// UpgradeError is the status code the server answered the upgrade
// request with, when that status was not 101 Switching Protocols.
type UpgradeError int

func (e UpgradeError) Error() string {
	return "websocket upgrade refused: unexpected HTTP response status " + strconv.Itoa(int(e))
}
