package wsboot

import (
	"bufio"
	"net"
)

// Proto identifies the protocol variant a connection speaks.
type Proto uint8

const (
	ProtoHTTP1 Proto = 1 + iota
	ProtoHTTP2
)

func (p Proto) String() string {
	switch p {
	case ProtoHTTP1:
		return "HTTP/1.1"
	case ProtoHTTP2:
		return "HTTP/2"
	default:
		return "unknown"
	}
}

// StreamOptions describes a request to dispatch on a connection.
// Method, Path and Headers must stay valid until the stream's
// OnComplete callback has fired; they are not copied.
type StreamOptions struct {
	Method    []byte
	Path      []byte
	Headers   []HeaderField
	Callbacks StreamCallbacks
}

// SetupCallback reports the outcome of a connection attempt. Contract:
// err is non-nil exactly when conn is nil. It fires at most once and
// before any other callback of the connection.
type SetupCallback func(conn Conn, err error)

// ShutdownCallback reports that the connection is completely gone. It
// fires exactly once per successfully set up connection, after every
// in-flight stream callback has been delivered.
type ShutdownCallback func(conn Conn, err error)

// Channel is the byte channel a connection runs over, exposed for
// protocol takeover after an upgrade. Reader holds bytes the
// connection read ahead of the takeover; it must be drained before
// NetConn.
type Channel struct {
	NetConn net.Conn
	Reader  *bufio.Reader

	// done is invoked by the new owner of the channel when it is
	// finished with it. It drives the original connection's
	// shutdown callback.
	done func(err error)
}

// Conn is a client connection able to carry request/response streams.
//
// Implementations deliver every callback from a single dispatch
// goroutine per connection, in order: setup first, then stream
// callbacks, then shutdown, exactly once.
type Conn interface {
	// NewStream dispatches a request and returns the stream
	// representing the exchange. It fails without side effects when
	// the connection cannot accept a request.
	NewStream(opts StreamOptions) (*Stream, error)

	// Close requests connection shutdown. It is idempotent and
	// returns before the shutdown callback has fired.
	Close() error

	// Detach hands the underlying byte channel over to the caller.
	// Only valid when no exchange is in flight.
	Detach() (Channel, error)

	// Release gives up the caller's reference to the connection.
	// Must not be called before the shutdown callback has fired.
	Release()

	Proto() Proto
}
