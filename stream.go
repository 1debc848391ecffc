package wsboot

import "sync/atomic"

// HeaderField is a single HTTP header name/value pair. Fields handed
// to a callback are only valid until the callback returns; callers
// that need them longer must copy.
type HeaderField struct {
	Name  []byte
	Value []byte
}

// StatusUnknown is the response status of a stream before any status
// line has been observed.
const StatusUnknown = -1

// StatusSwitchingProtocols is the only response status that completes
// a websocket upgrade.
const StatusSwitchingProtocols = 101

// StreamCallbacks is the user callback surface of a stream. Every
// field is optional. All callbacks for one stream run on the owning
// connection's dispatch goroutine, never concurrently.
type StreamCallbacks struct {
	// OnOutgoingBody produces the request body. It fills p and
	// reports the number of bytes written and whether the body is
	// done. A nil OnOutgoingBody means the request has no body.
	OnOutgoingBody func(s *Stream, p []byte) (n int, eof bool, err error)

	// OnHeaders delivers a batch of response headers. It may fire
	// more than once per response. A non-nil error aborts the
	// exchange.
	OnHeaders func(s *Stream, headers []HeaderField) error

	// OnHeaderBlockDone fires once after the last OnHeaders batch.
	OnHeaderBlockDone func(s *Stream, hasBody bool) error

	// OnBody delivers a chunk of response body.
	OnBody func(s *Stream, p []byte) error

	// OnRequestEnd fires on request-handler streams when the
	// incoming request is fully received. Client streams never
	// invoke it.
	OnRequestEnd func(s *Stream) error

	// OnComplete fires exactly once, last, with the final result of
	// the exchange.
	OnComplete func(s *Stream, err error)
}

// streamVariant is the protocol-specific behavior of a stream. It is
// fixed at stream creation; everything else a stream does goes through
// the stored callbacks, never through inspection of the concrete
// connection type.
type streamVariant interface {
	destroy(s *Stream)
	updateWindow(s *Stream, increment int)
}

// Stream represents one request/response exchange on a connection.
//
// A stream's lifetime is shared: the issuing connection keeps a
// reference until it has delivered OnComplete, and the caller keeps
// one until it calls Release. The reference count is atomic because
// the two holders are not otherwise synchronized.
type Stream struct {
	variant streamVariant
	conn    Conn
	cb      StreamCallbacks

	refs atomic.Int32

	status int

	// Request info parsed on request-handler streams; unused on
	// client streams.
	requestMethod []byte
	requestURI    []byte
}

// newStream returns a stream holding two references: one for the
// issuing connection, one for the caller.
func newStream(conn Conn, variant streamVariant, cb StreamCallbacks) *Stream {
	s := &Stream{
		variant: variant,
		conn:    conn,
		cb:      cb,
		status:  StatusUnknown,
	}
	s.refs.Store(2)
	return s
}

// Acquire adds a reference to s.
func (s *Stream) Acquire() {
	s.refs.Add(1)
}

// Release drops a reference to s, destroying it when the last one is
// gone.
func (s *Stream) Release() {
	switch n := s.refs.Add(-1); {
	case n == 0:
		s.variant.destroy(s)
	case n < 0:
		panic("wsboot: stream released more times than acquired")
	}
}

// UpdateWindow signals readiness to receive increment more bytes of
// response body. It is safe to call at any point after stream
// creation, any number of times; non-positive increments are ignored.
func (s *Stream) UpdateWindow(increment int) {
	if increment <= 0 {
		return
	}
	s.variant.updateWindow(s, increment)
}

// Connection returns the connection that issued s. The stream does not
// own the connection.
func (s *Stream) Connection() Conn {
	return s.conn
}

// ResponseStatus returns the incoming response status, or
// StatusUnknown if no status line has been observed yet.
func (s *Stream) ResponseStatus() int {
	return s.status
}
