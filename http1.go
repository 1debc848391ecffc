package wsboot

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/gobwas/pool/pbufio"
	"go.uber.org/zap"
)

const (
	http1ReadBufferSize  = 4096
	http1WriteBufferSize = 512
)

// http1Conn is an HTTP/1.1 client connection carrying at most one
// request/response exchange at a time. All user callbacks run on the
// connection's dispatcher goroutine.
type http1Conn struct {
	cfg connConfig
	log *zap.Logger

	netConn net.Conn
	br      *bufio.Reader
	d       *dispatcher
	window  *windowBudget

	mu       sync.Mutex
	inflight bool
	closed   bool
	detached bool
	released bool

	shutdownOnce sync.Once
}

func newHTTP1Conn(nc net.Conn, cfg connConfig) *http1Conn {
	c := &http1Conn{
		cfg:     cfg,
		log:     cfg.logger,
		netConn: nc,
		br:      pbufio.GetReader(nc, http1ReadBufferSize),
		d:       newDispatcher(),
		window:  newWindowBudget(handshakeHTTPWindow),
	}
	c.d.post(func() {
		cfg.onSetup(c, nil)
	})
	return c
}

func (c *http1Conn) Proto() Proto { return ProtoHTTP1 }

func (c *http1Conn) NewStream(opts StreamOptions) (*Stream, error) {
	c.mu.Lock()
	if c.closed || c.detached {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	if c.inflight {
		c.mu.Unlock()
		return nil, ErrStreamInFlight
	}
	c.inflight = true
	c.mu.Unlock()

	s := newStream(c, http1StreamVariant{conn: c}, opts.Callbacks)
	s.requestMethod = opts.Method
	s.requestURI = opts.Path

	x := &http1Exchange{
		conn:    c,
		stream:  s,
		method:  opts.Method,
		path:    opts.Path,
		headers: opts.Headers,
	}
	if !c.d.post(x.run) {
		c.mu.Lock()
		c.inflight = false
		c.mu.Unlock()
		s.Release()
		s.Release()
		return nil, ErrConnClosed
	}
	return s, nil
}

// Close marks the connection for teardown. It is safe to call from any
// goroutine; a blocked exchange is unstuck by closing the socket.
func (c *http1Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	inflight := c.inflight
	c.mu.Unlock()

	c.netConn.Close()
	c.window.close()
	if !inflight {
		c.shutdown(nil)
	}
	return nil
}

// Detach hands the raw byte channel over to the caller. The connection
// stops serving streams; the returned Channel's done function relays
// the eventual teardown into the regular shutdown path.
func (c *http1Conn) Detach() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Channel{}, ErrConnClosed
	}
	if c.inflight {
		return Channel{}, ErrStreamInFlight
	}
	if c.detached {
		return Channel{}, ErrNotDetachable
	}
	c.detached = true
	return Channel{
		NetConn: c.netConn,
		Reader:  c.br,
		done:    c.handlerDone,
	}, nil
}

func (c *http1Conn) handlerDone(err error) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.shutdown(err)
}

func (c *http1Conn) Release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	detached := c.detached
	c.mu.Unlock()

	c.netConn.Close()
	if !detached {
		pbufio.PutReader(c.br)
	}
}

// shutdown runs the teardown sequence exactly once: close the socket,
// report to the owner after all pending stream callbacks, and stop the
// dispatcher.
func (c *http1Conn) shutdown(err error) {
	c.shutdownOnce.Do(func() {
		c.netConn.Close()
		c.window.close()
		if err != nil {
			c.log.Error("connection shut down",
				zap.String("host", c.cfg.host),
				zap.Error(err),
			)
		}
		c.d.post(func() {
			c.cfg.onShutdown(c, err)
		})
		c.d.stop()
	})
}

// http1Exchange is a single request/response round trip. It runs as one
// dispatcher task so that its callbacks are naturally serialized with
// setup and shutdown.
type http1Exchange struct {
	conn    *http1Conn
	stream  *Stream
	method  []byte
	path    []byte
	headers []HeaderField

	// Response header storage: bytes are appended while reading and
	// must not be sliced into until the headers are complete, since
	// append may move the backing array.
	storage []byte
	records []headerRecord
}

func (x *http1Exchange) run() {
	err := x.writeRequest()
	if err == nil {
		err = x.readResponse()
	}
	x.finish(err)
}

func (x *http1Exchange) writeRequest() error {
	c := x.conn
	bw := pbufio.GetWriter(c.netConn, http1WriteBufferSize)
	defer pbufio.PutWriter(bw)

	httpWriteRequest(bw, x.method, x.path, x.headers)
	if err := bw.Flush(); err != nil {
		return err
	}
	if body := x.stream.cb.OnOutgoingBody; body != nil {
		var buf [512]byte
		for {
			n, eof, err := body(x.stream, buf[:])
			if err != nil {
				return err
			}
			if n > 0 {
				if _, err := c.netConn.Write(buf[:n]); err != nil {
					return err
				}
			}
			if eof {
				return nil
			}
		}
	}
	return nil
}

func (x *http1Exchange) readResponse() error {
	c := x.conn
	s := x.stream

	line, err := readLine(c.br)
	if err != nil {
		return err
	}
	resp, err := httpParseResponseLine(line)
	if err != nil {
		return err
	}
	if resp.major != 1 || resp.minor < 1 {
		return ErrBadHttpVersion
	}
	s.status = resp.status

	var contentLength int64 = -1
	for {
		line, err := readLine(c.br)
		if err != nil {
			return err
		}
		if len(line) == 0 {
			break
		}
		k, v, ok := httpParseHeaderLine(line)
		if !ok {
			return ErrMalformedResponse
		}
		if btsEqualFold(k, btsContentLength) {
			n, err := asciiToInt(v)
			if err != nil {
				return ErrMalformedResponse
			}
			contentLength = int64(n)
		}
		x.appendHeader(k, v)
	}

	if cb := s.cb.OnHeaders; cb != nil && len(x.records) > 0 {
		fields := materializeHeaders(x.storage, x.records, nil)
		if err := cb(s, fields); err != nil {
			return err
		}
	}

	hasBody := contentLength > 0 && s.status != StatusSwitchingProtocols
	if cb := s.cb.OnHeaderBlockDone; cb != nil {
		if err := cb(s, hasBody); err != nil {
			return err
		}
	}
	if hasBody {
		if err := x.readBody(contentLength); err != nil {
			return err
		}
	}
	return nil
}

func (x *http1Exchange) appendHeader(k, v []byte) {
	var rec headerRecord
	rec.nameOff = len(x.storage)
	rec.nameLen = len(k)
	x.storage = append(x.storage, k...)
	rec.valOff = len(x.storage)
	rec.valLen = len(v)
	x.storage = append(x.storage, v...)
	x.records = append(x.records, rec)
}

// readBody delivers the response body in chunks bounded by the
// connection's read window. Without an OnBody callback the body is
// drained without flow control, since nobody would ever grow the
// window.
func (x *http1Exchange) readBody(length int64) error {
	c := x.conn
	s := x.stream
	var buf [512]byte
	for length > 0 {
		n := int(min(length, int64(len(buf))))
		if s.cb.OnBody != nil {
			grant, ok := c.window.acquire(n)
			if !ok {
				return ErrConnClosed
			}
			n = grant
		}
		if _, err := io.ReadFull(c.br, buf[:n]); err != nil {
			return err
		}
		length -= int64(n)
		if cb := s.cb.OnBody; cb != nil {
			if err := cb(s, buf[:n]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (x *http1Exchange) finish(err error) {
	c := x.conn
	s := x.stream

	c.mu.Lock()
	c.inflight = false
	deliberate := c.closed
	c.mu.Unlock()

	if cb := s.cb.OnComplete; cb != nil {
		cb(s, err)
	}
	s.Release()

	if err != nil {
		if deliberate {
			err = nil
		}
		c.shutdown(err)
		return
	}
	c.mu.Lock()
	closed := c.closed
	detached := c.detached
	c.mu.Unlock()
	if closed && !detached {
		c.shutdown(nil)
	}
}

// http1StreamVariant binds a stream to its HTTP/1.1 connection. Window
// updates feed the shared read budget; there is no per-stream state to
// tear down.
type http1StreamVariant struct {
	conn *http1Conn
}

func (v http1StreamVariant) destroy(s *Stream) {}

func (v http1StreamVariant) updateWindow(s *Stream, increment int) {
	v.conn.window.grant(increment)
}
