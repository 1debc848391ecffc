package wsboot

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/gobwas/pool/pbufio"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

const (
	http2InitialWindowSize = 65535
	http2MaxFrameSize      = 16384
	http2HeaderTableSize   = 4096
)

var clientPreface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// http2Conn is an HTTP/2 client connection multiplexing concurrent
// streams. User callbacks run on the dispatcher goroutine; the framer
// read loop runs on its own goroutine and posts work over.
type http2Conn struct {
	cfg connConfig
	log *zap.Logger

	netConn net.Conn
	fr      *http2.Framer
	d       *dispatcher

	// wmu guards framer writes and the shared hpack encoder state.
	wmu  sync.Mutex
	henc *hpack.Encoder
	hbuf bytes.Buffer

	mu             sync.Mutex
	closed         bool
	released       bool
	nextStreamID   uint32
	streams        map[uint32]*http2StreamState
	sendWindow     int64
	streamSendInit int32
	sendCond       *sync.Cond

	shutdownOnce sync.Once
}

type http2StreamState struct {
	id         uint32
	stream     *Stream
	sendWindow int64

	// done is dispatcher-confined and makes stream completion
	// idempotent across END_STREAM, RST_STREAM and connection loss.
	done bool
}

func newHTTP2Conn(nc net.Conn, cfg connConfig) (*http2Conn, error) {
	br := pbufio.GetReader(nc, http1ReadBufferSize)
	c := &http2Conn{
		cfg:            cfg,
		log:            cfg.logger,
		netConn:        nc,
		d:              newDispatcher(),
		nextStreamID:   1,
		streams:        make(map[uint32]*http2StreamState),
		sendWindow:     http2InitialWindowSize,
		streamSendInit: http2InitialWindowSize,
	}
	c.sendCond = sync.NewCond(&c.mu)
	c.henc = hpack.NewEncoder(&c.hbuf)
	c.fr = http2.NewFramer(nc, br)
	c.fr.ReadMetaHeaders = hpack.NewDecoder(http2HeaderTableSize, nil)

	if err := c.preface(); err != nil {
		c.d.stop()
		pbufio.PutReader(br)
		return nil, err
	}
	c.d.post(func() {
		cfg.onSetup(c, nil)
	})
	go func() {
		c.readLoop()
		pbufio.PutReader(br)
	}()
	return c, nil
}

func (c *http2Conn) preface() error {
	if _, err := c.netConn.Write(clientPreface); err != nil {
		return err
	}
	return c.fr.WriteSettings(
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: http2InitialWindowSize},
		http2.Setting{ID: http2.SettingMaxFrameSize, Val: http2MaxFrameSize},
	)
}

func (c *http2Conn) Proto() Proto { return ProtoHTTP2 }

func (c *http2Conn) NewStream(opts StreamOptions) (*Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	id := c.nextStreamID
	c.nextStreamID += 2
	s := newStream(c, http2StreamVariant{conn: c, id: id}, opts.Callbacks)
	s.requestMethod = opts.Method
	s.requestURI = opts.Path
	st := &http2StreamState{
		id:         id,
		stream:     s,
		sendWindow: int64(c.streamSendInit),
	}
	c.streams[id] = st
	c.mu.Unlock()

	endStream := opts.Callbacks.OnOutgoingBody == nil

	c.wmu.Lock()
	c.hbuf.Reset()
	scheme := "http"
	if c.cfg.secure {
		scheme = "https"
	}
	c.henc.WriteField(hpack.HeaderField{Name: ":method", Value: string(opts.Method)})
	c.henc.WriteField(hpack.HeaderField{Name: ":scheme", Value: scheme})
	c.henc.WriteField(hpack.HeaderField{Name: ":authority", Value: c.cfg.host})
	c.henc.WriteField(hpack.HeaderField{Name: ":path", Value: string(opts.Path)})
	for _, f := range opts.Headers {
		name := strings.ToLower(string(f.Name))
		switch name {
		case "host", "connection", "upgrade":
			// Connection-specific headers have no place on h2.
			continue
		}
		c.henc.WriteField(hpack.HeaderField{Name: name, Value: string(f.Value)})
	}
	err := c.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: c.hbuf.Bytes(),
		EndHeaders:    true,
		EndStream:     endStream,
	})
	c.wmu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.streams, id)
		c.mu.Unlock()
		s.Release()
		s.Release()
		return nil, err
	}
	if !endStream {
		go c.sendBody(st)
	}
	return s, nil
}

type bodyChunk struct {
	n    int
	eof  bool
	err  error
	stop bool
}

// sendBody pumps the stream's outgoing body onto the wire. The
// producer callback itself runs on the dispatcher like every other
// stream callback; only the window-blocked frame writes happen here.
func (c *http2Conn) sendBody(st *http2StreamState) {
	s := st.stream
	var buf [http2MaxFrameSize]byte
	res := make(chan bodyChunk, 1)
	for {
		posted := c.d.post(func() {
			if st.done {
				res <- bodyChunk{stop: true}
				return
			}
			n, eof, err := s.cb.OnOutgoingBody(s, buf[:])
			res <- bodyChunk{n: n, eof: eof, err: err}
		})
		if !posted {
			return
		}
		chunk := <-res
		if chunk.stop {
			return
		}
		if chunk.err != nil {
			c.wmu.Lock()
			c.fr.WriteRSTStream(st.id, http2.ErrCodeInternal)
			c.wmu.Unlock()
			return
		}
		p := buf[:chunk.n]
		for len(p) > 0 {
			grant, ok := c.acquireSendWindow(st, int64(len(p)))
			if !ok {
				return
			}
			c.wmu.Lock()
			err := c.fr.WriteData(st.id, false, p[:grant])
			c.wmu.Unlock()
			if err != nil {
				return
			}
			p = p[grant:]
		}
		if chunk.eof {
			c.wmu.Lock()
			c.fr.WriteData(st.id, true, nil)
			c.wmu.Unlock()
			return
		}
	}
}

func (c *http2Conn) acquireSendWindow(st *http2StreamState, want int64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.closed {
			return 0, false
		}
		avail := min(c.sendWindow, st.sendWindow)
		if avail > 0 {
			n := min(avail, want)
			c.sendWindow -= n
			st.sendWindow -= n
			return n, true
		}
		c.sendCond.Wait()
	}
}

func (c *http2Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.sendCond.Broadcast()
	c.mu.Unlock()
	// The read loop notices the closed socket and drives teardown.
	return c.netConn.Close()
}

func (c *http2Conn) Detach() (Channel, error) {
	return Channel{}, ErrNotDetachable
}

func (c *http2Conn) Release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	c.mu.Unlock()
	c.netConn.Close()
}

func (c *http2Conn) readLoop() {
	c.fail(c.run())
}

func (c *http2Conn) run() error {
	for {
		f, err := c.fr.ReadFrame()
		if err != nil {
			return err
		}
		switch f := f.(type) {
		case *http2.SettingsFrame:
			if err := c.onSettings(f); err != nil {
				return err
			}
		case *http2.MetaHeadersFrame:
			c.onHeaders(f)
		case *http2.DataFrame:
			if err := c.onData(f); err != nil {
				return err
			}
		case *http2.WindowUpdateFrame:
			c.onWindowUpdate(f)
		case *http2.PingFrame:
			if !f.IsAck() {
				c.wmu.Lock()
				err := c.fr.WritePing(true, f.Data)
				c.wmu.Unlock()
				if err != nil {
					return err
				}
			}
		case *http2.RSTStreamFrame:
			c.completeStream(f.StreamID, fmt.Errorf("stream reset by peer: %v", f.ErrCode))
		case *http2.GoAwayFrame:
			return fmt.Errorf("connection went away: %v", f.ErrCode)
		}
	}
}

func (c *http2Conn) onSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	if v, ok := f.Value(http2.SettingInitialWindowSize); ok {
		c.mu.Lock()
		delta := int32(v) - c.streamSendInit
		c.streamSendInit = int32(v)
		for _, st := range c.streams {
			st.sendWindow += int64(delta)
		}
		c.sendCond.Broadcast()
		c.mu.Unlock()
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.fr.WriteSettingsAck()
}

func (c *http2Conn) onHeaders(f *http2.MetaHeadersFrame) {
	c.mu.Lock()
	st := c.streams[f.StreamID]
	c.mu.Unlock()
	if st == nil {
		return
	}
	s := st.stream

	status := StatusUnknown
	var fields []HeaderField
	for _, hf := range f.Fields {
		if hf.Name == ":status" {
			if n, err := strconv.Atoi(hf.Value); err == nil {
				status = n
			}
			continue
		}
		if strings.HasPrefix(hf.Name, ":") {
			continue
		}
		fields = append(fields, HeaderField{
			Name:  []byte(hf.Name),
			Value: []byte(hf.Value),
		})
	}
	ended := f.StreamEnded()

	c.d.post(func() {
		if st.done {
			return
		}
		if status != StatusUnknown {
			s.status = status
		}
		if cb := s.cb.OnHeaders; cb != nil && len(fields) > 0 {
			if err := cb(s, fields); err != nil {
				c.resetStream(st, err)
				return
			}
		}
		if cb := s.cb.OnHeaderBlockDone; cb != nil {
			if err := cb(s, !ended); err != nil {
				c.resetStream(st, err)
				return
			}
		}
		if ended {
			c.finishStream(st, nil)
		}
	})
}

func (c *http2Conn) onData(f *http2.DataFrame) error {
	c.mu.Lock()
	st := c.streams[f.StreamID]
	c.mu.Unlock()

	data := append([]byte(nil), f.Data()...)
	if n := len(data); n > 0 {
		// Replenish the connection-level window eagerly; the
		// stream-level window is the caller's to grow.
		c.wmu.Lock()
		err := c.fr.WriteWindowUpdate(0, uint32(n))
		c.wmu.Unlock()
		if err != nil {
			return err
		}
	}
	if st == nil {
		return nil
	}
	s := st.stream
	ended := f.StreamEnded()

	c.d.post(func() {
		if st.done {
			return
		}
		if cb := s.cb.OnBody; cb != nil && len(data) > 0 {
			if err := cb(s, data); err != nil {
				c.resetStream(st, err)
				return
			}
		}
		if ended {
			c.finishStream(st, nil)
		}
	})
	return nil
}

func (c *http2Conn) onWindowUpdate(f *http2.WindowUpdateFrame) {
	c.mu.Lock()
	if f.StreamID == 0 {
		c.sendWindow += int64(f.Increment)
	} else if st := c.streams[f.StreamID]; st != nil {
		st.sendWindow += int64(f.Increment)
	}
	c.sendCond.Broadcast()
	c.mu.Unlock()
}

// resetStream aborts a stream from the dispatcher after a callback
// returned an error.
func (c *http2Conn) resetStream(st *http2StreamState, err error) {
	c.wmu.Lock()
	c.fr.WriteRSTStream(st.id, http2.ErrCodeCancel)
	c.wmu.Unlock()
	c.finishStream(st, err)
}

func (c *http2Conn) completeStream(id uint32, err error) {
	c.mu.Lock()
	st := c.streams[id]
	c.mu.Unlock()
	if st == nil {
		return
	}
	c.d.post(func() {
		c.finishStream(st, err)
	})
}

// finishStream runs on the dispatcher.
func (c *http2Conn) finishStream(st *http2StreamState, err error) {
	if st.done {
		return
	}
	st.done = true
	c.mu.Lock()
	delete(c.streams, st.id)
	c.mu.Unlock()
	if cb := st.stream.cb.OnComplete; cb != nil {
		cb(st.stream, err)
	}
	st.stream.Release()
}

// fail tears the connection down after the read loop stops: every open
// stream completes with the failure, then shutdown is reported last.
func (c *http2Conn) fail(err error) {
	c.mu.Lock()
	deliberate := c.closed
	c.closed = true
	c.sendCond.Broadcast()
	open := make([]*http2StreamState, 0, len(c.streams))
	for _, st := range c.streams {
		open = append(open, st)
	}
	c.mu.Unlock()

	c.netConn.Close()

	if deliberate {
		err = nil
	}
	streamErr := err
	if streamErr == nil {
		streamErr = ErrConnClosed
	}
	for _, st := range open {
		st := st
		c.d.post(func() {
			c.finishStream(st, streamErr)
		})
	}
	c.shutdownOnce.Do(func() {
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

// http2StreamVariant binds a stream to its HTTP/2 stream state.
type http2StreamVariant struct {
	conn *http2Conn
	id   uint32
}

func (v http2StreamVariant) destroy(s *Stream) {
	c := v.conn
	c.mu.Lock()
	_, tracked := c.streams[v.id]
	c.mu.Unlock()
	if tracked {
		c.wmu.Lock()
		c.fr.WriteRSTStream(v.id, http2.ErrCodeCancel)
		c.wmu.Unlock()
	}
}

func (v http2StreamVariant) updateWindow(s *Stream, increment int) {
	c := v.conn
	c.wmu.Lock()
	c.fr.WriteWindowUpdate(v.id, uint32(increment))
	c.wmu.Unlock()
}
