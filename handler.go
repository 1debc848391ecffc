package wsboot

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
)

// DefaultInitialWindowSize is the read flow-control budget a Handler
// starts with when the connect options leave it unset.
const DefaultInitialWindowSize = 65536

// payloadChunkSize bounds how much frame payload is read and delivered
// per callback invocation.
const payloadChunkSize = 4096

// FrameBeginCallback is called when the header of an incoming data
// frame has been read and before any of its payload is delivered. A
// non-nil error tears the connection down.
type FrameBeginCallback func(h *Handler, fh FrameHeader) error

// FramePayloadCallback is called zero or more times with successive
// chunks of an incoming data frame's payload. The chunk is only valid
// until the callback returns. A non-nil error tears the connection
// down.
type FramePayloadCallback func(h *Handler, fh FrameHeader, p []byte) error

// FrameCompleteCallback is called when an incoming data frame has been
// fully processed, or with a non-nil error when processing it failed.
type FrameCompleteCallback func(h *Handler, fh FrameHeader, err error)

type frameCallbacks struct {
	begin    FrameBeginCallback
	payload  FramePayloadCallback
	complete FrameCompleteCallback
}

var (
	errUnexpectedMask = fmt.Errorf("masked frame from server")
	errBadControl     = fmt.Errorf("malformed control frame")

	// errPeerClosed marks a clean close handshake initiated by the
	// peer. It never leaves the read loop.
	errPeerClosed = fmt.Errorf("peer sent close frame")
)

// Handler owns an established WebSocket connection. Incoming frames are
// read on a dedicated goroutine and delivered through the frame
// callbacks; outgoing frames may be written from any goroutine.
type Handler struct {
	log     *zap.Logger
	netConn net.Conn
	br      *bufio.Reader
	done    func(err error)
	cb      frameCallbacks
	window  *windowBudget

	// manual is set when the caller registered frame callbacks and
	// therefore drives the read window itself.
	manual bool

	wmu sync.Mutex

	mu        sync.Mutex
	closed    bool
	closeSent bool
}

type handlerConfig struct {
	channel Channel
	window  int
	cb      frameCallbacks
	logger  *zap.Logger
}

func newHandler(cfg handlerConfig) (*Handler, error) {
	if cfg.channel.NetConn == nil {
		return nil, ErrNoChannel
	}
	br := cfg.channel.Reader
	if br == nil {
		br = bufio.NewReader(cfg.channel.NetConn)
	}
	window := cfg.window
	if window <= 0 {
		window = DefaultInitialWindowSize
	}
	log := cfg.logger
	if log == nil {
		log = zap.NewNop()
	}
	done := cfg.channel.done
	if done == nil {
		done = func(error) {}
	}
	return &Handler{
		log:     log,
		netConn: cfg.channel.NetConn,
		br:      br,
		done:    done,
		cb:      cfg.cb,
		window:  newWindowBudget(window),
		manual:  cfg.cb.begin != nil,
	}, nil
}

func (h *Handler) start() {
	go h.readLoop()
}

// WriteFrame sends a single frame to the peer. The payload is masked as
// required of clients; p is not modified.
func (h *Handler) WriteFrame(op OpCode, fin bool, p []byte) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return ErrConnClosed
	}
	h.wmu.Lock()
	defer h.wmu.Unlock()
	return writeFrame(h.netConn, op, fin, p, true)
}

// Close sends a best-effort close frame and tears the connection down.
// Subsequent calls are no-ops.
func (h *Handler) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	sent := h.closeSent
	h.closeSent = true
	h.mu.Unlock()

	if !sent {
		h.wmu.Lock()
		writeFrame(h.netConn, OpClose, true, nil, true)
		h.wmu.Unlock()
	}
	err := h.netConn.Close()
	h.window.close()
	return err
}

// IncrementWindow returns read budget consumed by delivered payload
// chunks. It has no effect without frame callbacks registered.
func (h *Handler) IncrementWindow(n int) {
	h.window.grant(n)
}

func (h *Handler) readLoop() {
	err := h.run()

	h.mu.Lock()
	deliberate := h.closed
	h.closed = true
	h.mu.Unlock()

	h.netConn.Close()
	h.window.close()

	if err == errPeerClosed || deliberate {
		err = nil
	}
	if err != nil {
		h.log.Error("read loop terminated", zap.Error(err))
	}
	h.done(err)
}

func (h *Handler) run() error {
	for {
		fh, err := readFrameHeader(h.br)
		if err != nil {
			return err
		}
		if fh.Masked {
			return errUnexpectedMask
		}
		if fh.OpCode.IsControl() {
			if err := h.handleControl(fh); err != nil {
				return err
			}
			continue
		}
		if err := h.readData(fh); err != nil {
			return err
		}
	}
}

func (h *Handler) handleControl(fh FrameHeader) error {
	if fh.Length > MaxControlFramePayloadSize || !fh.Fin {
		return errBadControl
	}
	var buf [MaxControlFramePayloadSize]byte
	p := buf[:fh.Length]
	if _, err := io.ReadFull(h.br, p); err != nil {
		return err
	}
	switch fh.OpCode {
	case OpPing:
		h.wmu.Lock()
		err := writeFrame(h.netConn, OpPong, true, p, true)
		h.wmu.Unlock()
		return err
	case OpClose:
		h.mu.Lock()
		sent := h.closeSent
		h.closeSent = true
		h.mu.Unlock()
		if !sent {
			h.wmu.Lock()
			writeFrame(h.netConn, OpClose, true, p, true)
			h.wmu.Unlock()
		}
		return errPeerClosed
	}
	return nil
}

func (h *Handler) readData(fh FrameHeader) error {
	if h.cb.begin != nil {
		if err := h.cb.begin(h, fh); err != nil {
			return err
		}
	}
	var buf [payloadChunkSize]byte
	remaining := fh.Length
	for remaining > 0 {
		n := int(min(remaining, int64(len(buf))))
		if h.manual {
			grant, ok := h.window.acquire(n)
			if !ok {
				return ErrConnClosed
			}
			n = grant
		}
		if _, err := io.ReadFull(h.br, buf[:n]); err != nil {
			h.frameComplete(fh, err)
			return err
		}
		remaining -= int64(n)
		if h.cb.payload != nil {
			if err := h.cb.payload(h, fh, buf[:n]); err != nil {
				h.frameComplete(fh, err)
				return err
			}
		}
	}
	h.frameComplete(fh, nil)
	return nil
}

func (h *Handler) frameComplete(fh FrameHeader, err error) {
	if h.cb.complete != nil {
		h.cb.complete(h, fh, err)
	}
}
