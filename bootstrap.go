package wsboot

import (
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// SetupFunc reports the outcome of a Connect call exactly once. On
// success h is the live handler, err is nil, status is the HTTP
// response status and headers holds the full response header block. On
// failure h is nil and err is non-nil; status and headers carry
// whatever was learned before the failure (StatusUnknown and nil when
// nothing was).
type SetupFunc func(h *Handler, err error, status int, headers []HeaderField)

// ShutdownFunc reports that a successfully established connection has
// gone down. It is called at most once, and only after a successful
// setup report.
type ShutdownFunc func(h *Handler, err error)

// ConnectOptions configures a single websocket client connection
// attempt.
type ConnectOptions struct {
	// Transport dials and secures the underlying connection.
	Transport *Transport

	// URI locates the server. Scheme must be ws, wss, http or https;
	// a missing port is inferred from the scheme.
	URI *url.URL

	// HandshakeHeaders is the complete header block of the upgrade
	// request. See NewHandshakeHeaders for building a compliant one.
	HandshakeHeaders []HeaderField

	// InitialWindowSize is the read flow-control budget of the
	// established handler. Zero means DefaultInitialWindowSize.
	InitialWindowSize int

	// Logger, when set, overrides the transport's logger.
	Logger *zap.Logger

	OnSetup    SetupFunc
	OnShutdown ShutdownFunc

	// Frame callbacks must be given all together or not at all. When
	// set, the caller drives the read window via IncrementWindow.
	OnFrameBegin    FrameBeginCallback
	OnFramePayload  FramePayloadCallback
	OnFrameComplete FrameCompleteCallback
}

type bootstrapState int

const (
	stateValidating bootstrapState = iota
	stateConnecting
	stateHandshaking
	stateEstablished
	stateClosing
	stateDone
)

func (s bootstrapState) String() string {
	switch s {
	case stateValidating:
		return "validating"
	case stateConnecting:
		return "connecting"
	case stateHandshaking:
		return "handshaking"
	case stateEstablished:
		return "established"
	case stateClosing:
		return "closing"
	case stateDone:
		return "done"
	}
	return "unknown"
}

// handshakeHTTPWindow is the read budget given to the upgrade exchange.
// Kept small so that an oversized rejection body trickles in instead of
// buffering wholesale. A tuning constant, not a protocol bound.
const handshakeHTTPWindow = 1024

// Preallocation estimates for the response header block. Tuning
// constants, not bounds; the storage grows past them as needed.
const (
	estimatedExtraResponseHeaders = 10
	estimatedResponseHeaderLength = 64
)

// headerRecord locates one header's name and value inside a shared
// byte storage by offset. Offsets stay valid across appends to the
// storage, unlike subslices.
type headerRecord struct {
	nameOff, nameLen int
	valOff, valLen   int
}

// materializeHeaders resolves records into fields over storage. Only
// call it once the storage has stopped growing.
func materializeHeaders(storage []byte, records []headerRecord, dst []HeaderField) []HeaderField {
	for _, r := range records {
		dst = append(dst, HeaderField{
			Name:  storage[r.nameOff : r.nameOff+r.nameLen],
			Value: storage[r.valOff : r.valOff+r.valLen],
		})
	}
	return dst
}

// clientBootstrap walks one connection attempt through its stages. Its
// fields are touched only from the connection's callback goroutine
// after connect() returns, so it needs no locking.
type clientBootstrap struct {
	log               *zap.Logger
	initialWindowSize int
	onSetup           SetupFunc
	onShutdown        ShutdownFunc
	frameCB           frameCallbacks

	requestPath    []byte
	requestHeaders []HeaderField
	requestStorage []byte

	responseStatus  int
	responseRecords []headerRecord
	responseStorage []byte

	state    bootstrapState
	setupErr error
	handler  *Handler
}

// Connect starts an asynchronous websocket client connection attempt.
// A nil return means the attempt is in flight and opts.OnSetup will be
// called exactly once with the outcome; a non-nil return means the
// options were rejected and no callback will fire.
func Connect(opts ConnectOptions) error {
	b, err := newClientBootstrap(opts)
	if err != nil {
		return err
	}
	return b.connect(opts.Transport, opts.URI)
}

func newClientBootstrap(opts ConnectOptions) (*clientBootstrap, error) {
	switch {
	case opts.Transport == nil:
		return nil, ErrNoTransport
	case opts.URI == nil:
		return nil, ErrNoURI
	case opts.OnSetup == nil:
		return nil, ErrNoSetupCallback
	case len(opts.HandshakeHeaders) == 0:
		return nil, ErrNoHandshakeHeaders
	}
	var numSet int
	if opts.OnFrameBegin != nil {
		numSet++
	}
	if opts.OnFramePayload != nil {
		numSet++
	}
	if opts.OnFrameComplete != nil {
		numSet++
	}
	if numSet != 0 && numSet != 3 {
		return nil, ErrPartialFrameCallbacks
	}

	log := opts.Logger
	if log == nil {
		log = opts.Transport.Logger
	}
	if log == nil {
		log = zap.NewNop()
	}

	b := &clientBootstrap{
		log:               log,
		initialWindowSize: opts.InitialWindowSize,
		onSetup:           opts.OnSetup,
		onShutdown:        opts.OnShutdown,
		frameCB: frameCallbacks{
			begin:    opts.OnFrameBegin,
			payload:  opts.OnFramePayload,
			complete: opts.OnFrameComplete,
		},
		responseStatus: StatusUnknown,
	}
	b.copyRequest(opts.URI, opts.HandshakeHeaders)
	return b, nil
}

// copyRequest snapshots the request path and headers into storage owned
// by the bootstrap, sized exactly. The caller is free to reuse its
// buffers once Connect returns.
func (b *clientBootstrap) copyRequest(u *url.URL, headers []HeaderField) {
	path := u.RequestURI()
	size := len(path)
	for _, f := range headers {
		size += len(f.Name) + len(f.Value)
	}
	storage := make([]byte, 0, size)
	records := make([]headerRecord, 0, len(headers))

	storage = append(storage, path...)
	for _, f := range headers {
		var rec headerRecord
		rec.nameOff = len(storage)
		rec.nameLen = len(f.Name)
		storage = append(storage, f.Name...)
		rec.valOff = len(storage)
		rec.valLen = len(f.Value)
		storage = append(storage, f.Value...)
		records = append(records, rec)
	}
	if len(storage) != size {
		panic("wsboot: handshake request storage size miscomputed")
	}

	b.requestStorage = storage
	b.requestPath = storage[:len(path)]
	b.requestHeaders = materializeHeaders(storage, records, make([]HeaderField, 0, len(headers)))

	b.responseStorage = make([]byte, 0, size+estimatedExtraResponseHeaders*estimatedResponseHeaderLength)
	b.responseRecords = make([]headerRecord, 0, len(headers)+estimatedExtraResponseHeaders)
}

var schemePorts = []struct {
	scheme string
	port   int
}{
	{"http", 80},
	{"https", 443},
	{"ws", 80},
	{"wss", 443},
}

func isSecureScheme(scheme string) bool {
	return strings.EqualFold(scheme, "wss") || strings.EqualFold(scheme, "https")
}

func inferPort(u *url.URL, secure bool) int {
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	for _, sp := range schemePorts {
		if strings.EqualFold(u.Scheme, sp.scheme) {
			return sp.port
		}
	}
	if secure {
		return 443
	}
	return 80
}

func (b *clientBootstrap) connect(t *Transport, u *url.URL) error {
	host := u.Hostname()
	secure := isSecureScheme(u.Scheme) || t.TLSConfig != nil || t.TLSClient != nil
	port := inferPort(u, secure)

	b.state = stateConnecting
	b.log.Debug("connecting",
		zap.String("host", host),
		zap.Int("port", port),
		zap.Bool("secure", secure),
	)
	t.connect(connConfig{
		host:       host,
		port:       port,
		secure:     secure,
		logger:     b.log,
		onSetup:    b.onConnSetup,
		onShutdown: b.onConnShutdown,
	})
	return nil
}

func (b *clientBootstrap) onConnSetup(conn Conn, err error) {
	if (err != nil) != (conn == nil) {
		panic("wsboot: connection setup callback violated its contract")
	}
	if err != nil {
		b.log.Error("connection setup failed", zap.Error(err))
		b.state = stateDone
		b.onSetup(nil, err, StatusUnknown, nil)
		return
	}
	b.state = stateHandshaking
	_, err = conn.NewStream(StreamOptions{
		Method:  methodGet,
		Path:    b.requestPath,
		Headers: b.requestHeaders,
		Callbacks: StreamCallbacks{
			OnHeaders:  b.onHandshakeHeaders,
			OnComplete: b.onHandshakeComplete,
		},
	})
	if err != nil {
		b.cancel(conn, err)
	}
}

// onHandshakeHeaders accumulates response headers across however many
// batches they arrive in. Bytes go into growable storage addressed by
// offset records; no subslice of the storage is taken until the
// response is complete.
func (b *clientBootstrap) onHandshakeHeaders(s *Stream, headers []HeaderField) error {
	for _, f := range headers {
		var rec headerRecord
		rec.nameOff = len(b.responseStorage)
		rec.nameLen = len(f.Name)
		b.responseStorage = append(b.responseStorage, f.Name...)
		rec.valOff = len(b.responseStorage)
		rec.valLen = len(f.Value)
		b.responseStorage = append(b.responseStorage, f.Value...)
		b.responseRecords = append(b.responseRecords, rec)
	}
	return nil
}

func (b *clientBootstrap) onHandshakeComplete(s *Stream, err error) {
	conn := s.Connection()
	defer s.Release()

	if err != nil {
		b.cancel(conn, err)
		return
	}
	b.responseStatus = s.ResponseStatus()
	if b.responseStatus != StatusSwitchingProtocols {
		b.log.Error("upgrade refused", zap.Int("status", b.responseStatus))
		b.cancel(conn, UpgradeError(b.responseStatus))
		return
	}

	ch, err := conn.Detach()
	if err != nil {
		b.cancel(conn, err)
		return
	}
	h, err := newHandler(handlerConfig{
		channel: ch,
		window:  b.initialWindowSize,
		cb:      b.frameCB,
		logger:  b.log,
	})
	if err != nil {
		b.cancel(conn, err)
		return
	}
	b.handler = h
	b.state = stateEstablished
	b.log.Debug("websocket established")
	b.onSetup(h, nil, b.responseStatus, b.responseHeaders())
	h.start()
}

// cancel records the first error of the attempt and starts tearing the
// connection down. Later errors lose to the first one.
func (b *clientBootstrap) cancel(conn Conn, err error) {
	if b.setupErr != nil {
		return
	}
	b.log.Error("connection attempt canceled",
		zap.Stringer("state", b.state),
		zap.Error(err),
	)
	b.setupErr = err
	b.state = stateClosing
	conn.Close()
}

// onConnShutdown is the single terminal transition: whatever stage the
// attempt died in, exactly one of setup-failure or shutdown is
// reported here, and the connection reference is dropped.
func (b *clientBootstrap) onConnShutdown(conn Conn, err error) {
	if b.state != stateEstablished {
		if err == nil {
			err = b.setupErr
		}
		if err == nil {
			err = ErrUnknown
		}
		b.log.Error("connection attempt failed",
			zap.Stringer("state", b.state),
			zap.Error(err),
		)
		b.onSetup(nil, err, b.responseStatus, b.responseHeaders())
	} else if b.onShutdown != nil {
		b.log.Debug("websocket shut down", zap.Error(err))
		b.onShutdown(b.handler, err)
	}
	b.state = stateDone
	conn.Release()
}

func (b *clientBootstrap) responseHeaders() []HeaderField {
	if len(b.responseRecords) == 0 {
		return nil
	}
	return materializeHeaders(b.responseStorage, b.responseRecords, nil)
}
