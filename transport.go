package wsboot

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Transport establishes and secures the byte channel that HTTP
// connections run over. The zero value is usable and dials plain TCP
// with no timeout.
type Transport struct {
	// NetDial is the function that is used to get a plain tcp
	// connection. If it is not nil, then it is used instead of
	// net.Dialer.
	NetDial func(ctx context.Context, network, addr string) (net.Conn, error)

	// TLSClient is the callback that will be called after a
	// successful dial with the received connection and its remote
	// host name. If it is nil, then the default tls.Client() will
	// be used. If it is not nil, then TLSConfig field is ignored.
	TLSClient func(conn net.Conn, hostname string) net.Conn

	// TLSConfig is passed to tls.Client() to start TLS over the
	// established connection. If TLSClient is not nil, then it is
	// ignored. If TLSConfig is non-nil and its ServerName is empty,
	// then it will be cloned and the appropriate ServerName will be
	// set for every connect.
	TLSConfig *tls.Config

	// Timeout is the maximum amount of time dialing may take.
	//
	// The default is no timeout.
	Timeout time.Duration

	// Proto selects the protocol spoken on established connections.
	// The default is ProtoHTTP1.
	Proto Proto

	// Logger, when set, receives connection-level events. The
	// default is a no-op logger.
	Logger *zap.Logger
}

// connConfig carries everything a protocol connection needs from its
// creator.
type connConfig struct {
	host   string
	port   int
	secure bool
	logger *zap.Logger

	onSetup    SetupCallback
	onShutdown ShutdownCallback
}

var (
	// netEmptyDialer is a net.Dialer without options, used if
	// Transport.NetDial is not provided.
	netEmptyDialer net.Dialer
	// tlsEmptyConfig is an empty tls.Config used as default one.
	tlsEmptyConfig tls.Config
)

// connect dials asynchronously and reports the outcome through
// cfg.onSetup: either a live connection with a nil error, or a nil
// connection with the dial error.
func (t *Transport) connect(cfg connConfig) {
	if cfg.logger == nil {
		cfg.logger = t.Logger
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	go func() {
		ctx := context.Background()
		if t.Timeout != 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, t.Timeout)
			defer cancel()
		}
		nc, err := t.dial(ctx, cfg.host, cfg.port, cfg.secure)
		if err != nil {
			cfg.logger.Error("dial failed",
				zap.String("host", cfg.host),
				zap.Int("port", cfg.port),
				zap.Error(err),
			)
			cfg.onSetup(nil, err)
			return
		}
		switch t.proto() {
		case ProtoHTTP2:
			if _, err := newHTTP2Conn(nc, cfg); err != nil {
				nc.Close()
				cfg.onSetup(nil, err)
			}
		default:
			newHTTP1Conn(nc, cfg)
		}
	}()
}

func (t *Transport) proto() Proto {
	if t.Proto == 0 {
		return ProtoHTTP1
	}
	return t.Proto
}

func (t *Transport) dial(ctx context.Context, host string, port int, secure bool) (net.Conn, error) {
	dial := t.NetDial
	if dial == nil {
		dial = netEmptyDialer.DialContext
	}
	conn, err := dial(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	if secure {
		tlsClient := t.TLSClient
		if tlsClient == nil {
			tlsClient = t.tlsClient
		}
		conn = tlsClient(conn, host)
	}
	return conn, nil
}

func (t *Transport) tlsClient(conn net.Conn, hostname string) net.Conn {
	config := t.TLSConfig
	if config == nil {
		config = &tlsEmptyConfig
	}
	if config.ServerName == "" {
		config = config.Clone()
		config.ServerName = hostname
	}
	// The TLS handshake is left to the first read or write on the
	// connection.
	return tls.Client(conn, config)
}
