/*
Package wsboot implements an asynchronous client bootstrap for the
WebSocket protocol as specified in RFC 6455.

The main purpose of this package is to drive a single websocket connect
attempt end-to-end without blocking the caller: it establishes an HTTP
connection, performs the opening handshake (HTTP Upgrade request),
creates the websocket message handler and hands it over to the caller.

Overview.

A connect attempt is described by ConnectOptions and started with
Connect:

	headers, nonce := wsboot.NewHandshakeHeaders(u, wsboot.HandshakeOptions{})
	err := wsboot.Connect(wsboot.ConnectOptions{
		Transport:        &wsboot.Transport{},
		URI:              u,
		HandshakeHeaders: headers,
		OnSetup: func(h *wsboot.Handler, err error, status int, headers []wsboot.HeaderField) {
			// h is non-nil exactly when err is nil.
		},
		OnShutdown: func(h *wsboot.Handler, err error) {
			// Fires once after a successful setup, when the
			// connection is gone.
		},
	})

Connect returns an error only for invalid options. Every other outcome,
including dial failures and refused upgrades, is delivered through the
OnSetup callback; after a successful setup the OnShutdown callback
fires exactly once when the connection goes away. Callbacks for one
attempt are never concurrent: they run on the connection's own dispatch
goroutine.

On success the caller receives a *Handler, the live message channel.
Its incoming frames are delivered through the three frame callbacks
registered in ConnectOptions; either all three are set, or none (the
handler then reads and discards frames itself, which is useful when
only the handshake result matters).

Request/response exchanges below the bootstrap are represented by
Stream values, which are protocol-agnostic: the same stream surface is
produced by the HTTP/1.1 and HTTP/2 connections that this package
ships. Streams are reference counted because their lifetime is shared
between the issuing connection and the caller.
*/
package wsboot
