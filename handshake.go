package wsboot

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/gobwas/httphead"
)

// HandshakeOptions tweaks the header block built by
// NewHandshakeHeaders.
type HandshakeOptions struct {
	// Protocols is the list of subprotocols to advertise.
	Protocols []string

	// Extensions is the list of extensions to negotiate.
	Extensions []httphead.Option

	// Header is appended verbatim after the standard upgrade
	// headers.
	Header []HeaderField
}

// NewHandshakeHeaders builds the header block of a websocket upgrade
// request for u, returning the headers together with the generated
// Sec-WebSocket-Key nonce. Keep the nonce to verify the server's
// Sec-WebSocket-Accept with CheckAccept.
func NewHandshakeHeaders(u *url.URL, opts HandshakeOptions) ([]HeaderField, []byte) {
	nonce := make([]byte, nonceSize)
	initNonce(nonce)

	host := u.Host
	headers := []HeaderField{
		{Name: []byte(headerHost), Value: []byte(host)},
		{Name: []byte(headerUpgrade), Value: []byte("websocket")},
		{Name: []byte(headerConnection), Value: []byte("Upgrade")},
		{Name: []byte(headerSecVersion), Value: []byte("13")},
		{Name: []byte(headerSecKey), Value: nonce},
	}
	if len(opts.Protocols) > 0 {
		headers = append(headers, HeaderField{
			Name:  []byte(headerSecProtocol),
			Value: []byte(strings.Join(opts.Protocols, ", ")),
		})
	}
	if len(opts.Extensions) > 0 {
		var buf bytes.Buffer
		httphead.WriteOptions(&buf, opts.Extensions)
		headers = append(headers, HeaderField{
			Name:  []byte(headerSecExtensions),
			Value: buf.Bytes(),
		})
	}
	headers = append(headers, opts.Header...)
	return headers, nonce
}

// CheckAccept reports whether the response headers carry a
// Sec-WebSocket-Accept value matching the request nonce.
func CheckAccept(headers []HeaderField, nonce []byte) bool {
	for _, f := range headers {
		if btsEqualFold(f.Name, btsSecAccept) {
			return checkAcceptFromNonce(f.Value, nonce)
		}
	}
	return false
}

// AcceptedProtocol returns the subprotocol the server selected, if it
// is one of the wanted ones.
func AcceptedProtocol(headers []HeaderField, wanted []string) (string, bool) {
	for _, f := range headers {
		if !btsEqualFold(f.Name, btsSecProtocol) {
			continue
		}
		var (
			selected string
			ok       bool
		)
		httphead.ScanTokens(f.Value, func(v []byte) bool {
			for _, w := range wanted {
				if string(v) == w {
					selected, ok = w, true
					return false
				}
			}
			return true
		})
		if ok {
			return selected, true
		}
	}
	return "", false
}
