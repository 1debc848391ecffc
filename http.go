package wsboot

import (
	"bufio"
	"bytes"
	"fmt"
)

const (
	crlf          = "\r\n"
	colonAndSpace = ": "
)

// Header names used during the websocket handshake.
const (
	headerHost          = "Host"
	headerUpgrade       = "Upgrade"
	headerConnection    = "Connection"
	headerContentLength = "Content-Length"
	headerSecVersion    = "Sec-WebSocket-Version"
	headerSecProtocol   = "Sec-WebSocket-Protocol"
	headerSecExtensions = "Sec-WebSocket-Extensions"
	headerSecKey        = "Sec-WebSocket-Key"
	headerSecAccept     = "Sec-WebSocket-Accept"
)

var (
	httpVersion1_0    = []byte("HTTP/1.0")
	httpVersion1_1    = []byte("HTTP/1.1")
	httpVersionPrefix = []byte("HTTP/")

	methodGet = []byte("GET")

	btsContentLength = []byte(headerContentLength)
	btsSecAccept     = []byte(headerSecAccept)
	btsSecProtocol   = []byte(headerSecProtocol)
)

// Errors used while reading an HTTP response from the wire.
var (
	ErrMalformedResponse = fmt.Errorf("malformed HTTP response")
	ErrBadHttpVersion    = fmt.Errorf("unsupported HTTP version in response")
)

type httpResponseLine struct {
	major, minor int
	status       int
	reason       []byte
}

// httpParseResponseLine parses an http response line like
// "HTTP/1.1 101 Switching Protocols".
func httpParseResponseLine(line []byte) (resp httpResponseLine, err error) {
	proto, status, reason := bsplit3(line, ' ')

	var ok bool
	resp.major, resp.minor, ok = httpParseVersion(proto)
	if !ok {
		return resp, ErrMalformedResponse
	}
	resp.status, err = asciiToInt(status)
	if err != nil {
		return resp, ErrMalformedResponse
	}
	resp.reason = reason

	return resp, nil
}

// httpParseVersion parses major and minor version of HTTP protocol. It
// returns parsed values and true if parse is ok.
func httpParseVersion(bts []byte) (major, minor int, ok bool) {
	switch {
	case bytes.Equal(bts, httpVersion1_1):
		return 1, 1, true
	case bytes.Equal(bts, httpVersion1_0):
		return 1, 0, true
	case len(bts) < 8:
		return
	case !bytes.Equal(bts[:5], httpVersionPrefix):
		return
	}

	bts = bts[5:]

	dot := bytes.IndexByte(bts, '.')
	if dot == -1 {
		return
	}
	var err error
	major, err = asciiToInt(bts[:dot])
	if err != nil {
		return
	}
	minor, err = asciiToInt(bts[dot+1:])
	if err != nil {
		return
	}

	return major, minor, true
}

// httpParseHeaderLine parses an HTTP header as a key-value pair. It
// returns parsed values and true if parse is ok.
func httpParseHeaderLine(line []byte) (k, v []byte, ok bool) {
	colon := bindex(line, ':')
	if colon == -1 {
		return
	}
	k = btrim(line[:colon])
	v = btrim(line[colon+1:])
	return k, v, true
}

// readLine reads a line up to CRLF from br and returns it without the
// line ending. The returned slice is only valid until the next read.
func readLine(br *bufio.Reader) ([]byte, error) {
	line, err := br.ReadSlice('\n')
	if err != nil {
		return nil, err
	}
	n := len(line) - 1
	if n > 0 && line[n-1] == '\r' {
		n--
	}
	return line[:n], nil
}

// httpWriteRequest writes a whole request head: the request line, every
// header field and the terminating blank line.
func httpWriteRequest(bw *bufio.Writer, method, path []byte, headers []HeaderField) {
	bw.Write(method)
	bw.WriteByte(' ')
	bw.Write(path)
	bw.WriteByte(' ')
	bw.Write(httpVersion1_1)
	bw.WriteString(crlf)
	for _, f := range headers {
		bw.Write(f.Name)
		bw.WriteString(colonAndSpace)
		bw.Write(f.Value)
		bw.WriteString(crlf)
	}
	bw.WriteString(crlf)
}
