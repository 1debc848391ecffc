package wsboot

import (
	"net/url"
	"testing"

	"github.com/gobwas/httphead"
)

func TestNewHandshakeHeaders(t *testing.T) {
	u := &url.URL{Scheme: "ws", Host: "example.com:8080", Path: "/chat"}
	headers, nonce := NewHandshakeHeaders(u, HandshakeOptions{
		Protocols: []string{"chat", "superchat"},
		Extensions: []httphead.Option{
			httphead.NewOption("foo", map[string]string{"bar": "1"}),
			httphead.NewOption("baz", nil),
		},
		Header: []HeaderField{
			{Name: []byte("X-Custom"), Value: []byte("yes")},
		},
	})

	if len(nonce) != nonceSize {
		t.Fatalf("nonce is %d bytes; want %d", len(nonce), nonceSize)
	}
	for _, test := range []struct {
		name  string
		value string
	}{
		{"Host", "example.com:8080"},
		{"Upgrade", "websocket"},
		{"Connection", "Upgrade"},
		{"Sec-WebSocket-Version", "13"},
		{"Sec-WebSocket-Key", string(nonce)},
		{"Sec-WebSocket-Protocol", "chat, superchat"},
		{"Sec-WebSocket-Extensions", "foo;bar=1,baz"},
		{"X-Custom", "yes"},
	} {
		if got := string(headerValue(headers, test.name)); got != test.value {
			t.Errorf("header %s is %q; want %q", test.name, got, test.value)
		}
	}
}

func TestCheckAccept(t *testing.T) {
	nonce := make([]byte, nonceSize)
	initNonce(nonce)
	accept := make([]byte, acceptSize)
	initAcceptFromNonce(accept, nonce)

	ok := CheckAccept([]HeaderField{
		{Name: []byte("Upgrade"), Value: []byte("websocket")},
		{Name: []byte("sec-websocket-accept"), Value: accept},
	}, nonce)
	if !ok {
		t.Errorf("valid accept rejected")
	}

	bad := append([]byte(nil), accept...)
	bad[0] ^= 1
	ok = CheckAccept([]HeaderField{
		{Name: []byte("Sec-WebSocket-Accept"), Value: bad},
	}, nonce)
	if ok {
		t.Errorf("corrupted accept passed")
	}

	if CheckAccept(nil, nonce) {
		t.Errorf("missing accept header passed")
	}
}

func TestAcceptedProtocol(t *testing.T) {
	headers := []HeaderField{
		{Name: []byte("Sec-WebSocket-Protocol"), Value: []byte("superchat")},
	}
	if p, ok := AcceptedProtocol(headers, []string{"chat", "superchat"}); !ok || p != "superchat" {
		t.Errorf("AcceptedProtocol() = %q, %v; want %q, true", p, ok, "superchat")
	}
	if _, ok := AcceptedProtocol(headers, []string{"chat"}); ok {
		t.Errorf("unwanted protocol accepted")
	}
	if _, ok := AcceptedProtocol(nil, []string{"chat"}); ok {
		t.Errorf("missing protocol header accepted")
	}
}
