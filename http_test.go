package wsboot

import (
	"bufio"
	"bytes"
	"testing"
)

func TestHttpParseResponseLine(t *testing.T) {
	for _, test := range []struct {
		line string
		resp httpResponseLine
		err  bool
	}{
		{
			line: "HTTP/1.1 101 Switching Protocols",
			resp: httpResponseLine{major: 1, minor: 1, status: 101, reason: []byte("Switching Protocols")},
		},
		{
			line: "HTTP/1.1 404 Not Found",
			resp: httpResponseLine{major: 1, minor: 1, status: 404, reason: []byte("Not Found")},
		},
		{
			line: "HTTP/1.0 200 OK",
			resp: httpResponseLine{major: 1, minor: 0, status: 200, reason: []byte("OK")},
		},
		{
			line: "HTTP/4.2 200 OK",
			resp: httpResponseLine{major: 4, minor: 2, status: 200, reason: []byte("OK")},
		},
		{
			line: "ICY 200 OK",
			err:  true,
		},
		{
			line: "HTTP/1.1 abc OK",
			err:  true,
		},
		{
			line: "",
			err:  true,
		},
	} {
		t.Run(test.line, func(t *testing.T) {
			resp, err := httpParseResponseLine([]byte(test.line))
			if test.err {
				if err == nil {
					t.Fatalf("want error; got %+v", resp)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if resp.major != test.resp.major || resp.minor != test.resp.minor {
				t.Errorf("version is %d.%d; want %d.%d", resp.major, resp.minor, test.resp.major, test.resp.minor)
			}
			if resp.status != test.resp.status {
				t.Errorf("status is %d; want %d", resp.status, test.resp.status)
			}
			if !bytes.Equal(resp.reason, test.resp.reason) {
				t.Errorf("reason is %q; want %q", resp.reason, test.resp.reason)
			}
		})
	}
}

func TestHttpParseHeaderLine(t *testing.T) {
	for _, test := range []struct {
		line string
		k, v string
		ok   bool
	}{
		{line: "Upgrade: websocket", k: "Upgrade", v: "websocket", ok: true},
		{line: "Upgrade:websocket", k: "Upgrade", v: "websocket", ok: true},
		{line: "Upgrade:   websocket  ", k: "Upgrade", v: "websocket", ok: true},
		{line: "Empty:", k: "Empty", v: "", ok: true},
		{line: "no colon here"},
	} {
		t.Run(test.line, func(t *testing.T) {
			k, v, ok := httpParseHeaderLine([]byte(test.line))
			if ok != test.ok {
				t.Fatalf("ok is %v; want %v", ok, test.ok)
			}
			if !ok {
				return
			}
			if string(k) != test.k || string(v) != test.v {
				t.Errorf("parsed %q: %q; want %q: %q", k, v, test.k, test.v)
			}
		})
	}
}

func TestHttpWriteRequest(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	httpWriteRequest(bw, []byte("GET"), []byte("/chat?room=1"), []HeaderField{
		{Name: []byte("Host"), Value: []byte("example.com")},
		{Name: []byte("Upgrade"), Value: []byte("websocket")},
	})
	if err := bw.Flush(); err != nil {
		t.Fatal(err)
	}
	want := "" +
		"GET /chat?room=1 HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Upgrade: websocket\r\n" +
		"\r\n"
	if got := buf.String(); got != want {
		t.Errorf("request head is:\n%q\nwant:\n%q", got, want)
	}
}

func TestReadLine(t *testing.T) {
	br := bufio.NewReader(bytes.NewReader([]byte("first\r\nsecond\nthird\r\n")))
	for _, want := range []string{"first", "second", "third"} {
		line, err := readLine(br)
		if err != nil {
			t.Fatal(err)
		}
		if string(line) != want {
			t.Errorf("line is %q; want %q", line, want)
		}
	}
}
