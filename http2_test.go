package wsboot

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

func TestHTTP2Exchange(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	type windowUpdate struct {
		id  uint32
		inc uint32
	}
	var (
		paths   = make(chan string, 1)
		updates = make(chan windowUpdate, 4)
		srvErrs = make(chan error, 1)
	)
	go func() {
		srvErrs <- func() error {
			preface := make([]byte, len(clientPreface))
			if _, err := io.ReadFull(server, preface); err != nil {
				return err
			}
			if !bytes.Equal(preface, clientPreface) {
				return fmt.Errorf("bad connection preface %q", preface)
			}
			fr := http2.NewFramer(server, bufio.NewReader(server))
			fr.ReadMetaHeaders = hpack.NewDecoder(http2HeaderTableSize, nil)
			var hbuf bytes.Buffer
			henc := hpack.NewEncoder(&hbuf)
			// The pipe is synchronous: the client's settings must be
			// consumed before answering with our own, and an ack
			// would deadlock against the client's own pending ack.
			sentSettings := false
			for {
				f, err := fr.ReadFrame()
				if err != nil {
					// The client hangs up when the test is done.
					return nil
				}
				switch f := f.(type) {
				case *http2.SettingsFrame:
					if !f.IsAck() && !sentSettings {
						sentSettings = true
						if err := fr.WriteSettings(); err != nil {
							return err
						}
					}
				case *http2.MetaHeadersFrame:
					var path string
					for _, hf := range f.Fields {
						if hf.Name == ":path" {
							path = hf.Value
						}
					}
					paths <- path
					hbuf.Reset()
					henc.WriteField(hpack.HeaderField{Name: ":status", Value: "200"})
					henc.WriteField(hpack.HeaderField{Name: "x-test", Value: "yes"})
					err := fr.WriteHeaders(http2.HeadersFrameParam{
						StreamID:      f.StreamID,
						BlockFragment: hbuf.Bytes(),
						EndHeaders:    true,
						EndStream:     true,
					})
					if err != nil {
						return err
					}
				case *http2.WindowUpdateFrame:
					updates <- windowUpdate{id: f.StreamID, inc: f.Increment}
				}
			}
		}()
	}()

	setups := make(chan Conn, 1)
	shutdowns := make(chan error, 1)
	conn, err := newHTTP2Conn(client, connConfig{
		host:   "example.com",
		logger: zap.NewNop(),
		onSetup: func(conn Conn, err error) {
			if err != nil {
				t.Errorf("setup error is %v", err)
			}
			setups <- conn
		},
		onShutdown: func(conn Conn, err error) {
			shutdowns <- err
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-setups:
	case <-time.After(time.Second):
		t.Fatalf("setup never reported")
	}
	if got := conn.Proto(); got != ProtoHTTP2 {
		t.Errorf("proto is %v; want %v", got, ProtoHTTP2)
	}
	if _, err := conn.Detach(); err != ErrNotDetachable {
		t.Errorf("Detach() error is %v; want %v", err, ErrNotDetachable)
	}

	var (
		headers   = make(chan []HeaderField, 1)
		completes = make(chan int, 1)
	)
	s, err := conn.NewStream(StreamOptions{
		Method:  methodGet,
		Path:    []byte("/chat"),
		Headers: []HeaderField{{Name: []byte("X-Req"), Value: []byte("1")}},
		Callbacks: StreamCallbacks{
			OnHeaders: func(s *Stream, hs []HeaderField) error {
				headers <- appendCopiedHeaders(nil, hs)
				return nil
			},
			OnComplete: func(s *Stream, err error) {
				if err != nil {
					t.Errorf("stream completed with %v", err)
				}
				completes <- s.ResponseStatus()
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case path := <-paths:
		if path != "/chat" {
			t.Errorf("request path is %q; want %q", path, "/chat")
		}
	case <-time.After(time.Second):
		t.Fatalf("request never arrived")
	}
	s.UpdateWindow(4096)
	select {
	case u := <-updates:
		if u.id == 0 || u.inc != 4096 {
			t.Errorf("window update is stream %d += %d; want stream-level += 4096", u.id, u.inc)
		}
	case <-time.After(time.Second):
		t.Fatalf("window update never arrived")
	}
	select {
	case hs := <-headers:
		if got := string(headerValue(hs, "x-test")); got != "yes" {
			t.Errorf("x-test header is %q; want %q", got, "yes")
		}
		for _, f := range hs {
			if f.Name[0] == ':' {
				t.Errorf("pseudo header %q leaked to the callback", f.Name)
			}
		}
	case <-time.After(time.Second):
		t.Fatalf("response headers never delivered")
	}
	select {
	case status := <-completes:
		if status != 200 {
			t.Errorf("stream status is %d; want 200", status)
		}
	case <-time.After(time.Second):
		t.Fatalf("stream never completed")
	}
	s.Release()

	conn.Close()
	select {
	case err := <-shutdowns:
		if err != nil {
			t.Errorf("shutdown error is %v; want nil after deliberate close", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("shutdown never reported")
	}
	conn.Release()

	if err := <-srvErrs; err != nil {
		t.Fatal(err)
	}
}

func TestHTTP2RequestBodySerialized(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	var (
		bodies  = make(chan []byte, 1)
		srvErrs = make(chan error, 1)
	)
	go func() {
		srvErrs <- func() error {
			preface := make([]byte, len(clientPreface))
			if _, err := io.ReadFull(server, preface); err != nil {
				return err
			}
			fr := http2.NewFramer(server, bufio.NewReader(server))
			fr.ReadMetaHeaders = hpack.NewDecoder(http2HeaderTableSize, nil)
			var hbuf bytes.Buffer
			henc := hpack.NewEncoder(&hbuf)
			var body []byte
			for {
				f, err := fr.ReadFrame()
				if err != nil {
					return nil
				}
				switch f := f.(type) {
				case *http2.DataFrame:
					body = append(body, f.Data()...)
					if f.StreamEnded() {
						bodies <- body
						hbuf.Reset()
						henc.WriteField(hpack.HeaderField{Name: ":status", Value: "200"})
						err := fr.WriteHeaders(http2.HeadersFrameParam{
							StreamID:      f.StreamID,
							BlockFragment: hbuf.Bytes(),
							EndHeaders:    true,
							EndStream:     true,
						})
						if err != nil {
							return err
						}
					}
				}
			}
		}()
	}()

	setups := make(chan Conn, 1)
	conn, err := newHTTP2Conn(client, connConfig{
		host:    "example.com",
		logger:  zap.NewNop(),
		onSetup: func(conn Conn, err error) { setups <- conn },
		onShutdown: func(conn Conn, err error) {
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-setups:
	case <-time.After(time.Second):
		t.Fatalf("setup never reported")
	}

	// Stream callbacks, the body producer included, must never
	// overlap: they all share the connection's dispatch goroutine.
	var busy atomic.Bool
	enter := func(name string) func() {
		if !busy.CompareAndSwap(false, true) {
			t.Errorf("%s overlapped another stream callback", name)
		}
		return func() { busy.Store(false) }
	}

	completes := make(chan int, 1)
	sent := false
	s, err := conn.NewStream(StreamOptions{
		Method: methodGet,
		Path:   []byte("/upload"),
		Callbacks: StreamCallbacks{
			OnOutgoingBody: func(s *Stream, p []byte) (int, bool, error) {
				defer enter("body producer")()
				if sent {
					return 0, true, nil
				}
				sent = true
				return copy(p, "ping me"), true, nil
			},
			OnHeaders: func(s *Stream, hs []HeaderField) error {
				defer enter("headers callback")()
				return nil
			},
			OnComplete: func(s *Stream, err error) {
				defer enter("complete callback")()
				if err != nil {
					t.Errorf("stream completed with %v", err)
				}
				completes <- s.ResponseStatus()
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case body := <-bodies:
		if !bytes.Equal(body, []byte("ping me")) {
			t.Errorf("request body is %q; want %q", body, "ping me")
		}
	case <-time.After(time.Second):
		t.Fatalf("request body never arrived")
	}
	select {
	case status := <-completes:
		if status != 200 {
			t.Errorf("stream status is %d; want 200", status)
		}
	case <-time.After(time.Second):
		t.Fatalf("stream never completed")
	}
	s.Release()

	conn.Close()
	conn.Release()
	if err := <-srvErrs; err != nil {
		t.Fatal(err)
	}
}
