package httpparse

import (
	"strings"
	"testing"

	appErr "faasrt/pkg/errors"
)

func TestParserIncremental(t *testing.T) {
	raw := "POST /run?x=1 HTTP/1.1\r\nHost: local\r\nContent-Length: 5\r\nX-Trace: abc\r\n\r\nhello"
	var url string
	var names []string
	var body string
	completed := 0
	var settings Settings
	settings.OnURL = func(u string) error { url = u; return nil }
	settings.OnHeader = func(n, v string) error { names = append(names, n); return nil }
	settings.OnBody = func(b []byte) error { body = string(b); return nil }
	settings.OnMessageComplete = func(*Message) error { completed++; return nil }
	p := New(settings, Limits{MaxRequestSize: 4096, MaxHeaderCount: 16, MaxHeaderLength: 1024})

	for i := 1; i < len(raw); i++ {
		done, err := p.Execute([]byte(raw[:i]))
		if err != nil {
			t.Fatalf("prefix %d: unexpected error %v", i, err)
		}
		if done {
			t.Fatalf("prefix %d reported complete", i)
		}
	}
	done, err := p.Execute([]byte(raw))
	if err != nil || !done {
		t.Fatalf("full message: done=%v err=%v", done, err)
	}
	if completed != 1 || url != "/run?x=1" || body != "hello" {
		t.Fatalf("unexpected callbacks url=%q body=%q completed=%d", url, body, completed)
	}
	if strings.Join(names, ",") != "Host,Content-Length,X-Trace" {
		t.Fatalf("headers out of order: %v", names)
	}
	msg := p.Message()
	if msg.Method != "POST" || msg.Proto != "HTTP/1.1" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if done, _ := p.Execute([]byte(raw)); !done || completed != 1 {
		t.Fatalf("completed parser must not fire again")
	}
}

func TestParserGetWithoutBody(t *testing.T) {
	p := New(Settings{}, Limits{})
	done, err := p.Execute([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	if err != nil || !done {
		t.Fatalf("done=%v err=%v", done, err)
	}
	if len(p.Message().Body) != 0 {
		t.Fatalf("unexpected body")
	}
}

func TestParserLimits(t *testing.T) {
	cases := []struct {
		name   string
		raw    string
		limits Limits
		code   appErr.ErrorCode
	}{
		{"too large", "GET / HTTP/1.1\r\nHost: x\r\n\r\n", Limits{MaxRequestSize: 10}, appErr.RequestTooLarge},
		{"too many headers", "GET / HTTP/1.1\r\nA: 1\r\nB: 2\r\nC: 3\r\n\r\n", Limits{MaxHeaderCount: 2}, appErr.RequestMalformed},
		{"header too long", "GET / HTTP/1.1\r\nA: 0123456789\r\n\r\n", Limits{MaxHeaderLength: 8}, appErr.RequestMalformed},
		{"bad header", "GET / HTTP/1.1\r\nnocolon\r\n\r\n", Limits{}, appErr.RequestMalformed},
		{"bad request line", "NOT-HTTP\r\nA: 1\r\n\r\n", Limits{}, appErr.RequestMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(Settings{}, tc.limits).Execute([]byte(tc.raw))
			if appErr.GetCode(err) != tc.code {
				t.Fatalf("expected %d, got %v", tc.code, err)
			}
		})
	}
}

func TestParserCallbackError(t *testing.T) {
	p := New(Settings{OnURL: func(string) error { return appErr.New(appErr.RequestMalformed) }}, Limits{})
	if _, err := p.Execute([]byte("GET / HTTP/1.1\r\n\r\n")); err == nil {
		t.Fatalf("expected callback error to abort")
	}
	if p.Complete() {
		t.Fatalf("aborted parse must not be complete")
	}
}
