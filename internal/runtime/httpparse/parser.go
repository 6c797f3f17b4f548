// Package httpparse parses an HTTP/1.x request incrementally out of a sandbox's
// receive buffer and reports it through settings callbacks.
package httpparse

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"

	appErr "faasrt/pkg/errors"
)

var headerEnd = []byte("\r\n\r\n")

// Header is one request header in wire order.
type Header struct {
	Name  string
	Value string
}

// Message is a fully parsed request.
type Message struct {
	Method  string
	URL     string
	Proto   string
	Headers []Header
	Body    []byte
}

// Settings are the callbacks fired once the message is complete, in wire order.
// Any callback may be nil. A callback error aborts parsing.
type Settings struct {
	OnURL             func(url string) error
	OnHeader          func(name, value string) error
	OnBody            func(body []byte) error
	OnMessageComplete func(msg *Message) error
}

// Limits bound what the parser accepts. Zero disables a check.
type Limits struct {
	MaxRequestSize  int
	MaxHeaderCount  int
	MaxHeaderLength int
}

// Parser accumulates nothing itself: Execute is handed the whole buffer
// received so far each time.
type Parser struct {
	settings Settings
	limits   Limits
	headers  bool
	msg      *Message
}

func New(settings Settings, limits Limits) *Parser {
	return &Parser{settings: settings, limits: limits}
}

// Complete reports whether the message has been fully parsed.
func (p *Parser) Complete() bool { return p.msg != nil }

// Message returns the parsed message, nil until complete.
func (p *Parser) Message() *Message { return p.msg }

// HeadersDone reports whether the header block has been received.
func (p *Parser) HeadersDone() bool { return p.headers }

// Execute parses data, the bytes received so far. It returns true once the
// message is complete and false while more input is needed.
func (p *Parser) Execute(data []byte) (bool, error) {
	if p.msg != nil {
		return true, nil
	}
	if p.limits.MaxRequestSize > 0 && len(data) > p.limits.MaxRequestSize {
		return false, appErr.Newf(appErr.RequestTooLarge, "request exceeds %d bytes", p.limits.MaxRequestSize)
	}
	end := bytes.Index(data, headerEnd)
	if end < 0 {
		return false, nil
	}
	head := data[:end]
	headers, err := p.scanHeaders(head)
	if err != nil {
		return false, err
	}
	p.headers = true

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		return false, appErr.Wrapf(err, appErr.RequestMalformed, "malformed request")
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, appErr.Wrapf(err, appErr.RequestMalformed, "malformed request body")
	}

	msg := &Message{
		Method:  req.Method,
		URL:     req.RequestURI,
		Proto:   req.Proto,
		Headers: headers,
		Body:    body,
	}
	if err := p.fire(msg); err != nil {
		return false, err
	}
	p.msg = msg
	return true, nil
}

// scanHeaders checks the header block against the limits and returns the
// headers in wire order.
func (p *Parser) scanHeaders(head []byte) ([]Header, error) {
	lines := bytes.Split(head, []byte("\r\n"))
	if len(lines) == 0 || len(bytes.TrimSpace(lines[0])) == 0 {
		return nil, appErr.New(appErr.RequestMalformed).WithMessage("missing request line")
	}
	headers := make([]Header, 0, len(lines)-1)
	for _, line := range lines[1:] {
		if p.limits.MaxHeaderCount > 0 && len(headers) >= p.limits.MaxHeaderCount {
			return nil, appErr.Newf(appErr.RequestMalformed, "more than %d headers", p.limits.MaxHeaderCount)
		}
		if p.limits.MaxHeaderLength > 0 && len(line) > p.limits.MaxHeaderLength {
			return nil, appErr.Newf(appErr.RequestMalformed, "header longer than %d bytes", p.limits.MaxHeaderLength)
		}
		name, value, ok := bytes.Cut(line, []byte(":"))
		if !ok || len(name) == 0 {
			return nil, appErr.Newf(appErr.RequestMalformed, "malformed header line %q", line)
		}
		headers = append(headers, Header{
			Name:  string(bytes.TrimSpace(name)),
			Value: string(bytes.TrimSpace(value)),
		})
	}
	return headers, nil
}

func (p *Parser) fire(msg *Message) error {
	s := p.settings
	if s.OnURL != nil {
		if err := s.OnURL(msg.URL); err != nil {
			return err
		}
	}
	if s.OnHeader != nil {
		for _, h := range msg.Headers {
			if err := s.OnHeader(h.Name, h.Value); err != nil {
				return err
			}
		}
	}
	if s.OnBody != nil && len(msg.Body) > 0 {
		if err := s.OnBody(msg.Body); err != nil {
			return err
		}
	}
	if s.OnMessageComplete != nil {
		return s.OnMessageComplete(msg)
	}
	return nil
}
