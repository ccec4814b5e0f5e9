// Package httpparse implements an incremental HTTP/1.x message parser that
// tolerates arbitrary fragmentation of its input.
package httpparse

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// State is the progress of a Parser through one message.
type State int

const (
	StateInitial State = iota
	StateLine
	StateHeaders
	StateBody
	StateComplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateLine:
		return "LINE"
	case StateHeaders:
		return "HEADERS"
	case StateBody:
		return "BODY"
	case StateComplete:
		return "COMPLETE"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MaxHeaderBytes bounds the start line plus header block.
const MaxHeaderBytes = 64 * 1024

// ParseError reports malformed input.
type ParseError struct {
	State  State
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed HTTP message in state %s: %s", e.State, e.Reason)
}

type bodyMode int

const (
	bodyNone bodyMode = iota
	bodyLength
	bodyChunked
	bodyUntilClose
)

type chunkState int

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataEnd
	chunkTrailer
)

// Parser consumes bytes and builds one Message at a time.
type Parser struct {
	request bool
	// requestMethod of the request a response answers, for HEAD/CONNECT.
	requestMethod string
	keepBody      bool
	streaming     bool
	pending       []byte

	state       State
	err         error
	buf         []byte
	msg         *Message
	headerBytes int
	bodyRead    int64

	mode       bodyMode
	remaining  int64
	chunkState chunkState
}

// NewRequestParser returns a parser for client requests.
func NewRequestParser() *Parser {
	return &Parser{request: true, keepBody: true, msg: &Message{}}
}

// NewResponseParser returns a parser for the response to a request made
// with requestMethod. Response bodies are only counted, not retained.
func NewResponseParser(requestMethod string) *Parser {
	return &Parser{requestMethod: requestMethod, msg: &Message{}}
}

// KeepBody controls whether body bytes are stored in Message.Body.
func (p *Parser) KeepBody(keep bool) {
	p.keepBody = keep
}

func (p *Parser) State() State {
	return p.state
}

func (p *Parser) Err() error {
	return p.err
}

// Message returns the message being built. It is complete once State
// returns StateComplete.
func (p *Parser) Message() *Message {
	return p.msg
}

// HeadComplete reports whether the start line and headers were parsed.
func (p *Parser) HeadComplete() bool {
	return p.state == StateBody || p.state == StateComplete
}

// StreamBody stops storing body bytes in the message. Body bytes consumed
// from now on are collected until TakeBody hands them out. Reset turns
// streaming off again.
func (p *Parser) StreamBody() {
	p.streaming = true
}

// TakeBody returns the body bytes consumed since the previous call while
// streaming.
func (p *Parser) TakeBody() []byte {
	b := p.pending
	p.pending = nil
	return b
}

// BodyBytes returns how many body bytes were consumed so far.
func (p *Parser) BodyBytes() int64 {
	return p.bodyRead
}

// Remaining returns input fed after the end of a complete message.
func (p *Parser) Remaining() []byte {
	if p.state != StateComplete {
		return nil
	}
	return p.buf
}

// Reset prepares the parser for the next message on the same stream,
// keeping any bytes already fed beyond the previous one. Call Feed(nil) to
// parse them.
func (p *Parser) Reset() {
	rest := p.buf
	if p.state != StateComplete {
		rest = nil
	}
	*p = Parser{
		request:       p.request,
		requestMethod: p.requestMethod,
		keepBody:      p.keepBody,
		buf:           rest,
		msg:           &Message{},
	}
}

// Feed consumes data and advances as far as the input allows.
func (p *Parser) Feed(data []byte) (State, error) {
	if p.state == StateError {
		return p.state, p.err
	}
	p.buf = append(p.buf, data...)

	for {
		switch p.state {
		case StateInitial:
			p.skipLeadingBlankLines()
			if len(p.buf) == 0 {
				return p.state, nil
			}
			p.state = StateLine

		case StateLine:
			line, ok, err := p.nextLine()
			if err != nil {
				return p.fail(err)
			}
			if !ok {
				return p.state, nil
			}
			if err := p.parseStartLine(line); err != nil {
				return p.fail(err)
			}
			p.state = StateHeaders

		case StateHeaders:
			line, ok, err := p.nextLine()
			if err != nil {
				return p.fail(err)
			}
			if !ok {
				return p.state, nil
			}
			if line == "" {
				if err := p.beginBody(); err != nil {
					return p.fail(err)
				}
				continue
			}
			if err := p.parseHeader(line); err != nil {
				return p.fail(err)
			}

		case StateBody:
			progressed, err := p.consumeBody()
			if err != nil {
				return p.fail(err)
			}
			if p.state == StateBody && !progressed {
				return p.state, nil
			}

		default:
			return p.state, nil
		}
	}
}

// Finish signals the end of input. A response delimited by connection
// close completes; any other unfinished message is an error.
func (p *Parser) Finish() (State, error) {
	switch {
	case p.state == StateComplete || p.state == StateError:
		return p.state, p.err
	case p.state == StateBody && p.mode == bodyUntilClose:
		p.state = StateComplete
		return p.state, nil
	case p.state == StateInitial && len(p.buf) == 0:
		return p.state, nil
	default:
		return p.fail(&ParseError{State: p.state, Reason: "unexpected end of input"})
	}
}

func (p *Parser) fail(err error) (State, error) {
	if _, ok := err.(*ParseError); !ok {
		err = &ParseError{State: p.state, Reason: err.Error()}
	}
	p.err = err
	p.state = StateError
	return p.state, err
}

func (p *Parser) skipLeadingBlankLines() {
	for len(p.buf) > 0 && (p.buf[0] == '\r' || p.buf[0] == '\n') {
		p.buf = p.buf[1:]
	}
}

// nextLine pops one line without its terminator.
func (p *Parser) nextLine() (string, bool, error) {
	i := bytes.IndexByte(p.buf, '\n')
	if i < 0 {
		if p.headerBytes+len(p.buf) > MaxHeaderBytes {
			return "", false, &ParseError{State: p.state, Reason: "header block too large"}
		}
		return "", false, nil
	}
	p.headerBytes += i + 1
	if p.headerBytes > MaxHeaderBytes {
		return "", false, &ParseError{State: p.state, Reason: "header block too large"}
	}
	line := p.buf[:i]
	p.msg.head = append(p.msg.head, p.buf[:i+1]...)
	p.buf = p.buf[i+1:]
	return string(bytes.TrimSuffix(line, []byte{'\r'})), true, nil
}

func (p *Parser) parseStartLine(line string) error {
	if p.request {
		method, rest, ok1 := strings.Cut(line, " ")
		target, proto, ok2 := strings.Cut(rest, " ")
		if !ok1 || !ok2 || !isToken(method) || target == "" || strings.Contains(proto, " ") {
			return &ParseError{State: StateLine, Reason: fmt.Sprintf("invalid request line %q", line)}
		}
		if !validProto(proto) {
			return &ParseError{State: StateLine, Reason: fmt.Sprintf("unsupported protocol %q", proto)}
		}
		p.msg.Method, p.msg.Target, p.msg.Proto = method, target, proto
		return nil
	}

	proto, rest, _ := strings.Cut(line, " ")
	code, reason, _ := strings.Cut(rest, " ")
	if !validProto(proto) {
		return &ParseError{State: StateLine, Reason: fmt.Sprintf("invalid status line %q", line)}
	}
	status, err := strconv.Atoi(code)
	if err != nil || len(code) != 3 || status < 100 {
		return &ParseError{State: StateLine, Reason: fmt.Sprintf("invalid status code %q", code)}
	}
	p.msg.Proto, p.msg.StatusCode, p.msg.Reason = proto, status, reason
	return nil
}

func validProto(proto string) bool {
	return proto == "HTTP/1.1" || proto == "HTTP/1.0"
}

func (p *Parser) parseHeader(line string) error {
	if line[0] == ' ' || line[0] == '\t' {
		return &ParseError{State: StateHeaders, Reason: "obsolete header line folding"}
	}
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return &ParseError{State: StateHeaders, Reason: fmt.Sprintf("header line without ':': %q", line)}
	}
	if !isToken(name) {
		return &ParseError{State: StateHeaders, Reason: fmt.Sprintf("invalid header name %q", name)}
	}
	p.msg.Headers.Add(name, strings.TrimSpace(value))
	return nil
}

func (p *Parser) beginBody() error {
	p.state = StateBody
	m := p.msg

	if !p.request {
		switch {
		case p.requestMethod == "HEAD",
			m.StatusCode < 200,
			m.StatusCode == 204,
			m.StatusCode == 304,
			p.requestMethod == "CONNECT" && m.StatusCode < 300:
			p.state = StateComplete
			return nil
		}
	}

	if m.Headers.Has("Transfer-Encoding") {
		if !m.Chunked() {
			if p.request {
				return &ParseError{State: StateHeaders, Reason: "unsupported transfer coding"}
			}
			p.mode = bodyUntilClose
			return nil
		}
		p.mode = bodyChunked
		p.chunkState = chunkSize
		return nil
	}

	if values := m.Headers.Values("Content-Length"); len(values) > 0 {
		n, err := contentLength(values)
		if err != nil {
			return err
		}
		if n == 0 {
			p.state = StateComplete
			return nil
		}
		p.mode = bodyLength
		p.remaining = n
		return nil
	}

	if p.request {
		p.state = StateComplete
		return nil
	}
	p.mode = bodyUntilClose
	return nil
}

func contentLength(values []string) (int64, error) {
	var n int64 = -1
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			l, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil || l < 0 {
				return 0, &ParseError{State: StateHeaders, Reason: fmt.Sprintf("invalid Content-Length %q", v)}
			}
			if n >= 0 && l != n {
				return 0, &ParseError{State: StateHeaders, Reason: "conflicting Content-Length values"}
			}
			n = l
		}
	}
	return n, nil
}

// take moves n buffered bytes into the body.
func (p *Parser) take(n int) {
	chunk := p.buf[:n]
	switch {
	case p.streaming:
		p.pending = append(p.pending, chunk...)
	case p.keepBody:
		p.msg.Body = append(p.msg.Body, chunk...)
	}
	p.bodyRead += int64(n)
	p.buf = p.buf[n:]
}

func (p *Parser) consumeBody() (bool, error) {
	if len(p.buf) == 0 {
		return false, nil
	}

	switch p.mode {
	case bodyLength:
		n := int64(len(p.buf))
		if n > p.remaining {
			n = p.remaining
		}
		p.take(int(n))
		p.remaining -= n
		if p.remaining == 0 {
			p.state = StateComplete
		}
		return true, nil

	case bodyUntilClose:
		p.take(len(p.buf))
		return true, nil

	case bodyChunked:
		return p.consumeChunked()
	}
	return false, nil
}

// consumeChunked validates chunk framing while keeping it verbatim.
func (p *Parser) consumeChunked() (bool, error) {
	switch p.chunkState {
	case chunkSize, chunkDataEnd, chunkTrailer:
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			if len(p.buf) > 4096 {
				return false, &ParseError{State: StateBody, Reason: "chunk header too long"}
			}
			return false, nil
		}
		line := string(bytes.TrimSuffix(p.buf[:i], []byte{'\r'}))
		p.take(i + 1)

		switch p.chunkState {
		case chunkSize:
			sizeField, _, _ := strings.Cut(line, ";")
			size, err := strconv.ParseInt(strings.TrimSpace(sizeField), 16, 64)
			if err != nil || size < 0 {
				return false, &ParseError{State: StateBody, Reason: fmt.Sprintf("invalid chunk size %q", line)}
			}
			if size == 0 {
				p.chunkState = chunkTrailer
			} else {
				p.chunkState = chunkData
				p.remaining = size
			}
		case chunkDataEnd:
			if line != "" {
				return false, &ParseError{State: StateBody, Reason: "missing CRLF after chunk data"}
			}
			p.chunkState = chunkSize
		case chunkTrailer:
			if line == "" {
				p.state = StateComplete
			}
		}
		return true, nil

	case chunkData:
		n := int64(len(p.buf))
		if n > p.remaining {
			n = p.remaining
		}
		p.take(int(n))
		p.remaining -= n
		if p.remaining == 0 {
			p.chunkState = chunkDataEnd
		}
		return true, nil
	}
	return false, nil
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}
