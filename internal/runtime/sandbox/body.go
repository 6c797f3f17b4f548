package sandbox

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"time"

	"faasrt/internal/runtime/httpparse"
	"faasrt/internal/runtime/module"
	appErr "faasrt/pkg/errors"
	"faasrt/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	statusLine       = "HTTP/1.1 200 OK\r\n"
	contentTypeKey   = "Content-Type: "
	contentLengthKey = "Content-Length: "
	headerTerminator = "\r\n\r\n"
	lineTerminator   = "\r\n"
)

func errGrow(pages uint32) error {
	return appErr.Newf(appErr.MemoryGrowFailed, "grow linear memory by %d pages failed", pages)
}

// responsePrefix is every response header line except Content-Length.
func responsePrefix(d *module.Descriptor) string {
	var b bytes.Buffer
	b.WriteString(statusLine)
	b.WriteString(contentTypeKey)
	b.WriteString(d.HTTP().ContentType())
	b.WriteString(lineTerminator)
	for _, h := range d.HTTP().ResponseHeaders {
		b.WriteString(h)
		b.WriteString(lineTerminator)
	}
	return b.String()
}

// headerReserve is the space kept in front of the response body for headers.
func headerReserve(d *module.Descriptor) int {
	maxLen := strconv.Itoa(d.Limits().MaxResponseSize)
	return len(responsePrefix(d)) + len(contentLengthKey) + len(maxLen) + len(headerTerminator)
}

// bufferSize sizes the embedded request/response buffer.
func bufferSize(d *module.Descriptor) int {
	l := d.Limits()
	size := headerReserve(d) + l.MaxResponseSize
	if l.MaxRequestSize > size {
		size = l.MaxRequestSize
	}
	return size
}

// main is the sandbox entry point. It runs on the sandbox context and never
// returns normally: Exit transfers control away.
func (s *Sandbox) main() {
	s.host.Begin(s)
	s.outcome, s.err = s.serve()
	s.closeIOHandles()
	s.logTiming()
	s.host.Exit(s)
}

func (s *Sandbox) serve() (Outcome, error) {
	s.bindStdio()
	h, err := s.InitIOHandle(s.conn)
	if err != nil {
		return OutcomeIOError, err
	}
	s.connH = h

	if outcome, err := s.receive(); err != nil {
		return outcome, err
	}
	s.host.Checkpoint(s)
	if s.Aborted() {
		return OutcomeAborted, s.runCtx.Err()
	}

	if outcome, err := s.invoke(); err != nil {
		return outcome, err
	}
	if s.Aborted() {
		return OutcomeAborted, s.runCtx.Err()
	}
	if s.overflow {
		return OutcomeTooLarge, appErr.Newf(appErr.ResponseTooLarge, "response exceeds %d bytes", s.module.Limits().MaxResponseSize)
	}
	if err := s.respond(); err != nil {
		return OutcomeIOError, err
	}
	return OutcomeOK, nil
}

// receive reads into the arena buffer until the parser has a full request.
func (s *Sandbox) receive() (Outcome, error) {
	limits := s.module.Limits()
	s.parser = httpparse.New(httpparse.Settings{
		OnMessageComplete: func(msg *httpparse.Message) error {
			s.request = msg
			return nil
		},
	}, httpparse.Limits{
		MaxRequestSize:  limits.MaxRequestSize,
		MaxHeaderCount:  limits.MaxHeaderCount,
		MaxHeaderLength: limits.MaxHeaderLength,
	})
	buf := s.arena.Buffer()[:limits.MaxRequestSize]
	fd := s.IOHandle(s.connH)

	for !s.parser.Complete() {
		if s.received == len(buf) {
			return OutcomeBadRequest, appErr.Newf(appErr.RequestTooLarge, "request exceeds %d bytes", len(buf))
		}
		n, err := unix.Read(fd, buf[s.received:])
		switch {
		case err == unix.EAGAIN:
			if err := s.host.WaitIO(s, fd, false); err != nil {
				return s.waitOutcome(err)
			}
			continue
		case err == unix.EINTR:
			continue
		case err != nil:
			logger.Warn(s.LogContext(), "receive failed", zap.Error(err))
			return OutcomeIOError, appErr.Wrapf(err, appErr.SandboxIOFailed, "receive failed")
		case n == 0:
			return OutcomeClientClosed, appErr.New(appErr.ClientClosed).WithMessage("client closed before the request completed")
		}
		s.received += n
		if _, err := s.parser.Execute(buf[:s.received]); err != nil {
			return OutcomeBadRequest, err
		}
	}
	return OutcomeOK, nil
}

func (s *Sandbox) waitOutcome(err error) (Outcome, error) {
	if s.Aborted() {
		return OutcomeAborted, err
	}
	return OutcomeIOError, err
}

// invoke instantiates the unit in the arena and runs main.
func (s *Sandbox) invoke() (Outcome, error) {
	ctx := s.runCtx
	// The body is copied out because the buffer is reused for the response.
	stdin := bytes.NewReader(append([]byte(nil), s.request.Body...))
	args := s.module.Args()
	env := module.Env{
		Name:      s.module.Name(),
		Linear:    s.linear,
		Args:      args,
		Stdin:     stdin,
		Stdout:    &responseWriter{s: s},
		Stderr:    &stderrWriter{s: s},
		SafePoint: func() { s.host.Checkpoint(s) },
		Table:     s.module.Table(),
	}
	inst, err := s.module.Unit().Instantiate(ctx, env)
	if err != nil {
		return s.trapOutcome(err)
	}
	defer func() {
		if err := inst.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Debug(s.LogContext(), "close instance failed", zap.Error(err))
		}
	}()
	if err := inst.InitGlobals(ctx); err != nil {
		return s.trapOutcome(err)
	}
	if err := inst.InitMemory(ctx); err != nil {
		return s.trapOutcome(err)
	}

	var argc, argv int32
	if mem := inst.Memory(); mem != nil {
		if argc, argv, err = marshalArgs(mem, args); err != nil {
			return OutcomeTrap, err
		}
	}
	ret, err := inst.Main(ctx, argc, argv)
	if err != nil {
		return s.trapOutcome(err)
	}
	s.retval = ret
	return OutcomeOK, nil
}

func (s *Sandbox) trapOutcome(err error) (Outcome, error) {
	if s.Aborted() {
		return OutcomeAborted, appErr.Wrapf(err, appErr.DeadlineExceeded, "aborted past deadline")
	}
	logger.Warn(s.LogContext(), "module trapped", zap.Error(err))
	return OutcomeTrap, err
}

// respond places the headers right before the body and sends both.
func (s *Sandbox) respond() error {
	reserve := s.reserve
	header := responsePrefix(s.module) + contentLengthKey + strconv.Itoa(s.respLen) + headerTerminator
	buf := s.arena.Buffer()
	start := reserve - len(header)
	copy(buf[start:reserve], header)
	out := buf[start : reserve+s.respLen]
	fd := s.IOHandle(s.connH)

	for sent := 0; sent < len(out); {
		n, err := unix.Write(fd, out[sent:])
		switch {
		case err == unix.EAGAIN:
			if err := s.host.WaitIO(s, fd, true); err != nil {
				return err
			}
			continue
		case err == unix.EINTR:
			continue
		case err != nil:
			logger.Warn(s.LogContext(), "send failed", zap.Error(err))
			return appErr.Wrapf(err, appErr.SandboxIOFailed, "send failed")
		}
		sent += n
	}
	return nil
}

func (s *Sandbox) logTiming() {
	now := time.Now()
	fields := []zap.Field{
		zap.String("module", s.module.Name()),
		zap.Int("port", s.module.Port()),
		zap.Uint32("relative_deadline_us", s.module.Limits().RelativeDeadlineUS),
		zap.Int64("total_us", now.Sub(s.start).Microseconds()),
		zap.Int64("run_us", s.runTime.Microseconds()),
		zap.String("outcome", string(s.outcome)),
	}
	if s.err != nil && !errors.Is(s.err, context.Canceled) {
		fields = append(fields, zap.Error(s.err))
	}
	if now.After(s.deadline) {
		logger.Warn(s.LogContext(), "sandbox missed deadline", fields...)
		return
	}
	logger.Info(s.LogContext(), "sandbox completed", fields...)
}

// responseWriter is the module's stdout. It appends to the arena buffer
// after the header reserve, up to the response size limit.
type responseWriter struct {
	s *Sandbox
}

func (w *responseWriter) Write(p []byte) (int, error) {
	s := w.s
	limit := s.module.Limits().MaxResponseSize
	reserve := s.reserve
	avail := limit - s.respLen
	n := len(p)
	if n > avail {
		n = avail
		s.overflow = true
	}
	copy(s.arena.Buffer()[reserve+s.respLen:], p[:n])
	s.respLen += n
	if n < len(p) {
		return n, appErr.Newf(appErr.ResponseTooLarge, "response exceeds %d bytes", limit)
	}
	return n, nil
}

// stderrWriter forwards module diagnostics to the log.
type stderrWriter struct {
	s *Sandbox
}

func (w *stderrWriter) Write(p []byte) (int, error) {
	logger.Info(w.s.LogContext(), "module stderr", zap.ByteString("output", bytes.TrimRight(p, "\n")))
	return len(p), nil
}
