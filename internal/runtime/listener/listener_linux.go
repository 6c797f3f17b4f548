//go:build linux

package listener

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"faasrt/internal/runtime/module"
	"faasrt/internal/runtime/sched"
	appErr "faasrt/pkg/errors"
	"faasrt/pkg/utils/contextkey"
	"faasrt/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const maxEvents = 128

type socket struct {
	fd   int
	port int
	desc *module.Descriptor
}

// Listener owns one listening socket per module port, all watched by a single
// epoll instance. Sockets can be added while Run is accepting.
type Listener struct {
	cfg    Config
	host   [4]byte
	epfd   int
	wakefd int

	mu      sync.Mutex
	byFD    map[int]*socket
	byName  map[string]*socket
	closed  bool
	running chan struct{}

	stats counters
}

// New creates the epoll instance. Run drives it.
func New(cfg Config) (*Listener, error) {
	cfg = cfg.withDefaults()
	if cfg.Queue == nil {
		return nil, appErr.ValidationError("queue", "is required")
	}
	ip := net.ParseIP(cfg.Host).To4()
	if ip == nil {
		return nil, appErr.ValidationError("host", "must be an IPv4 address")
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ListenerFailed, "epoll_create1 failed")
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, appErr.Wrapf(err, appErr.ListenerFailed, "eventfd failed")
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, appErr.Wrapf(err, appErr.ListenerFailed, "watch eventfd failed")
	}
	l := &Listener{
		cfg:    cfg,
		epfd:   epfd,
		wakefd: wakefd,
		byFD:   make(map[int]*socket),
		byName: make(map[string]*socket),
	}
	copy(l.host[:], ip)
	return l, nil
}

// Add opens d's port and starts accepting on it. Port 0 binds an ephemeral
// port. The bound port is returned.
func (l *Listener) Add(d *module.Descriptor) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, appErr.Wrap(errClosed, appErr.ListenerFailed)
	}
	if _, ok := l.byName[d.Name()]; ok {
		return 0, appErr.Newf(appErr.ModuleAlreadyExists, "module %s is already listening", d.Name())
	}

	fd, port, err := l.listen(d.Port())
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.ListenerFailed, "listen on port %d failed", d.Port())
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		unix.Close(fd)
		return 0, appErr.Wrapf(err, appErr.ListenerFailed, "watch port %d failed", port)
	}
	s := &socket{fd: fd, port: port, desc: d}
	l.byFD[fd] = s
	l.byName[d.Name()] = s
	logger.Info(context.Background(), "module listening",
		zap.String("module", d.Name()),
		zap.Int("port", port))
	return port, nil
}

func (l *Listener) listen(port int) (int, int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, 0, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("setsockopt: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port, Addr: l.host}); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, l.cfg.Backlog); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("listen: %w", err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("getsockname: %w", err)
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		port = in4.Port
	}
	return fd, port, nil
}

// Remove stops accepting for the named module.
func (l *Listener) Remove(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.byName[name]
	if !ok {
		return appErr.NotFoundError("listener for module " + name)
	}
	l.dropLocked(s)
	return nil
}

func (l *Listener) dropLocked(s *socket) {
	delete(l.byName, s.desc.Name())
	delete(l.byFD, s.fd)
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, s.fd, nil)
	if err := unix.Close(s.fd); err != nil {
		logger.Warn(context.Background(), "close listening socket failed",
			zap.String("module", s.desc.Name()), zap.Error(err))
	}
}

// Port reports the bound port of the named module.
func (l *Listener) Port(name string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.byName[name]
	if !ok {
		return 0, false
	}
	return s.port, true
}

// Run accepts until ctx is done or the listener is closed.
func (l *Listener) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.closed || l.running != nil {
		l.mu.Unlock()
		return appErr.Wrap(errClosed, appErr.ListenerFailed)
	}
	done := make(chan struct{})
	l.running = done
	l.mu.Unlock()
	defer close(done)

	stop := context.AfterFunc(ctx, l.wake)
	defer stop()

	events := make([]unix.EpollEvent, maxEvents)
	for {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return appErr.Wrapf(err, appErr.ListenerFailed, "epoll_wait failed")
		}
		if ctx.Err() != nil || l.isClosed() {
			return nil
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakefd {
				continue
			}
			l.mu.Lock()
			s, ok := l.byFD[fd]
			l.mu.Unlock()
			if ok {
				l.accept(ctx, s)
			}
		}
	}
}

// accept drains s's backlog.
func (l *Listener) accept(ctx context.Context, s *socket) {
	for {
		nfd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		if err != nil {
			logger.Warn(ctx, "accept failed", zap.String("module", s.desc.Name()), zap.Error(err))
			return
		}
		now := time.Now()
		l.stats.accepted.Add(1)
		req := sched.NewRequest(uuid.NewString(), s.desc, nfd, remoteAddr(sa), now)
		if err := l.enqueue(ctx, req); err != nil {
			l.reject(ctx, req, err)
		}
	}
}

func (l *Listener) enqueue(ctx context.Context, req *sched.Request) error {
	if req.Module.Retired() {
		return appErr.Newf(appErr.ModuleNotFound, "module %s is retired", req.Module.Name())
	}
	if l.cfg.Admission != nil {
		if err := l.cfg.Admission.Admit(ctx, req.Module, req.RemoteAddr); err != nil {
			return err
		}
	}
	switch err := l.cfg.Queue.Push(req); err {
	case nil:
		return nil
	case sched.ErrQueueFull:
		return appErr.Wrap(err, appErr.RequestQueueFull)
	default:
		return appErr.Wrap(err, appErr.WorkerStopped)
	}
}

func (l *Listener) reject(ctx context.Context, req *sched.Request, err error) {
	l.stats.rejected.Add(1)
	if cerr := unix.Close(req.Conn); cerr != nil {
		logger.Debug(ctx, "close rejected connection failed", zap.Error(cerr))
	}
	rctx := context.WithValue(ctx, contextkey.RequestID, req.ID)
	logger.Warn(rctx, "connection rejected",
		zap.String("module", req.Module.Name()),
		zap.String("remote", req.RemoteAddr),
		zap.Error(err))
	l.cfg.OnReject(req, err)
}

func (l *Listener) wake() {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(l.wakefd, one[:])
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close stops Run, waits for it to return and closes every socket.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for _, s := range l.byName {
		l.dropLocked(s)
	}
	running := l.running
	l.mu.Unlock()
	if running != nil {
		l.wake()
		<-running
	}
	unix.Close(l.wakefd)
	return unix.Close(l.epfd)
}

func (l *Listener) Stats() Stats {
	l.mu.Lock()
	ports := len(l.byName)
	l.mu.Unlock()
	return Stats{Accepted: l.stats.accepted.Load(), Rejected: l.stats.rejected.Load(), Ports: ports}
}

func remoteAddr(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	default:
		return "unknown"
	}
}
