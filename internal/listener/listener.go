// Package listener is the daemon's request/response frontend: a gin engine
// served over the unix domain socket in the state directory. Requests are
// typed, resolve ids by unique short prefix, and run through the engine's
// event loop before the response is written.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/oj-sh/oj/internal/common/config"
	"github.com/oj-sh/oj/internal/common/logger"
	"github.com/oj-sh/oj/internal/engine"
)

// maxSocketPathLen is the portable sun_path ceiling. Linux allows 108 and
// Darwin 104; exceeding it fails bind with an unhelpful error, so we check
// up front.
const maxSocketPathLen = 103

// ErrSocketPathTooLong is the specific startup failure for oversized state
// directories.
var ErrSocketPathTooLong = errors.New("daemon socket path exceeds unix socket limit")

// AlreadyRunningError reports a live daemon holding the state directory.
type AlreadyRunningError struct {
	PID     string
	Version string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("already running (pid: %s, version: %s)", e.PID, e.Version)
}

// Server owns the socket, the lock file, and the HTTP surface.
type Server struct {
	cfg     *config.Config
	eng     *engine.Engine
	logger  *logger.Logger
	router  *gin.Engine
	version string

	startedAt time.Time
	srv       *http.Server
	lockFile  *os.File
}

// New builds the server and its routes. Nothing touches the filesystem
// until Start.
func New(cfg *config.Config, eng *engine.Engine, log *logger.Logger, version string) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:       cfg,
		eng:       eng,
		logger:    log.WithFields(zap.String("component", "listener")),
		router:    gin.New(),
		version:   version,
		startedAt: time.Now(),
	}
	s.setupRoutes()
	return s
}

// SocketPath returns the daemon socket location under the state directory.
func SocketPath(stateDir string) string {
	return filepath.Join(stateDir, "daemon.sock")
}

// Start acquires the state-directory lock, writes the pid and version
// files, binds the socket, and serves until the listener is closed.
func (s *Server) Start(ctx context.Context) error {
	stateDir := s.cfg.Daemon.StateDir
	sock := SocketPath(stateDir)
	if len(sock) > maxSocketPathLen {
		return fmt.Errorf("%w: %s (%d bytes)", ErrSocketPathTooLong, sock, len(sock))
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return err
	}
	if err := s.acquireLock(stateDir); err != nil {
		return err
	}

	// The lock is ours, so a leftover socket is stale.
	_ = os.Remove(sock)
	if err := os.WriteFile(filepath.Join(stateDir, "daemon.pid"), []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(stateDir, "daemon.version"), []byte(s.version+"\n"), 0o644); err != nil {
		return err
	}

	ln, err := net.Listen("unix", sock)
	if err != nil {
		return fmt.Errorf("bind %s: %w", sock, err)
	}
	s.srv = &http.Server{Handler: s.router}

	s.logger.Info("listening", zap.String("socket", sock))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("listener serve failed")
		}
	}()
	return nil
}

// Stop shuts the HTTP server down and removes the socket, pid, and lock.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	if s.srv != nil {
		err = s.srv.Shutdown(ctx)
	}
	stateDir := s.cfg.Daemon.StateDir
	_ = os.Remove(SocketPath(stateDir))
	_ = os.Remove(filepath.Join(stateDir, "daemon.pid"))
	if s.lockFile != nil {
		_ = syscall.Flock(int(s.lockFile.Fd()), syscall.LOCK_UN)
		_ = s.lockFile.Close()
		_ = os.Remove(filepath.Join(stateDir, "daemon.lock"))
	}
	return err
}

// acquireLock takes the advisory lock. A held lock means another daemon
// owns the directory; its socket and pid must be left untouched.
func (s *Server) acquireLock(stateDir string) error {
	f, err := os.OpenFile(filepath.Join(stateDir, "daemon.lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		pid := readTrimmed(filepath.Join(stateDir, "daemon.pid"))
		ver := readTrimmed(filepath.Join(stateDir, "daemon.version"))
		return &AlreadyRunningError{PID: pid, Version: ver}
	}
	s.lockFile = f
	return nil
}

func readTrimmed(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(raw))
}
