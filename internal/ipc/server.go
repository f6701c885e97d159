package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"tetherd/internal/logging"
)

// Handler processes one IPC request and returns the response message.
type Handler interface {
	HandleMessage(ctx context.Context, msg *Message) (*Message, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, msg *Message) (*Message, error) {
	return f(ctx, msg)
}

// ServerConfig configures the IPC server.
type ServerConfig struct {
	SocketPath     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int
	Logger         *logging.Logger
}

// Server accepts client connections on a unix socket and dispatches
// their requests to a Handler.
type Server struct {
	socketPath   string
	handler      Handler
	readTimeout  time.Duration
	writeTimeout time.Duration
	maxConns     int
	log          *logging.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewServer creates the server. Start must be called before clients can
// connect.
func NewServer(cfg ServerConfig, handler Handler) *Server {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 32
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:   cfg.SocketPath,
		handler:      handler,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		maxConns:     maxConns,
		log:          log.WithComponent("ipc"),
		conns:        make(map[net.Conn]struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start binds the socket and begins accepting connections.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := cleanupSocket(s.socketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.log.Info("ipc server listening", "socket", s.socketPath)
	return nil
}

// Stop closes the listener and all live connections.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	os.Remove(s.socketPath)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		s.mu.Lock()
		if len(s.conns) >= s.maxConns {
			s.mu.Unlock()
			s.log.Warn("connection limit reached, rejecting client")
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		if err := checkPeer(conn); err != nil {
			s.log.Warn("rejecting peer", "error", err)
			s.dropConn(conn)
			continue
		}

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) dropConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// serveConn runs the request/response loop for one client.
func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.dropConn(conn)

	for {
		if s.ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		req, err := ReadMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && s.ctx.Err() == nil {
				s.log.Debug("read request", "error", err)
			}
			return
		}

		resp := s.dispatch(req)
		conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if err := resp.Write(conn); err != nil {
			s.log.Debug("write response", "error", err)
			return
		}
	}
}

func (s *Server) dispatch(req *Message) *Message {
	if req.Header.Type == MsgPing {
		return NewMessage(MsgPong, req.Header.RequestID, nil)
	}

	resp, err := s.handler.HandleMessage(s.ctx, req)
	if err != nil {
		return errorMessage(req.Header.RequestID, ErrInternal, err.Error())
	}
	if resp == nil {
		return errorMessage(req.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unsupported message type 0x%04x", uint16(req.Header.Type)))
	}
	resp.Header.RequestID = req.Header.RequestID
	return resp
}

func errorMessage(requestID uint32, code int, msg string) *Message {
	m, err := Encode(MsgError, requestID, ErrorResponse{Code: code, Message: msg})
	if err != nil {
		return NewMessage(MsgError, requestID, nil)
	}
	return m
}

// cleanupSocket removes a stale socket file, refusing to delete
// anything that is not a socket.
func cleanupSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket != 0 {
		return os.Remove(path)
	}
	return fmt.Errorf("path exists but is not a socket: %s", path)
}
