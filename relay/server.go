package relay

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// maxIdentityNameLength bounds handshake usernames.
const maxIdentityNameLength = 64

// handshakeTimeout bounds how long an accepted connection may idle before
// sending its LOGIN frame.
const handshakeTimeout = 10 * time.Second

// SocketServer accepts framed-socket connections and runs one session loop
// per connection.
type SocketServer struct {
	listener     net.Listener
	registry     *Registry
	router       *Router
	transfers    *TransferManager
	log          *slog.Logger
	maxFrameSize int

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// connMu guards conns, which tracks every accepted connection from
	// accept until its session loop exits. Close tears them all down,
	// including connections still waiting on their LOGIN frame.
	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// ListenSocket starts the framed-socket listener and accept loop.
func ListenSocket(address string, registry *Registry, router *Router, transfers *TransferManager, maxFrameSize int, log *slog.Logger) (*SocketServer, error) {
	if address == "" {
		address = ":0"
	}
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if log == nil {
		log = slog.Default()
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &SocketServer{
		listener:     listener,
		registry:     registry,
		router:       router,
		transfers:    transfers,
		log:          log.With("component", "socket"),
		maxFrameSize: maxFrameSize,
		closed:       make(chan struct{}),
		conns:        make(map[net.Conn]struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *SocketServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops accepting and waits for live session loops to finish.
func (s *SocketServer) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.connMu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.connMu.Unlock()
		s.wg.Wait()
	})
	return closeErr
}

func (s *SocketServer) trackConn(conn net.Conn) {
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
}

func (s *SocketServer) forgetConn(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

func (s *SocketServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		s.trackConn(conn)
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *SocketServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.forgetConn(conn)

	client, err := s.handshake(conn)
	if err != nil {
		s.log.Debug("handshake failed", "remote", conn.RemoteAddr(), "error", err)
		_ = conn.Close()
		return
	}

	s.log.Info("identity joined", "name", client.name, "remote", conn.RemoteAddr())
	s.router.SendSnapshot(client)
	s.router.AnnounceJoin(client.name)

	s.sessionLoop(client)

	_ = client.Close()
	if s.registry.Unregister(client.name, client) {
		s.transfers.ReleaseOwner(client.name)
		s.router.AnnounceLeave(client.name)
		s.log.Info("identity left", "name", client.name)
	}
}

// handshake reads the LOGIN frame and registers the identity, forcibly
// replacing any prior connection under the same name. The read runs under a
// deadline so a silent dialer cannot hold its goroutine open.
func (s *SocketServer) handshake(conn net.Conn) (*socketClient, error) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	payload, err := ReadFrame(conn, s.maxFrameSize)
	if err != nil {
		return nil, fmt.Errorf("read login frame: %w", err)
	}

	frameType, data, err := DecodeSocketFrame(payload)
	if err != nil {
		return nil, err
	}
	if frameType != TypeLogin {
		return nil, fmt.Errorf("expected %s, got %q", TypeLogin, frameType)
	}

	var login struct {
		Username string `json:"username"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &login); err != nil {
			return nil, fmt.Errorf("decode login data: %w", err)
		}
	}

	name := strings.TrimSpace(login.Username)
	client := &socketClient{
		conn:         conn,
		maxFrameSize: s.maxFrameSize,
	}
	if name == "" || len(name) > maxIdentityNameLength {
		_ = client.sendFrame(TypeLoginFailed, map[string]string{"message": "invalid username"})
		return nil, fmt.Errorf("invalid username %q", name)
	}
	client.name = name

	if prev := s.registry.Register(name, client); prev != nil {
		s.log.Info("replacing connection", "name", name, "transport", prev.Transport())
		_ = prev.Close()
		// The loser's guarded teardown cannot release anything it owns, so
		// its transfer sessions are torn down here.
		s.transfers.ReleaseOwner(name)
	}

	if err := client.sendFrame(TypeLoginSuccess, map[string]string{"message": "welcome " + name}); err != nil {
		s.registry.Unregister(name, client)
		return nil, fmt.Errorf("send login reply: %w", err)
	}

	_ = conn.SetDeadline(time.Time{})
	return client, nil
}

// sessionLoop reads frames until decode failure, peer close, or an
// unrecoverable transport error.
func (s *SocketServer) sessionLoop(client *socketClient) {
	for {
		payload, err := ReadFrame(client.conn, s.maxFrameSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("frame read failed", "name", client.name, "error", err)
			}
			return
		}
		if len(payload) == 0 {
			continue
		}

		frameType, data, err := DecodeSocketFrame(payload)
		if err != nil {
			s.log.Warn("malformed frame, closing connection", "name", client.name, "error", err)
			_ = client.Deliver(Envelope{Kind: KindError, Error: "malformed frame"})
			return
		}

		if done := s.dispatchFrame(client, frameType, data); done {
			return
		}
	}
}

// dispatchFrame handles one decoded frame; a true result ends the session.
func (s *SocketServer) dispatchFrame(client *socketClient, frameType string, data json.RawMessage) bool {
	switch frameType {
	case KindPing:
		_ = client.Deliver(Envelope{Kind: KindPong})
		return false

	case TypeUploadStart:
		env, err := DecodeEnvelope(frameType, data)
		if err != nil {
			s.log.Warn("bad upload-start", "name", client.name, "error", err)
			return false
		}
		if err := s.transfers.StartUpload(client, env); err != nil {
			s.log.Debug("upload-start rejected", "name", client.name, "error", err)
		}
		return false

	case TypeFileChunk:
		var chunk struct {
			Data string `json:"data"`
		}
		if err := json.Unmarshal(data, &chunk); err != nil {
			s.log.Warn("bad file-chunk frame", "name", client.name, "error", err)
			return false
		}
		raw, err := base64.StdEncoding.DecodeString(chunk.Data)
		if err != nil {
			s.log.Warn("bad file-chunk encoding", "name", client.name, "error", err)
			return false
		}
		if err := s.transfers.IngestChunk(client.name, raw); err != nil {
			if errors.Is(err, ErrNoActiveUpload) {
				s.log.Warn("chunk without upload session", "name", client.name)
			}
		}
		return false

	case TypeUploadCancel:
		s.transfers.CancelUpload(client.name)
		return false

	case TypeDownloadRequest:
		env, err := DecodeEnvelope(frameType, data)
		if err != nil {
			s.log.Warn("bad download-request", "name", client.name, "error", err)
			return false
		}
		if err := s.transfers.StartDownload(client, env); err != nil {
			s.log.Debug("download-request rejected", "name", client.name, "error", err)
		}
		return false

	case TypeTransferPause:
		s.transfers.Pause(client.name)
		return false

	case TypeTransferResume:
		s.transfers.Resume(client.name)
		return false

	default:
		env, err := DecodeEnvelope(frameType, data)
		if err != nil {
			s.log.Warn("bad envelope data", "name", client.name, "error", err)
			return false
		}
		s.router.Route(env, client)
		return false
	}
}

// socketClient is the send handle for one framed-socket connection. Sends
// are serialized by sendMu, so Deliver is safe from foreign goroutines.
type socketClient struct {
	name         string
	conn         net.Conn
	maxFrameSize int

	sendMu    sync.Mutex
	closeOnce sync.Once
}

func (c *socketClient) Name() string         { return c.name }
func (c *socketClient) Transport() Transport { return TransportSocket }

// Deliver re-encodes the envelope as a {type, data} frame and writes it.
func (c *socketClient) Deliver(env Envelope) error {
	return c.sendFrame(env.Kind, env)
}

// DeliverChunk wraps raw file bytes as a base64 file-chunk frame so chat
// framing is never interleaved with unframed bytes.
func (c *socketClient) DeliverChunk(chunk []byte) error {
	return c.sendFrame(TypeFileChunk, map[string]string{
		"data": base64.StdEncoding.EncodeToString(chunk),
	})
}

func (c *socketClient) sendFrame(frameType string, data any) error {
	payload, err := EncodeSocketFrame(frameType, data)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return WriteFrame(c.conn, payload, c.maxFrameSize)
}

func (c *socketClient) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		closeErr = c.conn.Close()
	})
	return closeErr
}
