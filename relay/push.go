package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// The relay fronts LAN clients; origin policy is left to a reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// PushHandler upgrades push-channel connections and runs their receive
// loops. Text frames carry flat JSON envelopes; binary frames carry raw
// file-chunk bytes for the identity's active upload session.
type PushHandler struct {
	registry  *Registry
	router    *Router
	transfers *TransferManager
	log       *slog.Logger

	maxFrameSize int
}

// NewPushHandler creates the push-channel endpoint handler.
func NewPushHandler(registry *Registry, router *Router, transfers *TransferManager, maxFrameSize int, log *slog.Logger) *PushHandler {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &PushHandler{
		registry:     registry,
		router:       router,
		transfers:    transfers,
		log:          log.With("component", "push"),
		maxFrameSize: maxFrameSize,
	}
}

// Handle upgrades GET /ws/:username and runs the session until disconnect.
func (h *PushHandler) Handle(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := strings.TrimSpace(ps.ByName("username"))
	if name == "" || len(name) > maxIdentityNameLength {
		http.Error(w, "invalid username", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(int64(h.maxFrameSize))

	client := &pushClient{name: name, conn: conn}

	if prev := h.registry.Register(name, client); prev != nil {
		h.log.Info("replacing connection", "name", name, "transport", prev.Transport())
		_ = prev.Close()
		// The loser's guarded teardown cannot release anything it owns, so
		// its transfer sessions are torn down here.
		h.transfers.ReleaseOwner(name)
	}

	h.log.Info("identity joined", "name", name, "remote", r.RemoteAddr)
	h.router.SendSnapshot(client)
	h.router.AnnounceJoin(name)

	h.receiveLoop(client)

	_ = client.Close()
	if h.registry.Unregister(name, client) {
		h.transfers.ReleaseOwner(name)
		h.router.AnnounceLeave(name)
		h.log.Info("identity left", "name", name)
	}
}

func (h *PushHandler) receiveLoop(client *pushClient) {
	for {
		messageType, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("push read failed", "name", client.name, "error", err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			h.handleText(client, data)
		case websocket.BinaryMessage:
			if err := h.transfers.IngestChunk(client.name, data); err != nil {
				if errors.Is(err, ErrNoActiveUpload) {
					// Protocol violation, not fatal: the frame is discarded.
					h.log.Warn("binary frame without upload session", "name", client.name, "bytes", len(data))
				}
			}
		}
	}
}

func (h *PushHandler) handleText(client *pushClient, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.log.Warn("malformed push frame", "name", client.name, "error", err)
		_ = client.Deliver(Envelope{Kind: KindError, Error: "malformed frame"})
		return
	}

	switch env.Kind {
	case KindPing:
		_ = client.Deliver(Envelope{Kind: KindPong})
	case TypeUploadStart:
		if err := h.transfers.StartUpload(client, env); err != nil {
			h.log.Debug("upload-start rejected", "name", client.name, "error", err)
		}
	case TypeUploadCancel:
		h.transfers.CancelUpload(client.name)
	case TypeDownloadRequest:
		if err := h.transfers.StartDownload(client, env); err != nil {
			h.log.Debug("download-request rejected", "name", client.name, "error", err)
		}
	case TypeTransferPause:
		h.transfers.Pause(client.name)
	case TypeTransferResume:
		h.transfers.Resume(client.name)
	default:
		h.router.Route(env, client)
	}
}

// pushClient is the send handle for one push-channel connection. gorilla
// permits a single concurrent writer, so all sends hold sendMu.
type pushClient struct {
	name string
	conn *websocket.Conn

	sendMu    sync.Mutex
	closeOnce sync.Once
}

func (c *pushClient) Name() string         { return c.name }
func (c *pushClient) Transport() Transport { return TransportPush }

// Deliver writes the envelope as one flat JSON text frame.
func (c *pushClient) Deliver(env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// DeliverChunk writes raw file bytes as one binary frame.
func (c *pushClient) DeliverChunk(chunk []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, chunk)
}

func (c *pushClient) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		closeErr = c.conn.Close()
	})
	return closeErr
}
