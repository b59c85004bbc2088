package relay

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// DefaultMaxFrameSize bounds a single framed payload when no limit is configured.
const DefaultMaxFrameSize = 10 * 1024 * 1024

// Envelope kinds routed between identities. The set is closed: the router
// refuses anything else.
const (
	KindText               = "text"
	KindPrivateText        = "private-text"
	KindPresenceSnapshot   = "presence-snapshot"
	KindPresenceJoined     = "presence-joined"
	KindPresenceLeft       = "presence-left"
	KindFileAnnounce       = "file-announce"
	KindFileUploadReady    = "file-upload-ready"
	KindFileUploadComplete = "file-upload-complete"
	KindFileError          = "file-error"
	KindCallRequest        = "call-request"
	KindCallAccept         = "call-accept"
	KindCallReject         = "call-reject"
	KindCallBusy           = "call-busy"
	KindCallEnd            = "call-end"
	KindMediaFrame         = "media-frame"
	KindPing               = "ping"
	KindPong               = "pong"
	KindError              = "error"
)

// Connection-level frame types handled by the session loops rather than the
// router. LOGIN and its replies follow the historical socket wire protocol.
const (
	TypeLogin            = "LOGIN"
	TypeLoginSuccess     = "LOGIN_SUCCESS"
	TypeLoginFailed      = "LOGIN_FAILED"
	TypeUploadStart      = "upload-start"
	TypeUploadCancel     = "upload-cancel"
	TypeDownloadRequest  = "download-request"
	TypeTransferPause    = "transfer-pause"
	TypeTransferResume   = "transfer-resume"
	TypeFileChunk        = "file-chunk"
	TypeDownloadComplete = "download-complete"
)

// Media payload kinds carried by media-frame envelopes.
const (
	MediaVideo = "video"
	MediaAudio = "audio"
)

var (
	// ErrFrameTooLarge indicates a payload exceeds the configured frame limit.
	ErrFrameTooLarge = errors.New("relay: frame exceeds max size")
	// ErrInvalidFrameType indicates the frame type is missing or unknown.
	ErrInvalidFrameType = errors.New("relay: invalid frame type")
	// ErrUnknownKind indicates an envelope kind outside the closed set.
	ErrUnknownKind = errors.New("relay: unknown envelope kind")
)

// Envelope is the canonical message unit exchanged between identities.
//
// On the push channel it is serialized flat; on the framed socket it travels
// as the data object of a {type, data} frame. Clients historically used both
// "message" and "content" for the text body, so both are carried and folded
// into one by Normalize.
type Envelope struct {
	Kind      string `json:"type"`
	Sender    string `json:"sender,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Message   string `json:"message,omitempty"`
	Content   string `json:"content,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	Filename         string `json:"filename,omitempty"`
	OriginalFilename string `json:"original_filename,omitempty"`
	Filesize         int64  `json:"filesize,omitempty"`
	FileType         string `json:"file_type,omitempty"`
	Offset           int64  `json:"offset,omitempty"`
	RateLimit        int64  `json:"rate_limit,omitempty"`

	MediaKind string `json:"media_kind,omitempty"`
	Media     string `json:"media,omitempty"`

	Users []string `json:"users,omitempty"`
	Data  string   `json:"data,omitempty"`
	Error string   `json:"error,omitempty"`
}

// Normalize folds the two historical text-body field names into one value
// mirrored on both, so every destination sees a populated body.
func (e *Envelope) Normalize() {
	body := e.Message
	if body == "" {
		body = e.Content
	}
	e.Message = body
	e.Content = body
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
}

// IsRoutableKind reports whether kind belongs to the closed envelope set.
func IsRoutableKind(kind string) bool {
	switch kind {
	case KindText, KindPrivateText,
		KindPresenceSnapshot, KindPresenceJoined, KindPresenceLeft,
		KindFileAnnounce, KindFileUploadReady, KindFileUploadComplete, KindFileError,
		KindCallRequest, KindCallAccept, KindCallReject, KindCallBusy, KindCallEnd,
		KindMediaFrame, KindPing, KindPong, KindError:
		return true
	default:
		return false
	}
}

// socketFrame is the framed-socket wire body: {"type": ..., "data": {...}}.
type socketFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodeSocketFrame marshals a {type, data} socket frame body.
func EncodeSocketFrame(frameType string, data any) ([]byte, error) {
	rawData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal frame data: %w", err)
	}
	payload, err := json.Marshal(socketFrame{Type: frameType, Data: rawData})
	if err != nil {
		return nil, fmt.Errorf("marshal socket frame: %w", err)
	}
	return payload, nil
}

// DecodeSocketFrame extracts the type and raw data object from a frame body.
func DecodeSocketFrame(payload []byte) (string, json.RawMessage, error) {
	var frame socketFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return "", nil, fmt.Errorf("decode socket frame: %w", err)
	}
	if frame.Type == "" {
		return "", nil, ErrInvalidFrameType
	}
	return frame.Type, frame.Data, nil
}

// DecodeEnvelope unmarshals a frame data object into an Envelope, stamping
// the frame type as its kind.
func DecodeEnvelope(frameType string, data json.RawMessage) (Envelope, error) {
	var env Envelope
	if len(data) > 0 {
		if err := json.Unmarshal(data, &env); err != nil {
			return Envelope{}, fmt.Errorf("decode envelope data: %w", err)
		}
	}
	env.Kind = frameType
	return env, nil
}

// WriteFrame writes one length-prefixed frame as a single write call.
func WriteFrame(w io.Writer, payload []byte, maxSize int) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if len(payload) > maxSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame, rejecting oversized length
// prefixes before allocating. A closed peer surfaces as io.EOF (or
// io.ErrUnexpectedEOF mid-frame), never as a decode panic.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if uint64(length) > uint64(maxSize) {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}
