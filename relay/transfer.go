package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatrelay/storage"
)

const (
	// downloadChunkSize is the read size for server-paced downloads.
	downloadChunkSize = 32 * 1024
	// pausePollInterval is how often a paused transfer rechecks its flag.
	pausePollInterval = 50 * time.Millisecond
)

// SessionState is the lifecycle state of one transfer session.
type SessionState string

const (
	SessionPending   SessionState = "pending"
	SessionActive    SessionState = "active"
	SessionPaused    SessionState = "paused"
	SessionCancelled SessionState = "cancelled"
	SessionCompleted SessionState = "completed"
	SessionErrored   SessionState = "errored"
)

// Direction distinguishes uploads from downloads.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

var (
	// ErrNoActiveUpload indicates a chunk arrived with no upload session open.
	ErrNoActiveUpload = errors.New("relay: no active upload session")
	// ErrUploadInProgress indicates the owner already has an open upload.
	ErrUploadInProgress = errors.New("relay: upload already in progress")
	// ErrChunkOverflow indicates a chunk would push the session past its
	// declared size.
	ErrChunkOverflow = errors.New("relay: chunk exceeds declared filesize")
)

// Session tracks one in-progress upload or download. Fields are guarded by
// mu; Transferred never decreases and never exceeds Total.
type Session struct {
	mu sync.Mutex

	ID           string
	Owner        string
	Direction    Direction
	StoredName   string
	OriginalName string
	Recipient    string
	FileType     string
	Total        int64
	Transferred  int64
	State        SessionState
	RateLimit    int64

	file      *os.File
	paused    bool
	cancelled bool
}

// Progress returns the current transferred byte count and state.
func (s *Session) Progress() (int64, SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Transferred, s.State
}

// TransferManager owns every live transfer session. Each owner holds at most
// one session per direction; sessions are destroyed on completion,
// cancellation, owner disconnect, or unrecoverable I/O error.
type TransferManager struct {
	files  *storage.Files
	store  *storage.Store
	router *Router
	log    *slog.Logger

	// defaultRateLimit paces transfers that do not declare their own limit,
	// in bytes per second. Zero disables pacing.
	defaultRateLimit int64

	mu        sync.Mutex
	uploads   map[string]*Session
	downloads map[string]*Session

	wg sync.WaitGroup
}

// NewTransferManager creates a transfer manager.
func NewTransferManager(files *storage.Files, store *storage.Store, router *Router, defaultRateLimit int64, log *slog.Logger) *TransferManager {
	if log == nil {
		log = slog.Default()
	}
	return &TransferManager{
		files:            files,
		store:            store,
		router:           router,
		log:              log.With("component", "transfer"),
		defaultRateLimit: defaultRateLimit,
		uploads:          make(map[string]*Session),
		downloads:        make(map[string]*Session),
	}
}

// Wait blocks until all download goroutines have finished.
func (tm *TransferManager) Wait() {
	tm.wg.Wait()
}

// StartUpload opens a new upload session from an upload-start control
// message and replies with file-upload-ready carrying the stored name the
// announcement will use.
func (tm *TransferManager) StartUpload(owner Client, req Envelope) error {
	if req.Filename == "" {
		return tm.failControl(owner, "", "upload-start without filename")
	}
	if req.Filesize <= 0 {
		return tm.failControl(owner, req.Filename, "upload-start with invalid filesize")
	}

	storedName := tm.files.StoredName(req.Filename)
	file, err := tm.files.Create(storedName)
	if err != nil {
		tm.log.Error("create upload target", "owner", owner.Name(), "error", err)
		return tm.failControl(owner, req.Filename, "could not create storage file")
	}

	session := &Session{
		ID:           uuid.NewString(),
		Owner:        owner.Name(),
		Direction:    DirectionUpload,
		StoredName:   storedName,
		OriginalName: req.Filename,
		Recipient:    req.Recipient,
		FileType:     req.FileType,
		Total:        req.Filesize,
		State:        SessionPending,
		RateLimit:    tm.effectiveRate(req.RateLimit),
		file:         file,
	}

	// Check and reserve under one lock hold so concurrent upload-starts for
	// the same identity cannot both pass the duplicate check.
	tm.mu.Lock()
	if _, exists := tm.uploads[owner.Name()]; exists {
		tm.mu.Unlock()
		_ = file.Close()
		_ = tm.files.Remove(storedName)
		_ = owner.Deliver(Envelope{
			Kind:      KindFileError,
			Recipient: owner.Name(),
			Filename:  req.Filename,
			Error:     "an upload is already in progress",
		})
		return ErrUploadInProgress
	}
	tm.uploads[owner.Name()] = session
	tm.mu.Unlock()

	if err := tm.store.SaveFileMetadata(storage.FileMetadata{
		StoredName:   storedName,
		OriginalName: req.Filename,
		Uploader:     owner.Name(),
		Recipient:    req.Recipient,
		Filesize:     req.Filesize,
		Status:       storage.TransferStatusPending,
	}); err != nil {
		tm.mu.Lock()
		if tm.uploads[owner.Name()] == session {
			delete(tm.uploads, owner.Name())
		}
		tm.mu.Unlock()
		_ = file.Close()
		_ = tm.files.Remove(storedName)
		tm.log.Error("save upload metadata", "owner", owner.Name(), "error", err)
		return tm.failControl(owner, req.Filename, "could not record upload")
	}

	tm.log.Info("upload session opened",
		"session", session.ID, "owner", session.Owner,
		"filename", session.OriginalName, "filesize", session.Total)

	_ = owner.Deliver(Envelope{
		Kind:             KindFileUploadReady,
		Recipient:        owner.Name(),
		Filename:         storedName,
		OriginalFilename: req.Filename,
		Filesize:         req.Filesize,
	})
	return nil
}

// IngestChunk appends one raw chunk to the owner's upload session. The first
// chunk moves the session from pending to active; reaching the declared size
// completes it and announces the file through the router. When the session
// carries a rate limit the call sleeps to pace the sender, which applies
// backpressure through the connection's read loop.
func (tm *TransferManager) IngestChunk(ownerName string, chunk []byte) error {
	tm.mu.Lock()
	session := tm.uploads[ownerName]
	tm.mu.Unlock()
	if session == nil {
		return ErrNoActiveUpload
	}

	start := time.Now()

	session.mu.Lock()
	if session.State == SessionCancelled || session.State == SessionCompleted || session.State == SessionErrored {
		session.mu.Unlock()
		return ErrNoActiveUpload
	}
	if session.Transferred+int64(len(chunk)) > session.Total {
		session.mu.Unlock()
		tm.errorUpload(session, "received more bytes than declared")
		return ErrChunkOverflow
	}
	if session.State == SessionPending {
		session.State = SessionActive
	}

	if _, err := session.file.Write(chunk); err != nil {
		session.mu.Unlock()
		tm.errorUpload(session, fmt.Sprintf("write failed: %v", err))
		return fmt.Errorf("write upload chunk: %w", err)
	}
	session.Transferred += int64(len(chunk))
	done := session.Transferred == session.Total
	rate := session.RateLimit
	session.mu.Unlock()

	if done {
		tm.completeUpload(session)
		return nil
	}

	if rate > 0 {
		pace(len(chunk), rate, time.Since(start))
	}
	return nil
}

// CancelUpload aborts the owner's upload, discarding partial output.
func (tm *TransferManager) CancelUpload(ownerName string) {
	tm.mu.Lock()
	session := tm.uploads[ownerName]
	delete(tm.uploads, ownerName)
	tm.mu.Unlock()
	if session == nil {
		return
	}

	session.mu.Lock()
	session.State = SessionCancelled
	session.cancelled = true
	if session.file != nil {
		_ = session.file.Close()
		session.file = nil
	}
	storedName := session.StoredName
	session.mu.Unlock()

	_ = tm.files.Remove(storedName)
	if err := tm.store.UpdateTransferStatus(storedName, storage.TransferStatusCancelled); err != nil {
		tm.log.Warn("record cancelled upload", "stored_name", storedName, "error", err)
	}
	tm.log.Info("upload cancelled", "session", session.ID, "owner", session.Owner)
}

// Pause flips the cooperative pause flag on the owner's sessions. Paused
// transfers keep their file handles open and lose no bytes.
func (tm *TransferManager) Pause(ownerName string) {
	tm.setPaused(ownerName, true)
}

// Resume clears the cooperative pause flag on the owner's sessions.
func (tm *TransferManager) Resume(ownerName string) {
	tm.setPaused(ownerName, false)
}

func (tm *TransferManager) setPaused(ownerName string, paused bool) {
	tm.mu.Lock()
	sessions := make([]*Session, 0, 2)
	if s := tm.uploads[ownerName]; s != nil {
		sessions = append(sessions, s)
	}
	if s := tm.downloads[ownerName]; s != nil {
		sessions = append(sessions, s)
	}
	tm.mu.Unlock()

	for _, session := range sessions {
		session.mu.Lock()
		if session.State == SessionActive && paused {
			session.State = SessionPaused
		}
		if session.State == SessionPaused && !paused {
			session.State = SessionActive
		}
		session.paused = paused
		session.mu.Unlock()
	}
}

// StartDownload streams a stored file to the owner in paced chunks, starting
// at the requested byte offset so interrupted downloads can resume.
func (tm *TransferManager) StartDownload(owner Client, req Envelope) error {
	if req.Filename == "" {
		return tm.failControl(owner, "", "download-request without filename")
	}

	size, err := tm.files.Size(req.Filename)
	if err != nil {
		_ = owner.Deliver(Envelope{
			Kind:      KindFileError,
			Recipient: owner.Name(),
			Filename:  req.Filename,
			Error:     "file not found",
		})
		return fmt.Errorf("download target: %w", err)
	}

	offset := req.Offset
	if offset < 0 || offset > size {
		return tm.failControl(owner, req.Filename, "invalid download offset")
	}

	file, err := tm.files.Open(req.Filename)
	if err != nil {
		return tm.failControl(owner, req.Filename, "could not open stored file")
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		_ = file.Close()
		return tm.failControl(owner, req.Filename, "could not seek stored file")
	}

	session := &Session{
		ID:          uuid.NewString(),
		Owner:       owner.Name(),
		Direction:   DirectionDownload,
		StoredName:  req.Filename,
		Total:       size,
		Transferred: offset,
		State:       SessionPending,
		RateLimit:   tm.effectiveRate(req.RateLimit),
		file:        file,
	}

	tm.mu.Lock()
	if _, exists := tm.downloads[owner.Name()]; exists {
		tm.mu.Unlock()
		_ = file.Close()
		return tm.failControl(owner, req.Filename, "a download is already in progress")
	}
	tm.downloads[owner.Name()] = session
	tm.mu.Unlock()

	tm.log.Info("download session opened",
		"session", session.ID, "owner", session.Owner,
		"filename", session.StoredName, "offset", offset, "filesize", size)

	tm.wg.Add(1)
	go tm.runDownload(owner, session)
	return nil
}

func (tm *TransferManager) runDownload(owner Client, session *Session) {
	defer tm.wg.Done()
	defer func() {
		tm.mu.Lock()
		if tm.downloads[session.Owner] == session {
			delete(tm.downloads, session.Owner)
		}
		tm.mu.Unlock()
	}()

	buf := make([]byte, downloadChunkSize)
	for {
		session.mu.Lock()
		if session.cancelled {
			session.State = SessionCancelled
			_ = session.file.Close()
			session.file = nil
			session.mu.Unlock()
			tm.log.Info("download cancelled", "session", session.ID, "owner", session.Owner)
			return
		}
		if session.paused {
			session.mu.Unlock()
			time.Sleep(pausePollInterval)
			continue
		}
		if session.State == SessionPending {
			session.State = SessionActive
		}
		file := session.file
		rate := session.RateLimit
		session.mu.Unlock()

		start := time.Now()
		n, err := file.Read(buf)
		if n > 0 {
			if sendErr := owner.DeliverChunk(buf[:n]); sendErr != nil {
				tm.abortDownload(session, fmt.Sprintf("send failed: %v", sendErr))
				return
			}
			session.mu.Lock()
			session.Transferred += int64(n)
			session.mu.Unlock()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				tm.finishDownload(owner, session)
				return
			}
			tm.abortDownload(session, fmt.Sprintf("read failed: %v", err))
			_ = owner.Deliver(Envelope{
				Kind:      KindFileError,
				Recipient: session.Owner,
				Filename:  session.StoredName,
				Error:     "read error during download",
			})
			return
		}

		if rate > 0 {
			pace(n, rate, time.Since(start))
		}
	}
}

func (tm *TransferManager) finishDownload(owner Client, session *Session) {
	session.mu.Lock()
	session.State = SessionCompleted
	if session.file != nil {
		_ = session.file.Close()
		session.file = nil
	}
	session.mu.Unlock()

	tm.log.Info("download complete", "session", session.ID, "owner", session.Owner)
	_ = owner.Deliver(Envelope{
		Kind:      TypeDownloadComplete,
		Recipient: session.Owner,
		Filename:  session.StoredName,
		Filesize:  session.Total,
	})
}

func (tm *TransferManager) abortDownload(session *Session, reason string) {
	session.mu.Lock()
	session.State = SessionErrored
	if session.file != nil {
		_ = session.file.Close()
		session.file = nil
	}
	session.mu.Unlock()
	tm.log.Warn("download aborted", "session", session.ID, "owner", session.Owner, "reason", reason)
}

// Cancel aborts the owner's active transfers: uploads discard partial
// output, downloads stop at the next chunk boundary.
func (tm *TransferManager) Cancel(ownerName string) {
	tm.CancelUpload(ownerName)

	tm.mu.Lock()
	download := tm.downloads[ownerName]
	tm.mu.Unlock()
	if download != nil {
		download.mu.Lock()
		download.cancelled = true
		download.mu.Unlock()
	}
}

// ReleaseOwner tears down every session the identity owns on disconnect.
// Incomplete uploads are recorded as errored and their partial output is
// preserved for explicit cleanup.
func (tm *TransferManager) ReleaseOwner(ownerName string) {
	tm.mu.Lock()
	upload := tm.uploads[ownerName]
	delete(tm.uploads, ownerName)
	download := tm.downloads[ownerName]
	tm.mu.Unlock()

	if upload != nil {
		tm.errorUpload(upload, "owner disconnected")
	}
	if download != nil {
		download.mu.Lock()
		download.cancelled = true
		download.mu.Unlock()
	}
}

// ActiveUpload reports the owner's current upload session, if any.
func (tm *TransferManager) ActiveUpload(ownerName string) (*Session, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	session := tm.uploads[ownerName]
	return session, session != nil
}

// ActiveDownload reports the owner's current download session, if any.
func (tm *TransferManager) ActiveDownload(ownerName string) (*Session, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	session := tm.downloads[ownerName]
	return session, session != nil
}

func (tm *TransferManager) completeUpload(session *Session) {
	tm.mu.Lock()
	if tm.uploads[session.Owner] == session {
		delete(tm.uploads, session.Owner)
	}
	tm.mu.Unlock()

	session.mu.Lock()
	session.State = SessionCompleted
	if session.file != nil {
		_ = session.file.Close()
		session.file = nil
	}
	session.mu.Unlock()

	if err := tm.store.UpdateTransferStatus(session.StoredName, storage.TransferStatusComplete); err != nil {
		tm.log.Warn("record completed upload", "stored_name", session.StoredName, "error", err)
	}
	tm.log.Info("upload complete",
		"session", session.ID, "owner", session.Owner,
		"stored_name", session.StoredName, "filesize", session.Total)

	if owner, ok := tm.router.registry.Lookup(session.Owner); ok {
		_ = owner.Deliver(Envelope{
			Kind:             KindFileUploadComplete,
			Recipient:        session.Owner,
			Filename:         session.StoredName,
			OriginalFilename: session.OriginalName,
			Filesize:         session.Total,
		})
	}

	announce := Envelope{
		Kind:             KindFileAnnounce,
		Sender:           session.Owner,
		Recipient:        session.Recipient,
		Filename:         session.StoredName,
		OriginalFilename: session.OriginalName,
		Filesize:         session.Total,
		FileType:         session.FileType,
	}
	announce.Normalize()
	tm.router.Dispatch(announce)
}

// errorUpload moves an upload to errored, preserving partial output on disk.
func (tm *TransferManager) errorUpload(session *Session, reason string) {
	tm.mu.Lock()
	if tm.uploads[session.Owner] == session {
		delete(tm.uploads, session.Owner)
	}
	tm.mu.Unlock()

	session.mu.Lock()
	if session.State == SessionCompleted || session.State == SessionCancelled {
		session.mu.Unlock()
		return
	}
	session.State = SessionErrored
	if session.file != nil {
		_ = session.file.Close()
		session.file = nil
	}
	session.mu.Unlock()

	if err := tm.store.UpdateTransferStatus(session.StoredName, storage.TransferStatusErrored); err != nil {
		tm.log.Warn("record errored upload", "stored_name", session.StoredName, "error", err)
	}
	tm.log.Warn("upload errored",
		"session", session.ID, "owner", session.Owner, "reason", reason)

	if owner, ok := tm.router.registry.Lookup(session.Owner); ok {
		_ = owner.Deliver(Envelope{
			Kind:      KindFileError,
			Recipient: session.Owner,
			Filename:  session.OriginalName,
			Error:     reason,
		})
	}
}

func (tm *TransferManager) failControl(owner Client, filename, reason string) error {
	_ = owner.Deliver(Envelope{
		Kind:      KindFileError,
		Recipient: owner.Name(),
		Filename:  filename,
		Error:     reason,
	})
	return errors.New("relay: " + reason)
}

func (tm *TransferManager) effectiveRate(requested int64) int64 {
	if requested > 0 {
		return requested
	}
	return tm.defaultRateLimit
}

// pace sleeps out the remainder of a chunk's rate-limit budget. Pacing is
// advisory and per-session: each transfer throttles itself independently.
func pace(chunkLen int, rate int64, elapsed time.Duration) {
	target := time.Duration(float64(chunkLen) / float64(rate) * float64(time.Second))
	if elapsed < target {
		time.Sleep(target - elapsed)
	}
}
