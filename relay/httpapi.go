package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"

	"chatrelay/storage"
)

// maxUploadMemory bounds the in-memory portion of multipart parsing.
const maxUploadMemory = 4 * 1024 * 1024

// HTTPAPI serves the convenience upload/download endpoints and hosts the
// push-channel upgrade route on the same mux.
type HTTPAPI struct {
	files  *storage.Files
	store  *storage.Store
	router *Router
	log    *slog.Logger
}

// NewHTTPHandler builds the relay's HTTP mux: push upgrades, multipart
// upload, and ranged download of stored files.
func NewHTTPHandler(files *storage.Files, store *storage.Store, router *Router, push *PushHandler, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	api := &HTTPAPI{
		files:  files,
		store:  store,
		router: router,
		log:    log.With("component", "http"),
	}

	mux := httprouter.New()
	mux.GET("/ws/:username", push.Handle)
	mux.POST("/upload", api.handleUpload)
	mux.GET("/downloads/:name", api.handleDownload)
	return mux
}

// handleUpload stores a multipart file and announces it through the router.
func (api *HTTPAPI) handleUpload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		http.Error(w, "malformed multipart form", http.StatusBadRequest)
		return
	}

	username := strings.TrimSpace(r.FormValue("username"))
	if username == "" {
		http.Error(w, "username is required", http.StatusBadRequest)
		return
	}
	recipient := strings.TrimSpace(r.FormValue("recipient"))

	upload, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file field is required", http.StatusBadRequest)
		return
	}
	defer upload.Close()

	storedName := api.files.StoredName(header.Filename)
	out, err := api.files.Create(storedName)
	if err != nil {
		api.log.Error("create upload target", "error", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}

	written, err := io.Copy(out, upload)
	closeErr := out.Close()
	if err != nil || closeErr != nil {
		_ = api.files.Remove(storedName)
		api.log.Error("write upload", "stored_name", storedName, "error", errors.Join(err, closeErr))
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}

	if err := api.store.SaveFileMetadata(storage.FileMetadata{
		StoredName:   storedName,
		OriginalName: header.Filename,
		Uploader:     username,
		Recipient:    recipient,
		Filesize:     written,
		Status:       storage.TransferStatusComplete,
	}); err != nil {
		api.log.Error("save upload metadata", "stored_name", storedName, "error", err)
	}

	announce := Envelope{
		Kind:             KindFileAnnounce,
		Sender:           username,
		Recipient:        recipient,
		Filename:         storedName,
		OriginalFilename: header.Filename,
		Filesize:         written,
	}
	announce.Normalize()
	api.router.Dispatch(announce)

	api.log.Info("http upload stored", "stored_name", storedName, "uploader", username, "filesize", written)

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"filename":%q,"filesize":%d}`+"\n", storedName, written)
}

// handleDownload streams a stored file back. http.ServeFile supplies the
// byte-range handling that download resumption relies on.
func (api *HTTPAPI) handleDownload(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	path, err := api.files.Path(name)
	if err != nil {
		http.Error(w, "invalid file name", http.StatusBadRequest)
		return
	}

	if meta, err := api.store.GetFileByStoredName(name); err == nil {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.OriginalName))
	}

	http.ServeFile(w, r, path)
}
