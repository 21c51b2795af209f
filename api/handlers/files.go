package handlers

import (
	"io"
	"mime"
	"net/http"
	"time"
)

// uploadMemoryLimit is the in-memory buffer for multipart parsing; larger
// files spill to disk before the quota check rejects them.
const uploadMemoryLimit = 10 << 20

// UploadFile accepts a multipart upload into the session workspace. The
// target name defaults to the uploaded part's filename; a "filename" form
// field overrides it, allowing subdirectory targets.
func (h *Handler) UploadFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(uploadMemoryLimit); err != nil {
		WriteJSON(w, http.StatusBadRequest, Response{
			Success:   false,
			Error:     &ErrorInfo{Code: "INVALID_REQUEST", Message: "invalid multipart form: " + err.Error()},
			Timestamp: time.Now(),
		})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, Response{
			Success:   false,
			Error:     &ErrorInfo{Code: "INVALID_REQUEST", Message: "missing file field"},
			Timestamp: time.Now(),
		})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	filename := header.Filename
	if override := r.FormValue("filename"); override != "" {
		filename = override
	}

	if err := h.svc.Upload(r.Context(), r.PathValue("id"), filename, data); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]any{"filename": filename, "size_bytes": len(data)})
}

// DownloadFile streams a workspace file's raw bytes.
func (h *Handler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	filename := r.PathValue("name")
	data, err := h.svc.Download(r.Context(), r.PathValue("id"), filename)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ListFiles returns workspace files newest-first.
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.svc.ListFiles(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, files)
}
