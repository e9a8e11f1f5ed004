package handlers

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/oklog/ulid/v2"

	"github.com/eldtechnologies/centralbus/internal/attachments"
	"github.com/eldtechnologies/centralbus/internal/metrics"
)

// multipartOverhead is the slack allowed above MaxBytes for form framing.
const multipartOverhead = 1 << 20

// allowedMediaTypes is the upload allow-list. SVG is excluded since it can
// carry script.
var allowedMediaTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"image/webp":      true,
	"video/mp4":       true,
	"video/webm":      true,
	"audio/mpeg":      true,
	"audio/wav":       true,
	"audio/ogg":       true,
	"application/pdf": true,
	"text/plain":      true,
}

// UploadResponse describes a stored upload. URL is relative to the server root.
type UploadResponse struct {
	URL      string `json:"url"`
	Type     string `json:"type"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// validUploadName rejects names that could escape the upload directory.
func validUploadName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.Contains(name, "..") && !strings.ContainsAny(name, "/\\\x00")
}

// detectUploadType sniffs the content. Extension hints are not trusted.
func detectUploadType(data []byte) string {
	return strings.SplitN(mimetype.Detect(data).String(), ";", 2)[0]
}

// UploadMedia stores a file posted as the multipart field "file" under the
// channel's upload directory.
func (h *Handler) UploadMedia(w http.ResponseWriter, r *http.Request) {
	channelID, ok := h.channelParam(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.media.MaxBytes+multipartOverhead)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.MediaUploads.WithLabelValues("too_large").Inc()
			h.Error(w, http.StatusRequestEntityTooLarge, "file exceeds upload limit")
			return
		}
		metrics.MediaUploads.WithLabelValues("invalid").Inc()
		h.Error(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	if !validUploadName(header.Filename) {
		metrics.MediaUploads.WithLabelValues("invalid").Inc()
		h.Error(w, http.StatusBadRequest, "invalid filename")
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, h.media.MaxBytes+1))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	if int64(len(data)) > h.media.MaxBytes {
		metrics.MediaUploads.WithLabelValues("too_large").Inc()
		h.Error(w, http.StatusRequestEntityTooLarge, "file exceeds upload limit")
		return
	}
	if len(data) == 0 {
		metrics.MediaUploads.WithLabelValues("invalid").Inc()
		h.Error(w, http.StatusBadRequest, "file is empty")
		return
	}

	mediaType := detectUploadType(data)
	if !allowedMediaTypes[mediaType] {
		metrics.MediaUploads.WithLabelValues("rejected_type").Inc()
		h.Error(w, http.StatusUnsupportedMediaType, "file type not allowed: "+mediaType)
		return
	}

	// The stored extension follows the sniffed type so the file server never
	// labels it as something else.
	stored := ulid.Make().String() + mimetype.Lookup(mediaType).Extension()
	rel := path.Join("channels", channelID.String(), stored)

	dir := filepath.Join(h.media.Dir, "channels", channelID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		h.logger.Error().Err(err).Str("dir", dir).Msg("failed to create upload directory")
		h.Error(w, http.StatusInternalServerError, "failed to store file")
		return
	}
	if err := os.WriteFile(filepath.Join(dir, stored), data, 0o644); err != nil {
		h.logger.Error().Err(err).Str("dir", dir).Msg("failed to write upload")
		h.Error(w, http.StatusInternalServerError, "failed to store file")
		return
	}

	metrics.MediaUploads.WithLabelValues("stored").Inc()
	h.logger.Info().
		Str("channel_id", channelID.String()).
		Str("type", mediaType).
		Int("size", len(data)).
		Msg("media uploaded")

	h.JSON(w, http.StatusOK, UploadResponse{
		URL:      attachments.MediaPrefix + rel,
		Type:     mediaType,
		Filename: header.Filename,
		Size:     int64(len(data)),
	})
}
