// Package attachments inlines locally hosted media as base64 data URIs so
// agent runtimes never have to reach back into the server's filesystem.
package attachments

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/centralbus/internal/models"
)

// MediaPrefix is the URL path uploaded media is served under.
const MediaPrefix = "/media/uploads/"

var (
	ErrNotLocal  = errors.New("not a local media url")
	ErrNotFound  = errors.New("media file not found")
	ErrTooLarge  = errors.New("media file too large")
	ErrTraversal = errors.New("path escapes upload directory")
)

var localHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
	"0.0.0.0":   true,
}

// Resolver turns local media URLs into data URIs.
type Resolver struct {
	uploadDir string
	maxBytes  int64
	logger    zerolog.Logger
}

// NewResolver creates a resolver reading from uploadDir. Files larger than
// maxBytes are left as URLs.
func NewResolver(uploadDir string, maxBytes int64, logger zerolog.Logger) *Resolver {
	return &Resolver{
		uploadDir: uploadDir,
		maxBytes:  maxBytes,
		logger:    logger.With().Str("component", "attachments").Logger(),
	}
}

// relativePath extracts the path below MediaPrefix from a relative URL or an
// absolute URL pointing at a loopback host.
func relativePath(raw string) (string, error) {
	p := raw
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		u, err := url.Parse(raw)
		if err != nil || !localHosts[u.Hostname()] {
			return "", ErrNotLocal
		}
		p = u.Path
	}
	if !strings.HasPrefix(p, MediaPrefix) {
		return "", ErrNotLocal
	}

	rel, err := url.PathUnescape(strings.TrimPrefix(p, MediaPrefix))
	if err != nil {
		return "", ErrNotLocal
	}
	cleaned := path.Clean("/" + rel)
	if cleaned == "/" || strings.Contains(rel, "..") {
		return "", ErrTraversal
	}
	return strings.TrimPrefix(cleaned, "/"), nil
}

// IsLocal reports whether raw points at media hosted by this server.
func IsLocal(raw string) bool {
	_, err := relativePath(raw)
	return err == nil
}

// candidates lists the filesystem locations a media path may live at, in
// probe order.
func (r *Resolver) candidates(rel string) []string {
	native := filepath.FromSlash(rel)
	out := []string{filepath.Join(r.uploadDir, native)}
	if cwd, err := os.Getwd(); err == nil {
		out = append(out,
			filepath.Join(cwd, "data", "uploads", native),
			filepath.Join(cwd, "uploads", native),
		)
	}
	return out
}

func (r *Resolver) read(rel string) ([]byte, string, error) {
	for _, candidate := range r.candidates(rel) {
		info, err := os.Stat(candidate)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, "", err
		}
		if info.IsDir() {
			continue
		}
		if r.maxBytes > 0 && info.Size() > r.maxBytes {
			return nil, "", ErrTooLarge
		}
		data, err := os.ReadFile(candidate)
		if err != nil {
			return nil, "", err
		}
		return data, candidate, nil
	}
	return nil, "", ErrNotFound
}

// DetectType returns the media type of a file, preferring its extension and
// falling back to magic bytes.
func DetectType(name string, data []byte) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return stripParams(t)
	}
	return stripParams(mimetype.Detect(data).String())
}

func stripParams(t string) string {
	base, _, _ := strings.Cut(t, ";")
	return strings.TrimSpace(base)
}

// DataURI reads the media behind raw and encodes it as a data URI.
func (r *Resolver) DataURI(raw string) (string, error) {
	uri, _, err := r.encode(raw)
	return uri, err
}

func (r *Resolver) encode(raw string) (uri, mediaType string, err error) {
	rel, err := relativePath(raw)
	if err != nil {
		return "", "", err
	}
	data, file, err := r.read(rel)
	if err != nil {
		return "", "", fmt.Errorf("%s: %w", raw, err)
	}
	mediaType = DetectType(file, data)
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data), mediaType, nil
}

// Inline returns a copy of atts with every local URL replaced by a data URI.
// Attachments that cannot be read keep their URL.
func (r *Resolver) Inline(atts []models.Attachment) []models.Attachment {
	if len(atts) == 0 {
		return atts
	}
	out := make([]models.Attachment, len(atts))
	for i, a := range atts {
		out[i] = a
		if !IsLocal(a.URL) {
			continue
		}
		uri, mediaType, err := r.encode(a.URL)
		if err != nil {
			r.logger.Warn().Err(err).Str("url", a.URL).Msg("failed to inline attachment")
			continue
		}
		out[i].URL = uri
		if out[i].ContentType == "" {
			out[i].ContentType = mediaType
		}
	}
	return out
}
