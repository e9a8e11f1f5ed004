package attachments

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/centralbus/internal/models"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0x0D, 'I', 'H', 'D', 'R'}

func writeUpload(t *testing.T, dir, rel string, data []byte) {
	t.Helper()
	full := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, data, 0o644))
}

func TestIsLocal(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"/media/uploads/channels/c1/a.png", true},
		{"http://localhost:3000/media/uploads/channels/c1/a.png", true},
		{"http://127.0.0.1/media/uploads/a.png", true},
		{"https://cdn.example.com/media/uploads/a.png", false},
		{"/static/a.png", false},
		{"/media/uploads/../../etc/passwd", false},
		{"/media/uploads/%2e%2e/secret", false},
		{"/media/uploads/", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, IsLocal(tt.url))
		})
	}
}

func TestDataURIFromUploadDir(t *testing.T) {
	dir := t.TempDir()
	writeUpload(t, dir, "channels/c1/photo.png", pngHeader)
	r := NewResolver(dir, 1024, zerolog.Nop())

	uri, err := r.DataURI("http://localhost:3000/media/uploads/channels/c1/photo.png")
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,"+base64.StdEncoding.EncodeToString(pngHeader), uri)
}

func TestDataURISniffsMagicBytes(t *testing.T) {
	dir := t.TempDir()
	writeUpload(t, dir, "channels/c1/blob", pngHeader)
	r := NewResolver(dir, 1024, zerolog.Nop())

	uri, err := r.DataURI("/media/uploads/channels/c1/blob")
	require.NoError(t, err)
	assert.Contains(t, uri, "data:image/png;base64,")
}

func TestDataURIErrors(t *testing.T) {
	dir := t.TempDir()
	writeUpload(t, dir, "big.bin", make([]byte, 64))
	r := NewResolver(dir, 16, zerolog.Nop())

	_, err := r.DataURI("/media/uploads/missing.png")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.DataURI("/media/uploads/big.bin")
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = r.DataURI("https://example.com/x.png")
	assert.ErrorIs(t, err, ErrNotLocal)

	_, err = r.DataURI("/media/uploads/../x.png")
	assert.ErrorIs(t, err, ErrTraversal)
}

func TestInline(t *testing.T) {
	dir := t.TempDir()
	writeUpload(t, dir, "notes.txt", []byte("hello"))
	r := NewResolver(dir, 1024, zerolog.Nop())

	in := []models.Attachment{
		{ID: "1", URL: "/media/uploads/notes.txt"},
		{ID: "2", URL: "https://example.com/remote.png", ContentType: "image/png"},
		{ID: "3", URL: "/media/uploads/gone.txt"},
	}
	out := r.Inline(in)

	require.Len(t, out, 3)
	assert.Equal(t, "data:text/plain;base64,aGVsbG8=", out[0].URL)
	assert.Equal(t, "text/plain", out[0].ContentType)
	assert.Equal(t, in[1], out[1])
	assert.Equal(t, "/media/uploads/gone.txt", out[2].URL)
	assert.Equal(t, "/media/uploads/notes.txt", in[0].URL, "input must not be modified")
}

func TestDetectType(t *testing.T) {
	assert.Equal(t, "image/png", DetectType("x.PNG", nil))
	assert.Equal(t, "image/png", DetectType("noext", pngHeader))
	assert.Equal(t, "text/plain", DetectType("noext", []byte("just text")))
}
