package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"threads-scheduler/internal/config"
	"threads-scheduler/internal/models"
)

func encodeTestPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 30, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestUploadImageWritesLocalFileAndURL(t *testing.T) {
	tempDir := t.TempDir()
	cfg := config.Config{
		MediaLocalDir: tempDir,
		MediaBaseURL:  "https://cdn.example.com/media",
		MediaMaxBytes: 1 << 20,
	}

	up, err := NewUploader(context.Background(), cfg)
	require.NoError(t, err)

	res, err := up.Upload(context.Background(), "photo.png", bytes.NewReader(encodeTestPNG(t)))
	require.NoError(t, err)
	require.Equal(t, models.MediaTypeImage, res.MediaType)
	require.True(t, strings.HasPrefix(res.URL, "https://cdn.example.com/media/"))
	require.True(t, strings.HasSuffix(res.URL, ".png"))

	key := strings.TrimPrefix(res.URL, "https://cdn.example.com/media/")
	data, err := os.ReadFile(filepath.Join(tempDir, key))
	require.NoError(t, err)

	_, format, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, "png", format)
}

func TestUploadRejectsOversizedMedia(t *testing.T) {
	cfg := config.Config{MediaLocalDir: t.TempDir(), MediaMaxBytes: 16}
	up, err := NewUploader(context.Background(), cfg)
	require.NoError(t, err)

	_, err = up.Upload(context.Background(), "clip.mp4", bytes.NewReader(make([]byte, 64)))
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestUploadRejectsCorruptImage(t *testing.T) {
	cfg := config.Config{MediaLocalDir: t.TempDir(), MediaMaxBytes: 1 << 20}
	up, err := NewUploader(context.Background(), cfg)
	require.NoError(t, err)

	_, err = up.Upload(context.Background(), "broken.jpg", strings.NewReader("not an image"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode image")
}

func TestUploadRejectsUnknownExtension(t *testing.T) {
	cfg := config.Config{MediaLocalDir: t.TempDir(), MediaMaxBytes: 1 << 20}
	up, err := NewUploader(context.Background(), cfg)
	require.NoError(t, err)

	_, err = up.Upload(context.Background(), "notes.txt", strings.NewReader("hello"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported media file")
}

func TestUploadVideoPassesBytesThrough(t *testing.T) {
	tempDir := t.TempDir()
	cfg := config.Config{MediaLocalDir: tempDir, MediaBaseURL: "http://localhost:8080/media", MediaMaxBytes: 1 << 20}
	up, err := NewUploader(context.Background(), cfg)
	require.NoError(t, err)

	payload := []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p'}
	res, err := up.Upload(context.Background(), "clip.mp4", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, models.MediaTypeVideo, res.MediaType)

	key := strings.TrimPrefix(res.URL, "http://localhost:8080/media/")
	data, err := os.ReadFile(filepath.Join(tempDir, key))
	require.NoError(t, err)
	require.Equal(t, payload, data)
}
