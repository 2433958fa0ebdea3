package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestIsStream(t *testing.T) {

	tests := []struct {
		spec string
		want bool
	}{
		{"0", true},
		{"2", true},
		{"rtsp://192.168.1.10/live", true},
		{"RTMP://host/app", true},
		{"http://host/video.mjpg", true},
		{"streams.txt", true},
		{"inference/images", false},
		{"bus.jpg", false},
		{"clip.mp4", false},
		{"*.jpg", false},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			assert.Equal(t, tt.want, IsStream(tt.spec))
		})
	}
}

func TestExtensions(t *testing.T) {
	assert.True(t, IsImage("a/b/zidane.JPG"))
	assert.True(t, IsImage("x.tiff"))
	assert.False(t, IsImage("x.mp4"))
	assert.True(t, IsVideo("clip.MKV"))
	assert.False(t, IsVideo("readme.md"))
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte{0}, 0644))
}

func TestListFiles(t *testing.T) {

	dir := t.TempDir()

	touch(t, filepath.Join(dir, "b.jpg"))
	touch(t, filepath.Join(dir, "a.png"))
	touch(t, filepath.Join(dir, "c.mp4"))
	touch(t, filepath.Join(dir, "notes.txt"))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.jpg"), 0755))

	files, err := ListFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.png"),
		filepath.Join(dir, "b.jpg"),
		filepath.Join(dir, "c.mp4"),
	}, files)

	files, err = ListFiles(filepath.Join(dir, "*.jpg"))
	require.NoError(t, err)
	assert.Contains(t, files, filepath.Join(dir, "b.jpg"))

	files, err = ListFiles(filepath.Join(dir, "a.png"))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.png")}, files)

	_, err = ListFiles(filepath.Join(dir, "missing.jpg"))
	assert.Error(t, err)

	empty := t.TempDir()
	touch(t, filepath.Join(empty, "notes.txt"))
	_, err = ListFiles(empty)
	assert.Error(t, err)
}

func TestReadStreamList(t *testing.T) {

	path := filepath.Join(t.TempDir(), "streams.txt")
	require.NoError(t, os.WriteFile(path,
		[]byte("rtsp://cam1/live\n\n  rtsp://cam2/live  \n"), 0644))

	specs, err := readStreamList(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"rtsp://cam1/live", "rtsp://cam2/live"}, specs)

	emptyPath := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(emptyPath, []byte("\n\n"), 0644))

	_, err = readStreamList(emptyPath)
	assert.Error(t, err)
}

func TestImagesNext(t *testing.T) {

	dir := t.TempDir()

	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(10, 20, 30, 0), 48, 64, gocv.MatTypeCV8UC3)
	defer img.Close()

	require.True(t, gocv.IMWrite(filepath.Join(dir, "one.jpg"), img))
	require.True(t, gocv.IMWrite(filepath.Join(dir, "two.png"), img))

	// an unreadable image is reported and skipped
	touch(t, filepath.Join(dir, "three.jpg"))

	src, err := Open(dir)
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, ModeImage, src.Mode())

	frame, err := src.Next()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "one.jpg"), frame.Path)
	assert.Equal(t, ModeImage, frame.Mode)
	assert.Equal(t, 0, frame.Index)

	w, h := frame.Size()
	assert.Equal(t, 64, w)
	assert.Equal(t, 48, h)
	frame.Close()

	_, err = src.Next()
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrExhausted)

	frame, err = src.Next()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "two.png"), frame.Path)
	assert.Equal(t, 2, frame.Index)
	frame.Close()

	_, err = src.Next()
	assert.ErrorIs(t, err, ErrExhausted)

	_, err = src.Next()
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "image", ModeImage.String())
	assert.Equal(t, "video", ModeVideo.String())
	assert.Equal(t, "stream", ModeStream.String())
}
