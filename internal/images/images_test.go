package images

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	uploads map[string][]byte
	types   map[string]string
	failOn  string
}

func newFakeStore() *fakeStore {
	return &fakeStore{uploads: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeStore) UploadBuffer(ctx context.Context, key, contentType string, data []byte) error {
	if f.failOn != "" && bytes.Contains([]byte(key), []byte(f.failOn)) {
		return errors.New("upload refused")
	}
	f.uploads[key] = data
	f.types[key] = contentType
	return nil
}

func testJPEG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := imaging.New(width, height, color.NRGBA{R: 120, G: 30, B: 200, A: 255})
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.JPEG))
	return buf.Bytes()
}

func TestGenerateFullLadder(t *testing.T) {
	store := newFakeStore()
	tr := NewTranscoder(store, zap.NewNop().Sugar())

	variants, err := tr.Generate(context.Background(), "ab12cd34", testJPEG(t, 2400, 1200))
	require.NoError(t, err)
	require.Len(t, variants, len(DefaultLadder))

	for _, v := range variants {
		assert.True(t, v.Ready(), "variant %s must be ready", v.Type)
		assert.Contains(t, store.uploads, v.StorageKey)
		assert.Equal(t, "image/jpeg", store.types[v.StorageKey])
		assert.Equal(t, int64(len(store.uploads[v.StorageKey])), v.Size)
	}
}

func TestGenerateNeverUpscales(t *testing.T) {
	store := newFakeStore()
	tr := NewTranscoder(store, zap.NewNop().Sugar())

	variants, err := tr.Generate(context.Background(), "ab12cd34", testJPEG(t, 200, 100))
	require.NoError(t, err)

	for _, v := range variants {
		assert.LessOrEqual(t, v.Width, 200, "variant %s wider than source", v.Type)
		assert.LessOrEqual(t, v.Height, 100, "variant %s taller than source", v.Type)
	}
}

func TestGeneratePreservesAspectRatio(t *testing.T) {
	store := newFakeStore()
	tr := NewTranscoder(store, zap.NewNop().Sugar())

	variants, err := tr.Generate(context.Background(), "ab12cd34", testJPEG(t, 3000, 1500))
	require.NoError(t, err)

	for _, v := range variants {
		if v.Type == "thumb" {
			// thumb fits inside 320x320
			assert.LessOrEqual(t, v.Width, 320)
			assert.LessOrEqual(t, v.Height, 320)
			continue
		}
		assert.InDelta(t, 2.0, float64(v.Width)/float64(v.Height), 0.05, "variant %s", v.Type)
	}
}

func TestGenerateBadInputFails(t *testing.T) {
	tr := NewTranscoder(newFakeStore(), zap.NewNop().Sugar())

	_, err := tr.Generate(context.Background(), "ab12cd34", []byte("not an image"))
	assert.Error(t, err)
}

func TestGenerateUploadFailureAbortsLadder(t *testing.T) {
	store := newFakeStore()
	store.failOn = "w640"
	tr := NewTranscoder(store, zap.NewNop().Sugar())

	// image variants are all or nothing
	_, err := tr.Generate(context.Background(), "ab12cd34", testJPEG(t, 2400, 1200))
	assert.Error(t, err)
}

func TestGenerateOne(t *testing.T) {
	store := newFakeStore()
	tr := NewTranscoder(store, zap.NewNop().Sugar())

	v, err := tr.GenerateOne(context.Background(), "ab12cd34", testJPEG(t, 2400, 1200), "w1280")
	require.NoError(t, err)
	assert.Equal(t, "w1280", v.Type)
	assert.Equal(t, 1280, v.Width)
	assert.Contains(t, store.uploads, v.StorageKey)
}

func TestGenerateOneUnknownType(t *testing.T) {
	tr := NewTranscoder(newFakeStore(), zap.NewNop().Sugar())

	_, err := tr.GenerateOne(context.Background(), "ab12cd34", testJPEG(t, 100, 100), "w9999")
	assert.Error(t, err)
}
