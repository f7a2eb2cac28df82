package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	models "media-pipeline/internal/media"
	"media-pipeline/internal/probe"
	utils "media-pipeline/internal/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRepo is an in-memory AssetStore with real compare-and-swap semantics on
// the variants field.
type fakeRepo struct {
	mu         sync.Mutex
	assets     map[string]*models.Asset
	interleave func() // runs once before the next update, simulating a concurrent writer
}

func newFakeRepo(assets ...*models.Asset) *fakeRepo {
	r := &fakeRepo{assets: map[string]*models.Asset{}}
	for _, a := range assets {
		r.assets[a.ID] = a
	}
	return r
}

func (r *fakeRepo) FindByID(ctx context.Context, id string) (*models.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assets[id]
	if !ok {
		return nil, utils.ErrAssetNotFound
	}
	cp := *a
	cp.Variants = append([]models.Variant(nil), a.Variants...)
	return &cp, nil
}

func (r *fakeRepo) FindByContentHash(ctx context.Context, hash, excludeID string) (*models.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.assets {
		if a.ID == excludeID || a.ContentHash != hash {
			continue
		}
		for _, v := range a.Variants {
			if v.Ready() {
				cp := *a
				cp.Variants = append([]models.Variant(nil), a.Variants...)
				return &cp, nil
			}
		}
	}
	return nil, nil
}

func (r *fakeRepo) UpdateVariantsField(ctx context.Context, id string, version int64, variants []models.Variant) error {
	r.mu.Lock()
	if r.interleave != nil {
		f := r.interleave
		r.interleave = nil
		r.mu.Unlock()
		f()
		r.mu.Lock()
	}
	defer r.mu.Unlock()
	a, ok := r.assets[id]
	if !ok {
		return utils.ErrAssetNotFound
	}
	if a.Version != version {
		return utils.ErrVersionConflict
	}
	a.Variants = append([]models.Variant(nil), variants...)
	a.Version++
	return nil
}

func (r *fakeRepo) UpdateMetadata(ctx context.Context, id string, metadata map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.assets[id]; ok {
		if a.Metadata == nil {
			a.Metadata = map[string]any{}
		}
		for k, v := range metadata {
			a.Metadata[k] = v
		}
	}
	return nil
}

type fakeObjStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	downloads int
}

func newFakeObjStore() *fakeObjStore {
	return &fakeObjStore{objects: map[string][]byte{}}
}

func (f *fakeObjStore) DownloadBuffer(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return data, nil
}

func (f *fakeObjStore) UploadBuffer(ctx context.Context, key, contentType string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeObjStore) PresignURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://presigned.example.com/" + key, nil
}

func ready(typ, key string) models.Variant {
	now := time.Now().UTC()
	return models.Variant{Type: typ, StorageKey: key, ReadyAt: &now}
}

type fakeImageTranscoder struct {
	calls int
	err   error
}

func (f *fakeImageTranscoder) Generate(ctx context.Context, hash string, original []byte) ([]models.Variant, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []models.Variant{ready("thumb", "k/thumb"), ready("w1280", "k/w1280")}, nil
}

func (f *fakeImageTranscoder) GenerateOne(ctx context.Context, hash string, original []byte, variantType string) (models.Variant, error) {
	f.calls++
	if f.err != nil {
		return models.Variant{}, f.err
	}
	return ready(variantType, "k/"+variantType), nil
}

type fakeProber struct {
	calls int
	meta  probe.Metadata
}

func (f *fakeProber) Probe(ctx context.Context, sourceURL string) probe.Metadata {
	f.calls++
	return f.meta
}

type fakePoster struct {
	calls int
	err   error
}

func (f *fakePoster) Generate(ctx context.Context, hash, sourceURL string, meta probe.Metadata) (models.Variant, error) {
	f.calls++
	if f.err != nil {
		return models.Variant{}, f.err
	}
	return ready("poster", "k/poster"), nil
}

type fakeLadder struct {
	calls int
	out   []models.Variant
}

func (f *fakeLadder) Generate(ctx context.Context, hash, sourceURL string, meta probe.Metadata) []models.Variant {
	f.calls++
	return f.out
}

func (f *fakeLadder) GenerateOne(ctx context.Context, hash, sourceURL string, meta probe.Metadata, name string) (*models.Variant, error) {
	f.calls++
	v := ready(name, "k/"+name)
	return &v, nil
}

type fakeStreams struct {
	calls int
	out   []models.Variant
	err   error
}

func (f *fakeStreams) Generate(ctx context.Context, hash, sourceURL string, meta probe.Metadata) ([]models.Variant, error) {
	f.calls++
	return f.out, f.err
}

type fixture struct {
	repo    *fakeRepo
	store   *fakeObjStore
	imageT  *fakeImageTranscoder
	prober  *fakeProber
	poster  *fakePoster
	ladder  *fakeLadder
	streams *fakeStreams
	svc     *VariantService
}

func newFixture(assets ...*models.Asset) *fixture {
	f := &fixture{
		repo:   newFakeRepo(assets...),
		store:  newFakeObjStore(),
		imageT: &fakeImageTranscoder{},
		prober: &fakeProber{meta: probe.Metadata{Duration: 40, Width: 1920, Height: 1080}},
		poster: &fakePoster{},
		ladder: &fakeLadder{out: []models.Variant{ready("360p", "k/360p"), ready("720p", "k/720p")}},
		streams: &fakeStreams{out: []models.Variant{
			ready("hls_360p", "k/hls_360p"), ready("hls_master", "k/hls_master"),
		}},
	}
	f.svc = NewVariantService(f.repo, f.store, f.imageT, f.prober, f.poster, f.ladder, f.streams,
		time.Hour, 2, time.Millisecond, zap.NewNop().Sugar())
	return f
}

func imageAsset(id, hash string) *models.Asset {
	return &models.Asset{ID: id, Key: "originals/" + id, ContentHash: hash, ContentType: "image/jpeg"}
}

func videoAsset(id, hash string) *models.Asset {
	return &models.Asset{ID: id, Key: "originals/" + id, ContentHash: hash, ContentType: "video/mp4"}
}

func TestGenerateVariantsNotFound(t *testing.T) {
	f := newFixture()
	err := f.svc.GenerateVariants(context.Background(), "missing")
	assert.ErrorIs(t, err, utils.ErrAssetNotFound)
}

func TestGenerateVariantsUnsupportedTypeIsNoop(t *testing.T) {
	a := &models.Asset{ID: "a1", ContentType: "application/zip"}
	f := newFixture(a)

	require.NoError(t, f.svc.GenerateVariants(context.Background(), "a1"))

	stored, _ := f.repo.FindByID(context.Background(), "a1")
	assert.Empty(t, stored.Variants)
	assert.Zero(t, f.imageT.calls)
	assert.Zero(t, f.prober.calls)
}

func TestGenerateVariantsImage(t *testing.T) {
	a := imageAsset("a1", "ab12")
	f := newFixture(a)
	f.store.objects[a.Key] = []byte("jpeg-bytes")

	require.NoError(t, f.svc.GenerateVariants(context.Background(), "a1"))

	stored, _ := f.repo.FindByID(context.Background(), "a1")
	require.Len(t, stored.Variants, 2)
	assert.Equal(t, 1, f.imageT.calls)
	assert.Zero(t, f.prober.calls, "image pipeline must not probe")
}

func TestGenerateVariantsImageFailureAborts(t *testing.T) {
	a := imageAsset("a1", "ab12")
	f := newFixture(a)
	f.store.objects[a.Key] = []byte("jpeg-bytes")
	f.imageT.err = utils.ErrTranscodeFailed

	err := f.svc.GenerateVariants(context.Background(), "a1")
	assert.ErrorIs(t, err, utils.ErrTranscodeFailed)

	stored, _ := f.repo.FindByID(context.Background(), "a1")
	assert.Empty(t, stored.Variants)
}

func TestGenerateVariantsVideo(t *testing.T) {
	a := videoAsset("v1", "cd34")
	f := newFixture(a)

	require.NoError(t, f.svc.GenerateVariants(context.Background(), "v1"))

	stored, _ := f.repo.FindByID(context.Background(), "v1")
	types := make([]string, 0, len(stored.Variants))
	for _, v := range stored.Variants {
		types = append(types, v.Type)
	}
	assert.ElementsMatch(t, []string{"poster", "360p", "720p", "hls_360p", "hls_master"}, types)
	assert.Equal(t, 1, f.prober.calls)
	// probed metadata recorded on the asset
	assert.Equal(t, 40.0, stored.Metadata["duration"])
}

func TestGenerateVariantsPosterFailureIsFatal(t *testing.T) {
	a := videoAsset("v1", "cd34")
	f := newFixture(a)
	f.poster.err = utils.ErrTranscodeFailed

	err := f.svc.GenerateVariants(context.Background(), "v1")
	assert.ErrorIs(t, err, utils.ErrTranscodeFailed)

	stored, _ := f.repo.FindByID(context.Background(), "v1")
	assert.Empty(t, stored.Variants)
}

func TestGenerateVariantsStreamFailureIsSwallowed(t *testing.T) {
	a := videoAsset("v1", "cd34")
	f := newFixture(a)
	f.streams.out = nil
	f.streams.err = errors.New("scratch disk full")

	require.NoError(t, f.svc.GenerateVariants(context.Background(), "v1"))

	stored, _ := f.repo.FindByID(context.Background(), "v1")
	types := make([]string, 0, len(stored.Variants))
	for _, v := range stored.Variants {
		types = append(types, v.Type)
	}
	// poster and progressive renditions survive without hls
	assert.ElementsMatch(t, []string{"poster", "360p", "720p"}, types)
}

func TestGenerateVariantsDedupSkipsTranscoding(t *testing.T) {
	donor := videoAsset("v1", "samehash")
	donor.Variants = []models.Variant{ready("poster", "k/poster"), ready("720p", "k/720p")}
	donor.Version = 3
	second := videoAsset("v2", "samehash")
	f := newFixture(donor, second)

	require.NoError(t, f.svc.GenerateVariants(context.Background(), "v2"))

	stored, _ := f.repo.FindByID(context.Background(), "v2")
	require.Len(t, stored.Variants, 2)
	assert.Equal(t, "k/poster", stored.Variants[0].StorageKey)

	// the whole point: zero transcoding for identical content
	assert.Zero(t, f.prober.calls)
	assert.Zero(t, f.poster.calls)
	assert.Zero(t, f.ladder.calls)
	assert.Zero(t, f.streams.calls)
	assert.Zero(t, f.store.downloads)
}

func TestGenerateVariantsPDFPlaceholder(t *testing.T) {
	a := &models.Asset{ID: "p1", ContentHash: "ef56", ContentType: "application/pdf"}
	f := newFixture(a)

	require.NoError(t, f.svc.GenerateVariants(context.Background(), "p1"))

	stored, _ := f.repo.FindByID(context.Background(), "p1")
	require.Len(t, stored.Variants, 1)
	assert.Equal(t, "thumb", stored.Variants[0].Type)
	assert.False(t, stored.Variants[0].Ready())
}

func TestCommitConflictMergesAndRetries(t *testing.T) {
	a := videoAsset("v1", "cd34")
	f := newFixture(a)

	// a concurrent writer lands a caption variant and bumps the version
	// between this run's read and its first commit attempt
	f.repo.interleave = func() {
		f.repo.mu.Lock()
		stored := f.repo.assets["v1"]
		stored.Variants = append(stored.Variants, ready("subtitle", "k/subtitle"))
		stored.Version++
		f.repo.mu.Unlock()
	}

	require.NoError(t, f.svc.GenerateVariants(context.Background(), "v1"))

	stored, _ := f.repo.FindByID(context.Background(), "v1")
	types := make([]string, 0, len(stored.Variants))
	for _, v := range stored.Variants {
		types = append(types, v.Type)
	}
	// union of the concurrent write and this run's output
	assert.ElementsMatch(t, []string{"subtitle", "poster", "360p", "720p", "hls_360p", "hls_master"}, types)
}

func TestCommitConflictExhaustionSurfaces(t *testing.T) {
	a := videoAsset("v1", "cd34")
	f := newFixture(a)
	svc := NewVariantService(&conflictRepo{inner: f.repo}, f.store, f.imageT, f.prober, f.poster,
		f.ladder, f.streams, time.Hour, 2, time.Millisecond, zap.NewNop().Sugar())

	err := svc.commitVariants(context.Background(), a, []models.Variant{ready("poster", "k")})
	assert.ErrorIs(t, err, utils.ErrVersionConflict)
}

// conflictRepo rejects every targeted update.
type conflictRepo struct {
	inner *fakeRepo
}

func (c *conflictRepo) FindByID(ctx context.Context, id string) (*models.Asset, error) {
	return c.inner.FindByID(ctx, id)
}

func (c *conflictRepo) FindByContentHash(ctx context.Context, hash, excludeID string) (*models.Asset, error) {
	return c.inner.FindByContentHash(ctx, hash, excludeID)
}

func (c *conflictRepo) UpdateVariantsField(ctx context.Context, id string, version int64, variants []models.Variant) error {
	return utils.ErrVersionConflict
}

func (c *conflictRepo) UpdateMetadata(ctx context.Context, id string, metadata map[string]any) error {
	return nil
}

func TestConcurrentDisjointCommitsUnion(t *testing.T) {
	a := videoAsset("v1", "cd34")
	f := newFixture(a)

	loaded, err := f.repo.FindByID(context.Background(), "v1")
	require.NoError(t, err)

	setA := []models.Variant{ready("thumb", "k/thumb"), ready("w640", "k/w640")}
	setB := []models.Variant{ready("720p", "k/720p"), ready("hls_master", "k/hls_master")}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, set := range [][]models.Variant{setA, setB} {
		wg.Add(1)
		go func(i int, set []models.Variant) {
			defer wg.Done()
			cp := *loaded
			errs[i] = f.svc.commitVariants(context.Background(), &cp, set)
		}(i, set)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	stored, _ := f.repo.FindByID(context.Background(), "v1")
	types := make([]string, 0, len(stored.Variants))
	for _, v := range stored.Variants {
		types = append(types, v.Type)
	}
	// not last-write-wins-whole-list: the union of both disjoint sets
	assert.ElementsMatch(t, []string{"thumb", "w640", "720p", "hls_master"}, types)
}

func TestEnsureVariantAlreadyReady(t *testing.T) {
	a := videoAsset("v1", "cd34")
	a.Variants = []models.Variant{ready("poster", "k/poster")}
	f := newFixture(a)

	require.NoError(t, f.svc.EnsureVariant(context.Background(), "v1", "poster"))
	assert.Zero(t, f.poster.calls)
}

func TestEnsureVariantRegeneratesMissingPoster(t *testing.T) {
	a := videoAsset("v1", "cd34")
	a.Variants = []models.Variant{ready("720p", "k/720p")}
	f := newFixture(a)

	require.NoError(t, f.svc.EnsureVariant(context.Background(), "v1", "poster"))

	assert.Equal(t, 1, f.poster.calls)
	stored, _ := f.repo.FindByID(context.Background(), "v1")
	types := make([]string, 0, len(stored.Variants))
	for _, v := range stored.Variants {
		types = append(types, v.Type)
	}
	assert.ElementsMatch(t, []string{"720p", "poster"}, types)
}

func TestEnsureVariantImageEntry(t *testing.T) {
	a := imageAsset("a1", "ab12")
	f := newFixture(a)
	f.store.objects[a.Key] = []byte("jpeg-bytes")

	require.NoError(t, f.svc.EnsureVariant(context.Background(), "a1", "w1280"))

	stored, _ := f.repo.FindByID(context.Background(), "a1")
	require.Len(t, stored.Variants, 1)
	assert.Equal(t, "w1280", stored.Variants[0].Type)
}

func TestEnsureVariantHLSRebuildsWholeSet(t *testing.T) {
	a := videoAsset("v1", "cd34")
	f := newFixture(a)

	require.NoError(t, f.svc.EnsureVariant(context.Background(), "v1", "hls_720p"))
	assert.Equal(t, 1, f.streams.calls)
}

func TestGetVariants(t *testing.T) {
	a := videoAsset("v1", "cd34")
	a.Variants = []models.Variant{ready("poster", "k/poster")}
	f := newFixture(a)

	variants, err := f.svc.GetVariants(context.Background(), "v1")
	require.NoError(t, err)
	require.Len(t, variants, 1)
	assert.Equal(t, "poster", variants[0].Type)

	_, err = f.svc.GetVariants(context.Background(), "nope")
	assert.ErrorIs(t, err, utils.ErrAssetNotFound)
}
