package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"

	"github.com/patrikhermansson/pinmatch/collection"
	"github.com/patrikhermansson/pinmatch/config"
	"github.com/patrikhermansson/pinmatch/engine"
	"github.com/patrikhermansson/pinmatch/extract"
	"github.com/patrikhermansson/pinmatch/internal/api"
	"github.com/patrikhermansson/pinmatch/search"
	"github.com/patrikhermansson/pinmatch/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	tunables   config.Tunables
	matches    []search.Match
	bestPath   string
	rebuildErr error
	gotTopK    int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{tunables: config.Defaults()}
}

func (f *fakeEngine) Search(_ context.Context, image []byte, topK int) (engine.QueryResult, error) {
	if string(image) == "garbage" {
		return engine.QueryResult{}, fmt.Errorf("%w: bad bytes", extract.ErrDecode)
	}
	f.gotTopK = topK
	matches := f.matches
	if matches == nil {
		matches = []search.Match{}
	}
	return engine.QueryResult{Features: 12, Width: 4, Height: 3, Matches: matches}, nil
}

func (f *fakeEngine) SearchBest(ctx context.Context, image []byte) (engine.Best, bool, error) {
	res, err := f.Search(ctx, image, 1)
	if err != nil || len(res.Matches) == 0 {
		return engine.Best{}, false, err
	}
	return engine.Best{Match: res.Matches[0], FilePath: f.bestPath, Features: res.Features}, true, nil
}

func (f *fakeEngine) RebuildCollection(context.Context) (collection.Report, error) {
	if f.rebuildErr != nil {
		return collection.Report{}, f.rebuildErr
	}
	return collection.Report{Scanned: 3, Indexed: 3}, nil
}

func (f *fakeEngine) RebuildIndex(context.Context) (int, error) {
	if f.rebuildErr != nil {
		return 0, f.rebuildErr
	}
	return 90, nil
}

func (f *fakeEngine) Config() config.Tunables { return f.tunables }

func (f *fakeEngine) SetConfig(p config.Patch) (config.Tunables, []string, error) {
	next, updated, err := f.tunables.Apply(p)
	if err == nil {
		f.tunables = next
	}
	return next, updated, err
}

func (f *fakeEngine) Info() engine.Info {
	return engine.Info{TotalImages: 3, TotalDescriptors: 90, Images: []string{"a.png", "b.png", "c.png"}}
}

func multipartBody(t *testing.T, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="query.png"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRootAndInfo(t *testing.T) {
	srv := api.New(newFakeEngine())

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	body := decode(t, rec)
	assert.EqualValues(t, 3, body["database_size"])

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/database/info", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.EqualValues(t, 90, body["total_features"])

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/database/info", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := do(t, api.New(newFakeEngine()), req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestRebuildEndpoints(t *testing.T) {
	eng := newFakeEngine()
	srv := api.New(eng)

	rec := do(t, srv, httptest.NewRequest(http.MethodPost, "/database/rebuild", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, decode(t, rec)["total_images"])

	rec = do(t, srv, httptest.NewRequest(http.MethodPost, "/index/rebuild", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 90, decode(t, rec)["descriptors_indexed"])

	eng.rebuildErr = engine.ErrRebuilding
	rec = do(t, srv, httptest.NewRequest(http.MethodPost, "/index/rebuild", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	eng.rebuildErr = collection.ErrNoImages
	rec = do(t, srv, httptest.NewRequest(http.MethodPost, "/database/rebuild", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode(t, rec)["detail"], "no images processed")

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/database/rebuild", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestConfigEndpoints(t *testing.T) {
	eng := newFakeEngine()
	srv := api.New(eng)

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/performance/config", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 0.4, body["early_stop_threshold"])
	assert.EqualValues(t, 3, body["database_size"])

	rec = do(t, srv, httptest.NewRequest(http.MethodPost, "/performance/config?min_threshold=0.5&use_parallel_search=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.5, eng.tunables.MinThreshold)
	assert.Equal(t, search.Parallel, eng.tunables.Strategy)

	req := httptest.NewRequest(http.MethodPost, "/performance/config", bytes.NewBufferString(`{"top_k": 9}`))
	req.Header.Set("Content-Type", "application/json")
	rec = do(t, srv, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 9, eng.tunables.TopK)
	assert.Equal(t, []any{"top_k"}, decode(t, rec)["updated"])
}

func TestConfigRejectsInvalidValues(t *testing.T) {
	eng := newFakeEngine()
	srv := api.New(eng)
	before := eng.tunables

	rec := do(t, srv, httptest.NewRequest(http.MethodPost, "/performance/config?min_threshold=1.5&max_workers=4", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	errs, ok := body["errors"].([]any)
	require.True(t, ok)
	require.Len(t, errs, 1)
	assert.Equal(t, "min_threshold", errs[0].(map[string]any)["field"])
	assert.Equal(t, "[0, 1]", errs[0].(map[string]any)["valid_range"])
	assert.Equal(t, before, eng.tunables)

	rec = do(t, srv, httptest.NewRequest(http.MethodPost, "/performance/config?max_workers=many", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/performance/config", bytes.NewBufferString(`{"unknown": 1}`))
	req.Header.Set("Content-Type", "application/json")
	rec = do(t, srv, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchEndpoint(t *testing.T) {
	eng := newFakeEngine()
	eng.matches = []search.Match{{ImageKey: "b.png", Score: 0.8, Method: search.Hybrid}}
	srv := api.New(eng)

	body, ct := multipartBody(t, "image/png", []byte("pixels"))
	req := httptest.NewRequest(http.MethodPost, "/search?top_k=3", body)
	req.Header.Set("Content-Type", ct)
	rec := do(t, srv, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 3, eng.gotTopK)

	out := decode(t, rec)
	assert.EqualValues(t, 1, out["total_found"])
	assert.Equal(t, "query.png", out["query_info"].(map[string]any)["filename"])
	results := out["results"].([]any)
	assert.Equal(t, "b.png", results[0].(map[string]any)["image_path"])
	assert.Equal(t, "hybrid", results[0].(map[string]any)["search_method"])
}

func TestSearchEndpointInputErrors(t *testing.T) {
	srv := api.New(newFakeEngine())

	body, ct := multipartBody(t, "text/plain", []byte("hello"))
	req := httptest.NewRequest(http.MethodPost, "/search", body)
	req.Header.Set("Content-Type", ct)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, req).Code)

	body, ct = multipartBody(t, "image/png", []byte("garbage"))
	req = httptest.NewRequest(http.MethodPost, "/search", body)
	req.Header.Set("Content-Type", ct)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, req).Code)

	body, ct = multipartBody(t, "image/png", []byte("pixels"))
	req = httptest.NewRequest(http.MethodPost, "/search?top_k=0", body)
	req.Header.Set("Content-Type", ct)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, req).Code)

	req = httptest.NewRequest(http.MethodPost, "/search", bytes.NewBufferString("not multipart"))
	assert.Equal(t, http.StatusBadRequest, do(t, srv, req).Code)
}

func TestSearchEndpointNoMatches(t *testing.T) {
	body, ct := multipartBody(t, "image/jpeg", []byte("pixels"))
	req := httptest.NewRequest(http.MethodPost, "/search", body)
	req.Header.Set("Content-Type", ct)
	rec := do(t, api.New(newFakeEngine()), req)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.EqualValues(t, 0, out["total_found"])
	assert.Equal(t, []any{}, out["results"])
}

func TestSearchBestEndpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b.png")
	require.NoError(t, os.WriteFile(path, []byte("\x89PNG\r\n\x1a\nrest"), 0o644))

	eng := newFakeEngine()
	eng.matches = []search.Match{{ImageKey: "b.png", Score: 0.87654, Metadata: store.Metadata{FeaturesCount: 42}}}
	eng.bestPath = path
	srv := api.New(eng)

	body, ct := multipartBody(t, "image/png", []byte("pixels"))
	req := httptest.NewRequest(http.MethodPost, "/searchtest", body)
	req.Header.Set("Content-Type", ct)
	rec := do(t, srv, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0.8765", rec.Header().Get("X-Similarity-Score"))
	assert.Equal(t, "b.png", rec.Header().Get("X-Image-Path"))
	assert.Equal(t, "42", rec.Header().Get("X-Features-Count"))
	assert.Equal(t, "\x89PNG\r\n\x1a\nrest", rec.Body.String())

	eng.bestPath = filepath.Join(dir, "gone.png")
	body, ct = multipartBody(t, "image/png", []byte("pixels"))
	req = httptest.NewRequest(http.MethodPost, "/searchtest", body)
	req.Header.Set("Content-Type", ct)
	assert.Equal(t, http.StatusNotFound, do(t, srv, req).Code)

	eng.matches = nil
	body, ct = multipartBody(t, "image/png", []byte("pixels"))
	req = httptest.NewRequest(http.MethodPost, "/searchtest", body)
	req.Header.Set("Content-Type", ct)
	rec = do(t, srv, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
