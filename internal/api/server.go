// Package api exposes an engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrikhermansson/pinmatch/annindex"
	"github.com/patrikhermansson/pinmatch/collection"
	"github.com/patrikhermansson/pinmatch/config"
	"github.com/patrikhermansson/pinmatch/engine"
	"github.com/patrikhermansson/pinmatch/extract"
	"github.com/rs/zerolog/log"
)

// MaxUploadSize bounds the accepted query image.
const MaxUploadSize = 32 << 20

// Engine is what the server needs from *engine.Engine.
type Engine interface {
	Search(ctx context.Context, image []byte, topK int) (engine.QueryResult, error)
	SearchBest(ctx context.Context, image []byte) (engine.Best, bool, error)
	RebuildCollection(ctx context.Context) (collection.Report, error)
	RebuildIndex(ctx context.Context) (int, error)
	Config() config.Tunables
	SetConfig(p config.Patch) (config.Tunables, []string, error)
	Info() engine.Info
}

var _ Engine = (*engine.Engine)(nil)

// Server routes requests to an Engine.
type Server struct {
	engine Engine
	mux    *http.ServeMux
}

// New returns a server for e.
func New(e Engine) *Server {
	s := &Server{engine: e, mux: http.NewServeMux()}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("GET /database/info", s.handleInfo)
	s.mux.HandleFunc("POST /database/rebuild", s.handleRebuildCollection)
	s.mux.HandleFunc("POST /index/rebuild", s.handleRebuildIndex)
	s.mux.HandleFunc("GET /performance/config", s.handleGetConfig)
	s.mux.HandleFunc("POST /performance/config", s.handleSetConfig)
	s.mux.HandleFunc("POST /search", s.handleSearch)
	s.mux.HandleFunc("POST /searchtest", s.handleSearchBest)
}

type ctxKey struct{}

// RequestID returns the id assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// ServeHTTP tags each request with an id, echoed in X-Request-ID, and logs
// its outcome.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", id)
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()

	s.mux.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))

	log.Info().Str("request_id", id).Msgf("%s %s %d %s", r.Method, r.URL.Path, rec.status,
		time.Since(start).Round(time.Microsecond))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Cannot encode response")
	}
}

type errorBody struct {
	Detail    string `json:"detail"`
	RequestID string `json:"request_id,omitempty"`
	Errors    any    `json:"errors,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	body := errorBody{Detail: err.Error(), RequestID: RequestID(r.Context())}
	var verr *config.ValidationError
	if errors.As(err, &verr) {
		body.Errors = verr.Fields
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", body.RequestID).Msg("Request failed")
	}
	writeJSON(w, status, body)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	tun := s.engine.Config()
	writeJSON(w, http.StatusOK, map[string]any{
		"message":       "pinmatch image matching API",
		"database_size": s.engine.Info().TotalImages,
		"performance_config": map[string]any{
			"early_stop_threshold": tun.EarlyStopThreshold,
			"strategy":             tun.Strategy,
			"max_workers":          tun.MaxWorkers,
		},
		"endpoints": map[string]string{
			"POST /search":             "rank similar images (multipart field file, optional top_k)",
			"POST /searchtest":         "return the best matching image file",
			"GET /database/info":       "collection summary",
			"POST /database/rebuild":   "re-extract the collection and rebuild the index",
			"POST /index/rebuild":      "rebuild the ANN index only",
			"GET /performance/config":  "current tunables",
			"POST /performance/config": "update tunables",
		},
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Info())
}

func rebuildStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrRebuilding):
		return http.StatusConflict
	case errors.Is(err, annindex.ErrNoDescriptors):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) handleRebuildCollection(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.RebuildCollection(r.Context())
	if err != nil {
		writeError(w, r, rebuildStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":      "collection rebuilt",
		"total_images": report.Indexed,
		"report":       report,
	})
}

func (s *Server) handleRebuildIndex(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.RebuildIndex(r.Context())
	if err != nil {
		writeError(w, r, rebuildStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":             "index rebuilt",
		"descriptors_indexed": n,
	})
}

type configBody struct {
	config.Tunables
	DatabaseSize int `json:"database_size"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, configBody{Tunables: s.engine.Config(), DatabaseSize: s.engine.Info().TotalImages})
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	patch, err := readPatch(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	current, updated, err := s.engine.SetConfig(patch)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if updated == nil {
		updated = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":        "configuration updated",
		"updated":        updated,
		"current_config": current,
	})
}

// readPatch accepts a JSON body or query parameters; query parameters win.
func readPatch(r *http.Request) (config.Patch, error) {
	var p config.Patch
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return p, fmt.Errorf("invalid JSON body: %w", err)
		}
	}

	q := r.URL.Query()
	floats := map[string]**float64{
		"early_stop_threshold": &p.EarlyStopThreshold,
		"min_threshold":        &p.MinThreshold,
	}
	for name, dst := range floats {
		if v := q.Get(name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return p, fmt.Errorf("%s: %w", name, err)
			}
			*dst = &f
		}
	}
	ints := map[string]**int{
		"max_workers":        &p.MaxWorkers,
		"batch_size":         &p.BatchSize,
		"ann_trees":          &p.ANNTrees,
		"ann_search_breadth": &p.ANNSearchBreadth,
		"ann_breadth_cap":    &p.ANNBreadthCap,
		"rerank_limit":       &p.RerankLimit,
		"top_k":              &p.TopK,
	}
	for name, dst := range ints {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return p, fmt.Errorf("%s: %w", name, err)
			}
			*dst = &n
		}
	}
	if v := q.Get("strategy"); v != "" {
		p.Strategy = &v
	}
	if v := q.Get("use_parallel_search"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return p, fmt.Errorf("use_parallel_search: %w", err)
		}
		p.UseParallelSearch = &b
	}
	return p, nil
}

type upload struct {
	filename string
	data     []byte
}

var errNotImage = errors.New("file must be an image")

// readUpload reads the multipart field "file" and checks it claims to be an image.
func readUpload(w http.ResponseWriter, r *http.Request) (upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
		return upload{}, fmt.Errorf("invalid multipart form: %w", err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return upload{}, fmt.Errorf("missing file field: %w", err)
	}
	defer file.Close()
	if !strings.HasPrefix(header.Header.Get("Content-Type"), "image/") {
		return upload{}, errNotImage
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return upload{}, fmt.Errorf("read upload: %w", err)
	}
	return upload{filename: header.Filename, data: data}, nil
}

func searchStatus(err error) int {
	if errors.Is(err, extract.ErrDecode) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	up, err := readUpload(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	topK := 0
	if v := r.FormValue("top_k"); v != "" {
		if topK, err = strconv.Atoi(v); err != nil || !config.TopKRange.Contains(topK) {
			writeError(w, r, http.StatusBadRequest, fmt.Errorf("top_k must be an integer in %s", config.TopKRange))
			return
		}
	}

	res, err := s.engine.Search(r.Context(), up.data, topK)
	if err != nil {
		writeError(w, r, searchStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": RequestID(r.Context()),
		"query_info": map[string]any{
			"filename": up.filename,
			"width":    res.Width,
			"height":   res.Height,
			"features": res.Features,
		},
		"results":     res.Matches,
		"total_found": len(res.Matches),
		"took_ms":     res.Took.Milliseconds(),
	})
}

func (s *Server) handleSearchBest(w http.ResponseWriter, r *http.Request) {
	up, err := readUpload(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	best, ok, err := s.engine.SearchBest(r.Context(), up.data)
	if err != nil {
		writeError(w, r, searchStatus(err), err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusNotFound, errors.New("no similar image found"))
		return
	}
	if _, err := os.Stat(best.FilePath); err != nil {
		writeError(w, r, http.StatusNotFound, fmt.Errorf("matched image %s is not on disk", best.Match.ImageKey))
		return
	}

	w.Header().Set("X-Similarity-Score", strconv.FormatFloat(best.Match.Score, 'f', 4, 64))
	w.Header().Set("X-Image-Path", best.Match.ImageKey)
	w.Header().Set("X-Features-Count", strconv.Itoa(best.Match.Metadata.FeaturesCount))
	http.ServeFile(w, r, best.FilePath)
}
