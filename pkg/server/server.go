package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	json "github.com/goccy/go-json"

	"github.com/nyosegawa/miotts-cockpit/pkg/config"
	"github.com/nyosegawa/miotts-cockpit/pkg/errors"
	"github.com/nyosegawa/miotts-cockpit/pkg/gpu"
	"github.com/nyosegawa/miotts-cockpit/pkg/logging"
	"github.com/nyosegawa/miotts-cockpit/pkg/presets"
	"github.com/nyosegawa/miotts-cockpit/pkg/supervisor"
)

// ttsProxyTimeout bounds one proxied generation request; synthesis of a
// long passage on a busy GPU can take a while.
const ttsProxyTimeout = 120 * time.Second

// Supervisor is the slice of the service manager the HTTP layer drives.
type Supervisor interface {
	StartAll(ctx context.Context) error
	StopAll(ctx context.Context)
	StartService(ctx context.Context, id string) error
	StopService(ctx context.Context, id string) error
	Status(ctx context.Context) []supervisor.UnitStatus
	Logs(id string, lines int, filterNoise bool) (string, error)
}

// ModelSwitcher exposes the model catalog and switching.
type ModelSwitcher interface {
	Catalog() []config.ModelConfig
	Current() string
	Apply(ctx context.Context, modelID string) error
}

// PresetStore manages reference-audio presets.
type PresetStore interface {
	List() ([]presets.Preset, error)
	SaveAndConvert(ctx context.Context, filename string, audio io.Reader) (presets.Preset, error)
	Delete(presetID string) error
}

// GPUProber supplies the GPU telemetry snapshot.
type GPUProber interface {
	Probe(ctx context.Context) gpu.Info
}

// Options wires the server's collaborators and static configuration.
type Options struct {
	Supervisor Supervisor
	Models     ModelSwitcher
	Presets    PresetStore
	GPU        GPUProber

	// MiottsAPIURL is the base URL of the TTS backend the /api/tts
	// endpoint proxies to.
	MiottsAPIURL string

	// FrontendDir holds the built SPA; empty or missing disables static
	// serving.
	FrontendDir string

	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler

	Logger logging.Logger
}

// Server is the cockpit's HTTP surface: the REST API, the TTS proxy, the
// prometheus endpoint and the SPA.
type Server struct {
	sup       Supervisor
	models    ModelSwitcher
	presets   PresetStore
	gpu       GPUProber
	ttsURL    string
	ttsClient *http.Client
	logger    logging.Logger
}

// New builds the server and its chi router.
func New(opts Options) (*Server, http.Handler) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger{}
	}
	s := &Server{
		sup:       opts.Supervisor,
		models:    opts.Models,
		presets:   opts.Presets,
		gpu:       opts.GPU,
		ttsURL:    opts.MiottsAPIURL,
		ttsClient: &http.Client{Timeout: ttsProxyTimeout},
		logger:    logging.WithPrefix("http: ", logger),
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/start", s.handleStartAll)
		r.Post("/stop", s.handleStopAll)
		r.Post("/services/{id}/start", s.handleStartService)
		r.Post("/services/{id}/stop", s.handleStopService)
		r.Get("/logs/{id}", s.handleLogs)
		r.Get("/gpu", s.handleGPU)
		r.Get("/config", s.handleConfig)
		r.Post("/config/model", s.handleChangeModel)
		r.Post("/tts", s.handleTTSProxy)
		r.Get("/presets", s.handleListPresets)
		r.Post("/presets/upload", s.handleUploadPreset)
		r.Delete("/presets/{id}", s.handleDeletePreset)
	})

	if opts.MetricsHandler != nil {
		r.Handle("/metrics", opts.MetricsHandler)
	}

	mountFrontend(r, opts.FrontendDir, logger)

	return s, r
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError maps the domain error taxonomy onto HTTP status codes and
// serves the FastAPI-compatible {"detail": ...} body the panel expects.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsValidationError(err):
		status = http.StatusBadRequest
	case errors.IsNotFoundError(err):
		status = http.StatusNotFound
	case errors.IsConflictError(err):
		status = http.StatusConflict
	}
	respondJSON(w, status, map[string]string{"detail": err.Error()})
}

func respondDetail(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, map[string]string{"detail": detail})
}
