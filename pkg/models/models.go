package models

import (
	"context"
	"fmt"
	"strings"

	"github.com/nyosegawa/miotts-cockpit/pkg/config"
	"github.com/nyosegawa/miotts-cockpit/pkg/errors"
	"github.com/nyosegawa/miotts-cockpit/pkg/logging"
	"github.com/nyosegawa/miotts-cockpit/pkg/statestore"
)

// Well-known service ids whose command vectors carry the model selection.
// A deployment without one of them simply skips that substitution.
const (
	vllmServiceID   = "vllm"
	miottsServiceID = "miotts"
)

// Supervisor is the slice of the service manager the switcher drives.
type Supervisor interface {
	ActiveIDs() []string
	StopAll(ctx context.Context)
	StartUnits(ctx context.Context, ids []string) error
	SubstituteCommandArg(id, flag, value string) error
	CommandArg(id, flag string) (string, bool)
	SetDisplayName(id, name string)
}

// Switcher changes which LLM the managed stack serves: it rewrites the
// relevant command-line flags, persists the selection, and cycles the
// services that were running.
type Switcher struct {
	catalog []config.ModelConfig
	sup     Supervisor
	store   *statestore.Store
	logger  logging.Logger
}

func NewSwitcher(catalog []config.ModelConfig, sup Supervisor, store *statestore.Store, logger logging.Logger) *Switcher {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	return &Switcher{
		catalog: catalog,
		sup:     sup,
		store:   store,
		logger:  logging.WithPrefix("models: ", logger),
	}
}

// Catalog returns the configured model entries.
func (s *Switcher) Catalog() []config.ModelConfig {
	return append([]config.ModelConfig(nil), s.catalog...)
}

// Current reads the model id straight from the vLLM command vector; the
// command is the source of truth, not the persisted state.
func (s *Switcher) Current() string {
	current, _ := s.sup.CommandArg(vllmServiceID, "--model")
	return current
}

// Apply switches to the given catalog model. Services that were running
// or starting are stopped, the command vectors rewritten, the selection
// persisted, and then only that previously-active set is started again.
func (s *Switcher) Apply(ctx context.Context, modelID string) error {
	model, ok := s.lookup(modelID)
	if !ok {
		return errors.NewValidationError(fmt.Sprintf("unknown model: %s", modelID), nil).
			WithContext("model_id", modelID)
	}

	active := s.sup.ActiveIDs()
	if len(active) > 0 {
		s.sup.StopAll(ctx)
	}

	if err := s.substitute(model); err != nil {
		return err
	}
	if err := s.store.Save(statestore.State{CurrentModel: modelID}); err != nil {
		return err
	}
	s.logger.Infof("Model changed to %s", modelID)

	if len(active) > 0 {
		return s.sup.StartUnits(ctx, active)
	}
	return nil
}

// RestoreAtStartup re-applies a persisted model selection to the command
// vectors before any service is started. A selection that is no longer in
// the catalog is ignored with a warning.
func (s *Switcher) RestoreAtStartup() error {
	state, err := s.store.Load()
	if err != nil {
		return err
	}
	if state.CurrentModel == "" {
		return nil
	}

	model, ok := s.lookup(state.CurrentModel)
	if !ok {
		s.logger.Warnf("Persisted model %s is not in the catalog, ignoring", state.CurrentModel)
		return nil
	}
	if err := s.substitute(model); err != nil {
		return err
	}
	s.logger.Infof("Restored model selection: %s", state.CurrentModel)
	return nil
}

func (s *Switcher) lookup(id string) (config.ModelConfig, bool) {
	for _, m := range s.catalog {
		if m.ID == id {
			return m, true
		}
	}
	return config.ModelConfig{}, false
}

// substitute rewrites the model flags on the vLLM and MioTTS commands.
// Either service may be absent from a deployment; that is tolerated.
func (s *Switcher) substitute(model config.ModelConfig) error {
	if err := s.substituteTolerant(vllmServiceID, "--model", model.ID); err != nil {
		return err
	}
	if err := s.substituteTolerant(vllmServiceID, "--gpu-memory-utilization", model.GPUMemoryUtilization); err != nil {
		return err
	}
	s.sup.SetDisplayName(vllmServiceID, fmt.Sprintf("vLLM (%s)", shortModelName(model.ID)))

	return s.substituteTolerant(miottsServiceID, "--llm-model", model.ID)
}

func (s *Switcher) substituteTolerant(serviceID, flag, value string) error {
	err := s.sup.SubstituteCommandArg(serviceID, flag, value)
	if err != nil && !errors.IsNotFoundError(err) {
		return err
	}
	return nil
}

// shortModelName strips the org prefix from a HuggingFace-style id.
func shortModelName(id string) string {
	if i := strings.LastIndex(id, "/"); i >= 0 {
		return id[i+1:]
	}
	return id
}
