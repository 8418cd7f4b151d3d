package stores

import (
	"context"
	"sync"
	"time"

	"github.com/openfroyo/stackforge/pkg/engine"
	"github.com/openfroyo/stackforge/pkg/telemetry"
	"github.com/rs/zerolog"
)

// Recorder writes compile history from the telemetry event stream. It
// keeps track of the compilation in progress so that events without a
// compile ID, such as policy warnings, are attributed to it.
type Recorder struct {
	store  Store
	target string
	logger zerolog.Logger

	mu      sync.Mutex
	current string
}

// NewRecorder creates a recorder for compiles against target.
func NewRecorder(store Store, target string, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		target: target,
		logger: logger.With().Str("component", "history").Logger(),
	}
}

// Attach subscribes the recorder to publisher.
func (r *Recorder) Attach(publisher *telemetry.EventPublisher) {
	publisher.Subscribe(r.Handle, nil)
}

// Handle records one event. Store failures are logged, never returned:
// history must not fail a compile.
func (r *Recorder) Handle(event telemetry.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	switch event.Type {
	case telemetry.EventTypeCompileStarted:
		url, _ := event.Data["url"].(string)
		command, _ := event.Data["command"].(string)
		r.current = event.CompileID
		err = r.store.CreateCompilation(ctx, &Compilation{
			ID:        event.CompileID,
			URL:       url,
			Target:    r.target,
			Command:   command,
			Status:    CompilationStatusRunning,
			StartedAt: event.Timestamp,
		})

	case telemetry.EventTypeCompileSucceeded:
		count, _ := event.Data["artifacts"].(int)
		err = r.store.FinishCompilation(ctx, event.CompileID, CompilationStatusSucceeded, count, nil, nil)

	case telemetry.EventTypeCompileFailed:
		reason, _ := event.Data["reason"].(string)
		var path *string
		if event.Path != "" {
			path = &event.Path
		}
		err = r.store.FinishCompilation(ctx, event.CompileID, CompilationStatusFailed, 0, &reason, path)
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("event", event.Type).Msg("Failed to record compilation")
	}

	compileID := event.CompileID
	if compileID == "" {
		compileID = r.current
	}
	if compileID == "" {
		return
	}

	if err := r.store.AppendEvent(ctx, &Event{
		ID:            event.ID,
		CompilationID: &compileID,
		Type:          event.Type,
		Level:         event.Level,
		Path:          event.Path,
		Message:       event.Message,
		CreatedAt:     event.Timestamp,
	}); err != nil {
		r.logger.Warn().Err(err).Str("event", event.Type).Msg("Failed to record event")
	}
}

// RecordArtifacts stores checksums of the artifacts a successful compile
// emitted.
func (r *Recorder) RecordArtifacts(ctx context.Context, result *engine.Result) error {
	return r.store.RecordArtifacts(ctx, result.ID, ArtifactRecords(result.Artifacts))
}
