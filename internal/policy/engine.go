package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentrapay/fraud-engine/internal/idgen"
	"github.com/sentrapay/fraud-engine/internal/logging"
	"github.com/sentrapay/fraud-engine/internal/metrics"
)

// Engine owns the active policy version and serializes all changes to it.
//
// Readers call Active and get an immutable snapshot; the pointer swap is
// atomic so a decision that started under version N finishes under version N
// even if a reload lands mid-flight. Reloads and rollbacks are mutually
// exclusive: a second concurrent attempt fails fast with ErrReloadInFlight
// instead of queueing.
type Engine struct {
	active  atomic.Pointer[Version]
	history Store

	mu sync.Mutex // held across validate-mint-persist-swap

	// filePath is the policy file re-read on file-triggered reloads. Empty
	// means the engine was bootstrapped from defaults or the API only.
	filePath string
}

// NewEngine creates an engine persisting version history to store.
func NewEngine(history Store, filePath string) *Engine {
	return &Engine{history: history, filePath: filePath}
}

// Bootstrap installs the initial version: the configured policy file when one
// is set, the built-in defaults otherwise. Called once during startup, before
// the engine serves decisions.
func (e *Engine) Bootstrap(ctx context.Context) (*Version, error) {
	doc := DefaultDocument()
	source := "default"
	if e.filePath != "" {
		loaded, err := ReadFile(e.filePath)
		if err != nil {
			return nil, fmt.Errorf("policy: bootstrap: %w", err)
		}
		doc = loaded
		source = "file:" + e.filePath
	}
	return e.activate(ctx, doc, source)
}

// Active returns the current version, or nil before Bootstrap.
func (e *Engine) Active() *Version {
	return e.active.Load()
}

// ReloadFile re-reads the configured policy file and activates its content.
func (e *Engine) ReloadFile(ctx context.Context) (*Version, error) {
	if e.filePath == "" {
		return nil, fmt.Errorf("policy: no policy file configured")
	}
	doc, err := ReadFile(e.filePath)
	if err != nil {
		return nil, err
	}
	return e.Reload(ctx, doc, "file:"+e.filePath)
}

// Reload validates doc and, if valid, activates it as a new version. On
// validation failure the active version is untouched and a rejected version
// is recorded for the audit trail.
func (e *Engine) Reload(ctx context.Context, doc Document, source string) (*Version, error) {
	if !e.mu.TryLock() {
		return nil, ErrReloadInFlight
	}
	defer e.mu.Unlock()
	return e.activateLocked(ctx, doc, source)
}

// Rollback reactivates the content of a previous version under a fresh
// version id. The restored content is re-validated against current rules
// before it can become active.
func (e *Engine) Rollback(ctx context.Context, versionID string) (*Version, error) {
	if !e.mu.TryLock() {
		return nil, ErrReloadInFlight
	}
	defer e.mu.Unlock()

	prev, err := e.history.Get(ctx, versionID)
	if err != nil {
		return nil, err
	}
	v, err := e.activateLocked(ctx, prev.Document, "rollback:"+versionID)
	if err != nil {
		return nil, err
	}
	metrics.PolicyReloadsTotal.WithLabelValues("rollback").Inc()
	return v, nil
}

// History lists recorded versions, newest first.
func (e *Engine) History(ctx context.Context, limit int) ([]*Version, error) {
	return e.history.List(ctx, limit)
}

// Get fetches one recorded version by id.
func (e *Engine) Get(ctx context.Context, id string) (*Version, error) {
	return e.history.Get(ctx, id)
}

func (e *Engine) activate(ctx context.Context, doc Document, source string) (*Version, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activateLocked(ctx, doc, source)
}

func (e *Engine) activateLocked(ctx context.Context, doc Document, source string) (*Version, error) {
	log := logging.L(ctx)

	if err := doc.Validate(); err != nil {
		rejected := e.mint(doc, source)
		rejected.Status = StatusRejected
		if saveErr := e.history.Save(ctx, rejected); saveErr != nil {
			log.Warn("failed to record rejected policy version", "error", saveErr)
		}
		metrics.PolicyReloadsTotal.WithLabelValues("rejected").Inc()
		log.Warn("policy rejected", "source", source, "error", err)
		return nil, err
	}

	v := e.mint(doc, source)
	v.Status = StatusActive
	if err := e.history.Save(ctx, v); err != nil {
		metrics.PolicyReloadsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("policy: persist version: %w", err)
	}

	old := e.active.Swap(v)
	if old != nil {
		if err := e.history.MarkSuperseded(ctx, old.ID); err != nil {
			log.Warn("failed to mark policy version superseded", "version", old.ID, "error", err)
		}
	}

	metrics.PolicyReloadsTotal.WithLabelValues("activated").Inc()
	metrics.SetActivePolicyVersion(v.ID)
	log.Info("policy activated",
		"version", v.ID,
		"hash", v.Hash[:12],
		"source", source,
	)
	return v, nil
}

func (e *Engine) mint(doc Document, source string) *Version {
	v := &Version{
		ID:        idgen.WithPrefix("pv_"),
		Hash:      doc.Hash(),
		Document:  doc,
		CreatedAt: time.Now().UTC(),
		Source:    source,
	}
	v.index()
	return v
}

// ReadFile parses a policy document from a JSON file.
func ReadFile(path string) (Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("policy: read %s: %w", path, err)
	}
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return Document{}, fmt.Errorf("policy: parse %s: %w", path, err)
	}
	return doc, nil
}
