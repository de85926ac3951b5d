package pluginctx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"kiln/internal/permission"
)

// Platform bundles the host-provided platform service implementations. Any
// nil field combined with a granted permission surfaces an "unavailable"
// error on use; a missing grant surfaces a permission error on use. Either
// way the API property is always present on the context.
type Platform struct {
	LLM          LLM
	VectorStore  VectorStore
	Cache        Cache
	Storage      BlobStorage
	Analytics    Analytics
	Workflows    WorkflowRunner
	Environments EnvironmentResolver
	Snapshots    SnapshotService
}

// LLM is the text-generation service surface.
type LLM interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorStore is the similarity-search service surface.
type VectorStore interface {
	Upsert(ctx context.Context, key string, vector []float32, meta map[string]any) error
	Query(ctx context.Context, vector []float32, k int) ([]VectorMatch, error)
}

// VectorMatch is one query hit.
type VectorMatch struct {
	Key   string         `json:"key"`
	Score float32        `json:"score"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// Cache is the ephemeral key/value service surface.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// BlobStorage is the durable blob service surface.
type BlobStorage interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Analytics is the event-tracking service surface.
type Analytics interface {
	Track(ctx context.Context, event string, props map[string]any) error
}

// WorkflowRunner is the workflow service surface behind the context's
// workflows API.
type WorkflowRunner interface {
	Run(ctx context.Context, name string, input json.RawMessage) (runID string, err error)
	Wait(ctx context.Context, runID string, timeout time.Duration) (json.RawMessage, error)
	Status(ctx context.Context, runID string) (string, error)
	Cancel(ctx context.Context, runID string) error
	List(ctx context.Context) ([]string, error)
}

// EnvironmentResolver resolves a named environment to its variable set.
type EnvironmentResolver interface {
	Resolve(ctx context.Context, environmentID string) (map[string]string, error)
	List(ctx context.Context) ([]string, error)
}

// SnapshotService captures and restores workspace snapshots.
type SnapshotService interface {
	Take(ctx context.Context, dir, label string) (snapshotID string, err error)
	Restore(ctx context.Context, snapshotID, dir string) error
	List(ctx context.Context) ([]string, error)
}

func unavailable(service string) error {
	return fmt.Errorf("platform service %q is not available in this runtime", service)
}

// gate checks a service grant and returns the typed permission error handed
// to handler code on denial.
func gate(spec *permission.Spec, service, target string) error {
	if d := spec.CheckService(service, target); !d.Allowed {
		return permission.Denied("service."+service, target, d.Reason)
	}
	return nil
}

// llmGate wraps an LLM with per-call permission checks.
type llmGate struct {
	spec *permission.Spec
	impl LLM
}

func (g llmGate) Complete(ctx context.Context, prompt string) (string, error) {
	if err := gate(g.spec, permission.ServiceLLM, ""); err != nil {
		return "", err
	}
	if g.impl == nil {
		return "", unavailable(permission.ServiceLLM)
	}
	return g.impl.Complete(ctx, prompt)
}

func (g llmGate) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := gate(g.spec, permission.ServiceLLM, ""); err != nil {
		return nil, err
	}
	if g.impl == nil {
		return nil, unavailable(permission.ServiceLLM)
	}
	return g.impl.Embed(ctx, text)
}

type vectorGate struct {
	spec *permission.Spec
	impl VectorStore
}

func (g vectorGate) Upsert(ctx context.Context, key string, vector []float32, meta map[string]any) error {
	if err := gate(g.spec, permission.ServiceVectorStore, key); err != nil {
		return err
	}
	if g.impl == nil {
		return unavailable(permission.ServiceVectorStore)
	}
	return g.impl.Upsert(ctx, key, vector, meta)
}

func (g vectorGate) Query(ctx context.Context, vector []float32, k int) ([]VectorMatch, error) {
	if err := gate(g.spec, permission.ServiceVectorStore, ""); err != nil {
		return nil, err
	}
	if g.impl == nil {
		return nil, unavailable(permission.ServiceVectorStore)
	}
	return g.impl.Query(ctx, vector, k)
}

type cacheGate struct {
	spec *permission.Spec
	impl Cache
}

func (g cacheGate) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := gate(g.spec, permission.ServiceCache, key); err != nil {
		return nil, false, err
	}
	if g.impl == nil {
		return nil, false, unavailable(permission.ServiceCache)
	}
	return g.impl.Get(ctx, key)
}

func (g cacheGate) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := gate(g.spec, permission.ServiceCache, key); err != nil {
		return err
	}
	if g.impl == nil {
		return unavailable(permission.ServiceCache)
	}
	return g.impl.Set(ctx, key, value, ttl)
}

func (g cacheGate) Delete(ctx context.Context, key string) error {
	if err := gate(g.spec, permission.ServiceCache, key); err != nil {
		return err
	}
	if g.impl == nil {
		return unavailable(permission.ServiceCache)
	}
	return g.impl.Delete(ctx, key)
}

type storageGate struct {
	spec *permission.Spec
	impl BlobStorage
}

func (g storageGate) Put(ctx context.Context, key string, data []byte) error {
	if err := gate(g.spec, permission.ServiceStorage, key); err != nil {
		return err
	}
	if g.impl == nil {
		return unavailable(permission.ServiceStorage)
	}
	return g.impl.Put(ctx, key, data)
}

func (g storageGate) Get(ctx context.Context, key string) ([]byte, error) {
	if err := gate(g.spec, permission.ServiceStorage, key); err != nil {
		return nil, err
	}
	if g.impl == nil {
		return nil, unavailable(permission.ServiceStorage)
	}
	return g.impl.Get(ctx, key)
}

func (g storageGate) Delete(ctx context.Context, key string) error {
	if err := gate(g.spec, permission.ServiceStorage, key); err != nil {
		return err
	}
	if g.impl == nil {
		return unavailable(permission.ServiceStorage)
	}
	return g.impl.Delete(ctx, key)
}

type analyticsGate struct {
	spec *permission.Spec
	impl Analytics
}

func (g analyticsGate) Track(ctx context.Context, event string, props map[string]any) error {
	if err := gate(g.spec, permission.ServiceAnalytics, event); err != nil {
		return err
	}
	if g.impl == nil {
		return unavailable(permission.ServiceAnalytics)
	}
	return g.impl.Track(ctx, event, props)
}

type environmentGate struct {
	spec *permission.Spec
	impl EnvironmentResolver
}

func (g environmentGate) Resolve(ctx context.Context, environmentID string) (map[string]string, error) {
	if err := gate(g.spec, permission.ServiceEnvironment, environmentID); err != nil {
		return nil, err
	}
	if g.impl == nil {
		return nil, unavailable(permission.ServiceEnvironment)
	}
	return g.impl.Resolve(ctx, environmentID)
}

func (g environmentGate) List(ctx context.Context) ([]string, error) {
	if err := gate(g.spec, permission.ServiceEnvironment, ""); err != nil {
		return nil, err
	}
	if g.impl == nil {
		return nil, unavailable(permission.ServiceEnvironment)
	}
	return g.impl.List(ctx)
}

type snapshotGate struct {
	spec *permission.Spec
	impl SnapshotService
}

func (g snapshotGate) Take(ctx context.Context, dir, label string) (string, error) {
	if err := gate(g.spec, permission.ServiceSnapshot, label); err != nil {
		return "", err
	}
	if g.impl == nil {
		return "", unavailable(permission.ServiceSnapshot)
	}
	return g.impl.Take(ctx, dir, label)
}

func (g snapshotGate) Restore(ctx context.Context, snapshotID, dir string) error {
	if err := gate(g.spec, permission.ServiceSnapshot, snapshotID); err != nil {
		return err
	}
	if g.impl == nil {
		return unavailable(permission.ServiceSnapshot)
	}
	return g.impl.Restore(ctx, snapshotID, dir)
}

func (g snapshotGate) List(ctx context.Context) ([]string, error) {
	if err := gate(g.spec, permission.ServiceSnapshot, ""); err != nil {
		return nil, err
	}
	if g.impl == nil {
		return nil, unavailable(permission.ServiceSnapshot)
	}
	return g.impl.List(ctx)
}

type workflowGate struct {
	spec *permission.Spec
	impl WorkflowRunner
}

func (g workflowGate) Run(ctx context.Context, name string, input json.RawMessage) (string, error) {
	if err := gate(g.spec, permission.ServiceWorkflows, name); err != nil {
		return "", err
	}
	if g.impl == nil {
		return "", unavailable(permission.ServiceWorkflows)
	}
	return g.impl.Run(ctx, name, input)
}

func (g workflowGate) Wait(ctx context.Context, runID string, timeout time.Duration) (json.RawMessage, error) {
	if err := gate(g.spec, permission.ServiceWorkflows, ""); err != nil {
		return nil, err
	}
	if g.impl == nil {
		return nil, unavailable(permission.ServiceWorkflows)
	}
	return g.impl.Wait(ctx, runID, timeout)
}

func (g workflowGate) Status(ctx context.Context, runID string) (string, error) {
	if err := gate(g.spec, permission.ServiceWorkflows, ""); err != nil {
		return "", err
	}
	if g.impl == nil {
		return "", unavailable(permission.ServiceWorkflows)
	}
	return g.impl.Status(ctx, runID)
}

func (g workflowGate) Cancel(ctx context.Context, runID string) error {
	if err := gate(g.spec, permission.ServiceWorkflows, ""); err != nil {
		return err
	}
	if g.impl == nil {
		return unavailable(permission.ServiceWorkflows)
	}
	return g.impl.Cancel(ctx, runID)
}

func (g workflowGate) List(ctx context.Context) ([]string, error) {
	if err := gate(g.spec, permission.ServiceWorkflows, ""); err != nil {
		return nil, err
	}
	if g.impl == nil {
		return nil, unavailable(permission.ServiceWorkflows)
	}
	return g.impl.List(ctx)
}
