// ============================================================================
// Dataspace Connector Provisioning - resources needed before data can move
// ============================================================================
//
// Package: internal/provision
// File: provision.go
//
// Lifecycle:
//   GenerateManifest  every registered generator contributes definitions for
//                     the process (staging dirs, temporary endpoints)
//   Provision         each definition goes to the first provisioner able to
//                     handle it; results come back as futures
//   Deprovision       provisioned resources are released the same way
//
// Provisioners must be idempotent: after a crash the state machine may ask
// for the same definition again.
//
// ============================================================================

package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/dataspace-connector/internal/async"
	"github.com/ChuLiYu/dataspace-connector/pkg/types"
)

var log = slog.With("component", "provision")

// ErrNoProvisioner is returned when no provisioner handles a definition or
// resource.
var ErrNoProvisioner = errors.New("no provisioner registered")

// Generator contributes resource definitions for a process.
type Generator interface {
	CanGenerate(tp *types.TransferProcess) bool
	Generate(tp *types.TransferProcess) ([]types.ResourceDefinition, error)
}

// Provisioner creates and releases one kind of resource.
type Provisioner interface {
	CanProvision(def types.ResourceDefinition) bool
	Provision(ctx context.Context, tp *types.TransferProcess, def types.ResourceDefinition) *async.Future[types.ProvisionedResource]
	CanDeprovision(res types.ProvisionedResource) bool
	Deprovision(ctx context.Context, res types.ProvisionedResource) *async.Future[types.DeprovisionedResource]
}

// Manager dispatches manifests and resources to registered implementations.
type Manager struct {
	mu           sync.RWMutex
	generators   []Generator
	provisioners []Provisioner
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// RegisterGenerator adds a manifest generator.
func (m *Manager) RegisterGenerator(g Generator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generators = append(m.generators, g)
}

// RegisterProvisioner adds a provisioner. Earlier registrations win.
func (m *Manager) RegisterProvisioner(p Provisioner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provisioners = append(m.provisioners, p)
}

// GenerateManifest collects the definitions of every applicable generator.
// The manifest is empty when nothing needs provisioning.
func (m *Manager) GenerateManifest(tp *types.TransferProcess) (*types.ResourceManifest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	manifest := &types.ResourceManifest{}
	for _, g := range m.generators {
		if !g.CanGenerate(tp) {
			continue
		}
		defs, err := g.Generate(tp)
		if err != nil {
			return nil, fmt.Errorf("failed to generate manifest for %s: %w", tp.ID, err)
		}
		manifest.Definitions = append(manifest.Definitions, defs...)
	}
	return manifest, nil
}

// Provision provisions every definition of the manifest that has no resource
// yet. The future fails with the first error.
func (m *Manager) Provision(ctx context.Context, tp *types.TransferProcess) *async.Future[[]types.ProvisionedResource] {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var futures []*async.Future[types.ProvisionedResource]
	if tp.ResourceManifest.Empty() {
		return async.All(futures...)
	}
	for _, def := range tp.ResourceManifest.Definitions {
		if hasResource(tp, def.ID) {
			continue
		}
		p := m.provisionerFor(def)
		if p == nil {
			futures = append(futures, async.Failed[types.ProvisionedResource](
				fmt.Errorf("%w for resource type %s", ErrNoProvisioner, def.ResourceType)))
			continue
		}
		log.Debug("Provisioning resource", "processID", tp.ID, "definition", def.ID, "type", def.ResourceType)
		futures = append(futures, p.Provision(ctx, tp, def))
	}
	return async.All(futures...)
}

// Deprovision releases every resource not yet released.
func (m *Manager) Deprovision(ctx context.Context, tp *types.TransferProcess) *async.Future[[]types.DeprovisionedResource] {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var futures []*async.Future[types.DeprovisionedResource]
	for _, res := range tp.ResourcesToDeprovision() {
		p := m.deprovisionerFor(res)
		if p == nil {
			futures = append(futures, async.Failed[types.DeprovisionedResource](
				fmt.Errorf("%w for resource type %s", ErrNoProvisioner, res.ResourceType)))
			continue
		}
		log.Debug("Deprovisioning resource", "processID", tp.ID, "resource", res.ID)
		futures = append(futures, p.Deprovision(ctx, res))
	}
	return async.All(futures...)
}

func (m *Manager) provisionerFor(def types.ResourceDefinition) Provisioner {
	for _, p := range m.provisioners {
		if p.CanProvision(def) {
			return p
		}
	}
	return nil
}

func (m *Manager) deprovisionerFor(res types.ProvisionedResource) Provisioner {
	for _, p := range m.provisioners {
		if p.CanDeprovision(res) {
			return p
		}
	}
	return nil
}

func hasResource(tp *types.TransferProcess, defID string) bool {
	for _, r := range tp.ProvisionedResources() {
		if r.ResourceDefinitionID == defID {
			return true
		}
	}
	return false
}
