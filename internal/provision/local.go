package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/ChuLiYu/dataspace-connector/internal/async"
	"github.com/ChuLiYu/dataspace-connector/pkg/types"
)

// LocalDirType is the resource type of a staging directory.
const LocalDirType = "local-dir"

// fileType mirrors pipeline.FileType without importing the data plane.
const fileType = "File"

// LocalDirGenerator asks for a staging directory when a process's
// destination is a file address without a path.
type LocalDirGenerator struct{}

func (LocalDirGenerator) CanGenerate(tp *types.TransferProcess) bool {
	return tp.DataDestination != nil &&
		tp.DataDestination.Type == fileType &&
		tp.DataDestination.Property("path") == ""
}

func (LocalDirGenerator) Generate(tp *types.TransferProcess) ([]types.ResourceDefinition, error) {
	return []types.ResourceDefinition{{
		ID:           uuid.NewString(),
		ResourceType: LocalDirType,
		Properties:   map[string]string{"processId": tp.ID},
	}}, nil
}

// LocalDirProvisioner creates directories below Root, one per definition.
type LocalDirProvisioner struct {
	Root string
}

func (p *LocalDirProvisioner) CanProvision(def types.ResourceDefinition) bool {
	return def.ResourceType == LocalDirType
}

func (p *LocalDirProvisioner) CanDeprovision(res types.ProvisionedResource) bool {
	return res.ResourceType == LocalDirType
}

// Provision creates the directory; an existing directory is reused.
func (p *LocalDirProvisioner) Provision(ctx context.Context, tp *types.TransferProcess, def types.ResourceDefinition) *async.Future[types.ProvisionedResource] {
	return async.Go(func() (types.ProvisionedResource, error) {
		if err := ctx.Err(); err != nil {
			return types.ProvisionedResource{}, err
		}
		dir := filepath.Join(p.Root, tp.ID, def.ID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return types.ProvisionedResource{}, fmt.Errorf("failed to create %s: %w", dir, err)
		}
		return types.ProvisionedResource{
			ID:                   def.ID + "-dir",
			ResourceDefinitionID: def.ID,
			ResourceName:         dir,
			ResourceType:         LocalDirType,
			DataAddress:          &types.DataAddress{Type: fileType, Properties: map[string]string{"path": dir}},
		}, nil
	})
}

// Deprovision removes the directory; a missing directory counts as removed.
func (p *LocalDirProvisioner) Deprovision(ctx context.Context, res types.ProvisionedResource) *async.Future[types.DeprovisionedResource] {
	return async.Go(func() (types.DeprovisionedResource, error) {
		out := types.DeprovisionedResource{ProvisionedResourceID: res.ID}
		if err := os.RemoveAll(res.ResourceName); err != nil {
			out.Error = err.Error()
		}
		return out, nil
	})
}
