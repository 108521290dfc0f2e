package dataflow

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/ChuLiYu/dataspace-connector/internal/pipeline"
	"github.com/ChuLiYu/dataspace-connector/internal/transfer"
	"github.com/ChuLiYu/dataspace-connector/pkg/types"
)

// FileStatusChecker reports a File destination as complete once its path
// holds data: a file exists, or a directory contains at least one entry.
type FileStatusChecker struct{}

var _ transfer.StatusChecker = FileStatusChecker{}

func (FileStatusChecker) IsComplete(_ context.Context, tp *types.TransferProcess, resources []types.ProvisionedResource) (bool, error) {
	path := ""
	for _, r := range resources {
		if r.DataAddress != nil && r.DataAddress.Type == pipeline.FileType {
			path = r.DataAddress.Property("path")
			break
		}
	}
	if path == "" {
		path = tp.DataDestination.Property("path")
	}
	if path == "" {
		return false, transfer.Fatal(errors.New("file destination without path"))
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !info.IsDir() {
		return true, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}
