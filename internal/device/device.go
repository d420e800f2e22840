// Package device manages the stable identity this replica stamps on
// CRDT updates. The id is generated once and persisted inside the
// workspace's .diaryx directory; the name comes from config or the host.
package device

import (
	"context"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/diaryx/diaryx-go/internal/storage"
	"github.com/diaryx/diaryx-go/internal/vfs"
)

// idPath stores the device id inside the workspace.
const idPath = ".diaryx/device_id"

// Identify loads or creates the device identity for a workspace. name
// may be empty; the hostname is used then.
func Identify(ctx context.Context, fs vfs.FileSystem, name string) (*storage.Device, error) {
	if name == "" {
		if host, err := os.Hostname(); err == nil {
			name = host
		} else {
			name = "unknown"
		}
	}

	raw, err := fs.ReadFile(ctx, idPath)
	if err == nil {
		id := strings.TrimSpace(string(raw))
		if id != "" {
			return &storage.Device{ID: id, Name: name}, nil
		}
	} else if !vfs.IsNotExist(err) {
		return nil, err
	}

	id := uuid.NewString()
	if err := fs.WriteFile(ctx, idPath, []byte(id+"\n")); err != nil {
		return nil, err
	}
	return &storage.Device{ID: id, Name: name}, nil
}
