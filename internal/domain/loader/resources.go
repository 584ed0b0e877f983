package loader

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/w200024212/pebbleos-sub001/internal/domain/process"
	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

// Resources validates flash resource banks against the checksum recorded at
// install time. Verified banks are cached by path until they change size or
// modification time.
type Resources struct {
	logger *zap.Logger

	mu       sync.Mutex
	verified map[string]bankStamp
}

type bankStamp struct {
	size    int64
	modUnix int64
	sum     uint64
}

// NewResources creates the validator
func NewResources(logger *zap.Logger) *Resources {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resources{logger: logger, verified: make(map[string]bankStamp)}
}

// Validate implements process.ResourceValidator. System apps and installs
// without a resource bank always pass.
func (r *Resources) Validate(ctx context.Context, md process.Metadata) error {
	entry, ok := installEntry(md)
	if !ok || entry.Resources == "" {
		return nil
	}

	sum, err := r.checksum(entry.Resources)
	if err != nil {
		return fmt.Errorf("%w: %v", process.ErrResourceChecksum, err)
	}
	if sum != entry.ResourceChecksum {
		r.logger.Warn("resource bank checksum mismatch",
			zap.String("name", entry.Name),
			zap.String("path", entry.Resources),
			zap.Uint64("want", entry.ResourceChecksum),
			zap.Uint64("got", sum),
		)
		return fmt.Errorf("%w: %s", process.ErrResourceChecksum, entry.Resources)
	}
	return nil
}

// Checksum returns the xxhash of the bank at path
func Checksum(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

func (r *Resources) checksum(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	stamp := bankStamp{size: info.Size(), modUnix: info.ModTime().UnixNano()}

	r.mu.Lock()
	cached, ok := r.verified[path]
	r.mu.Unlock()
	if ok && cached.size == stamp.size && cached.modUnix == stamp.modUnix {
		return cached.sum, nil
	}

	sum, err := Checksum(path)
	if err != nil {
		return 0, err
	}
	stamp.sum = sum

	r.mu.Lock()
	r.verified[path] = stamp
	r.mu.Unlock()
	return sum, nil
}

func installEntry(md process.Metadata) (*types.InstallEntry, bool) {
	switch m := md.(type) {
	case *process.FlashMetadata:
		return &m.Entry, true
	case *process.RockyMetadata:
		return &m.Entry, true
	default:
		return nil, false
	}
}
