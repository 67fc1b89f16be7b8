package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Resolver turns a descriptor's module reference into wasm bytes. A
// "sha256:" reference is fetched from the store and verified; anything else
// is a file path, relative paths resolved against BaseDir.
type Resolver struct {
	Store   Store
	BaseDir string
}

// Resolve loads module bytes.
func (r *Resolver) Resolve(ctx context.Context, module string) ([]byte, error) {
	if IsRef(module) {
		if r.Store == nil {
			return nil, fmt.Errorf("%w: %s: no artifact store configured", ErrNotFound, module)
		}
		data, err := r.Store.Get(ctx, module)
		if err != nil {
			return nil, err
		}
		if got := Ref(data); got != module {
			return nil, fmt.Errorf("%w: want %s, got %s", ErrDigestMismatch, module, got)
		}
		return data, nil
	}

	path := module
	if !filepath.IsAbs(path) && r.BaseDir != "" {
		path = filepath.Join(r.BaseDir, path)
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read module %s: %w", path, err)
	}
	return data, nil
}
