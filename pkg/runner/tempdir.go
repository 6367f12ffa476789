package runner

import (
	"context"
	"fmt"
	"os"

	"github.com/gridtest/gridtest/pkg/engine"
)

// tempDirArgs are the arguments of the "temp_dir" resource class.
type tempDirArgs struct {
	// Prefix names the created directory, "gridtest" by default.
	Prefix string `yaml:"prefix,omitempty"`

	// ExportAs is the context key the directory path is exported under,
	// "temp_dir" by default.
	ExportAs string `yaml:"export_as,omitempty"`
}

// TempDirResource provides a scratch directory to its dependents. SetUp
// creates the directory and exports its path; CleanUp reads the path back
// from its context and removes the tree. Because the path travels through
// the exported context, cleanup works even when it runs in a different
// process than setup.
type TempDirResource struct {
	id   string
	args tempDirArgs
}

// NewTempDirResource builds a temp_dir resource from its descriptor.
func NewTempDirResource(desc *engine.Descriptor) (engine.Resource, error) {
	r := &TempDirResource{id: desc.ID}
	if err := decodeArguments(desc, &r.args); err != nil {
		return nil, err
	}
	if r.args.Prefix == "" {
		r.args.Prefix = "gridtest"
	}
	if r.args.ExportAs == "" {
		r.args.ExportAs = "temp_dir"
	}
	return r, nil
}

// SetUp creates the directory.
func (r *TempDirResource) SetUp(ctx context.Context, tctx engine.Context, res *engine.Result) {
	dir, err := os.MkdirTemp("", r.args.Prefix+"-*")
	if err != nil {
		res.SetError(fmt.Errorf("failed to create directory: %w", err))
		return
	}
	res.Annotate(engine.ExportPrefix+r.args.ExportAs, dir)
}

// CleanUp removes the directory.
func (r *TempDirResource) CleanUp(ctx context.Context, tctx engine.Context, res *engine.Result) {
	dir, ok := tctx.Get(r.args.ExportAs)
	if !ok || dir == "" {
		res.SetError(fmt.Errorf("context is missing %q, nothing to clean up", r.args.ExportAs))
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		res.SetError(fmt.Errorf("failed to remove directory: %w", err))
	}
}
