package dataset

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	nerrors "github.com/pvforecast/nwplake/internal/errors"
	"github.com/pvforecast/nwplake/internal/grid"
	"github.com/pvforecast/nwplake/internal/predicate"
	"github.com/pvforecast/nwplake/internal/storage"
	"github.com/pvforecast/nwplake/pkg/types"
)

// DefaultGrowthDim is the dimension along which datasets grow over time.
const DefaultGrowthDim = "time_utc"

// Dataset is a handle on one dataset of a Lake.
type Dataset struct {
	name       string
	meta       Metadata
	codec      Codec
	storage    storage.ObjectStorage
	scratchDir string
	growthDim  string
	logger     *slog.Logger
}

// Name returns the dataset name.
func (d *Dataset) Name() string { return d.name }

// Schema returns the persisted partition schema.
func (d *Dataset) Schema() types.PartitionSchema { return d.meta.PartitionSchema }

// Format returns the partition file format.
func (d *Dataset) Format() string { return d.codec.Format() }

// Metadata returns the persisted metadata.
func (d *Dataset) Metadata() Metadata { return d.meta }

// WithGrowthDim returns a copy of the handle that orders reads along dim.
func (d *Dataset) WithGrowthDim(dim string) *Dataset {
	cp := *d
	cp.growthDim = dim
	return &cp
}

// PartitionPath returns the object path of the partition with key.
func (d *Dataset) PartitionPath(key types.KeyMap) (string, error) {
	return EncodePartitionPath(d.name, d.meta.PartitionSchema, d.codec.Format(), key)
}

// ParsePartitionPath decodes a partition object path into its key.
func (d *Dataset) ParsePartitionPath(path string) (types.KeyMap, error) {
	return DecodePartitionPath(d.name, d.meta.PartitionSchema, d.codec.Format(), path)
}

// Write splits f along the partition dimensions and overwrites one
// partition file per key combination. Partitions are written one at a time;
// a failure leaves earlier partitions updated, and retrying is safe because
// each partition write is idempotent. The written partitions are returned.
func (d *Dataset) Write(ctx context.Context, f *grid.Frame) ([]types.Partition, error) {
	if err := f.Validate(); err != nil {
		return nil, nerrors.Wrap(nerrors.ErrCategoryValidation, nerrors.CodeSchemaMismatch, "invalid frame", err)
	}
	names := d.meta.PartitionSchema.Names()
	for _, n := range names {
		if f.DimIndex(n) < 0 {
			return nil, nerrors.NewValidationError(nerrors.CodeSchemaMismatch,
				fmt.Sprintf("frame has no dimension for partition key %q (dims %v)", n, f.Dims()))
		}
	}

	groups, err := f.GroupBy(names...)
	if err != nil {
		return nil, nerrors.Wrap(nerrors.ErrCategoryValidation, nerrors.CodeSchemaMismatch, "failed to group frame", err)
	}

	written := make([]types.Partition, 0, len(groups))
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		key, err := d.meta.PartitionSchema.Cast(g.Key)
		if err != nil {
			return written, nerrors.Wrap(nerrors.ErrCategoryValidation, nerrors.CodeInvalidPartitionKey, "invalid partition key", err)
		}
		path, err := d.PartitionPath(key)
		if err != nil {
			return written, err
		}
		if err := d.writePartition(ctx, g.Frame, path); err != nil {
			return written, err
		}
		d.logger.Debug("wrote partition", "path", path)
		written = append(written, types.Partition{Key: key, Path: path})
	}

	d.logger.Info("wrote frame", "partitions", len(written), "variables", len(f.Vars))
	return written, nil
}

func (d *Dataset) writePartition(ctx context.Context, f *grid.Frame, path string) error {
	local, cleanup, err := d.scratch()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := d.codec.Encode(ctx, f, local); err != nil {
		return nerrors.NewInternalError(fmt.Sprintf("failed to encode partition %s", path), err)
	}
	if err := d.storage.Upload(ctx, local, path); err != nil {
		return fmt.Errorf("dataset: failed to upload %s: %w", path, err)
	}
	return nil
}

// ListPartitions returns every stored partition in path order.
func (d *Dataset) ListPartitions(ctx context.Context) ([]types.Partition, error) {
	paths, err := d.storage.ListObjects(ctx, DataPrefix(d.name))
	if err != nil {
		return nil, fmt.Errorf("dataset: failed to list partitions of %q: %w", d.name, err)
	}
	parts := make([]types.Partition, 0, len(paths))
	for _, p := range paths {
		key, err := d.ParsePartitionPath(p)
		if err != nil {
			return nil, err
		}
		parts = append(parts, types.Partition{Key: key, Path: p})
	}
	return parts, nil
}

// Partitions returns the stored partitions whose key satisfies p, without
// fetching any partition data.
func (d *Dataset) Partitions(ctx context.Context, p predicate.Predicate) ([]types.Partition, error) {
	all, err := d.ListPartitions(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.Partition
	for _, part := range all {
		ok, err := p.Eval(part.Key)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, part)
		}
	}
	return out, nil
}

// Read fetches the partitions matching p one after another and combines
// them into a single frame. Labels along the partition dimensions and the
// growth dimension are sorted; attributes that differ between partitions
// are dropped.
func (d *Dataset) Read(ctx context.Context, p predicate.Predicate) (*grid.Frame, error) {
	parts, err := d.Partitions(ctx, p)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, nerrors.NewStorageError(nerrors.CodeNoPartitions,
			fmt.Sprintf("no partitions of %q match %s", d.name, p), nil)
	}

	frames := make([]*grid.Frame, 0, len(parts))
	for _, part := range parts {
		f, err := d.readPartition(ctx, part.Path)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}

	out, err := grid.Combine(frames)
	if err != nil {
		return nil, nerrors.NewFormatError(nerrors.CodeCorruptPartition,
			fmt.Sprintf("partitions of %q cannot be combined", d.name), err)
	}

	sortDims := append(d.meta.PartitionSchema.Names(), d.growthDim)
	for _, dim := range sortDims {
		if out.DimIndex(dim) < 0 {
			continue
		}
		if out, err = out.SortBy(dim); err != nil {
			return nil, nerrors.NewInternalError(fmt.Sprintf("failed to sort %q", dim), err)
		}
	}

	d.logger.Debug("read frame", "partitions", len(parts), "predicate", p.String())
	return out, nil
}

func (d *Dataset) readPartition(ctx context.Context, path string) (*grid.Frame, error) {
	local, cleanup, err := d.scratch()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if err := d.storage.Download(ctx, path, local); err != nil {
		return nil, fmt.Errorf("dataset: failed to download %s: %w", path, err)
	}
	f, err := d.codec.Decode(ctx, local)
	if err != nil {
		return nil, nerrors.NewFormatError(nerrors.CodeCorruptPartition,
			fmt.Sprintf("failed to decode partition %s", path), err)
	}
	return f, nil
}

// scratch reserves a unique local file path for staging one partition.
func (d *Dataset) scratch() (string, func(), error) {
	if err := os.MkdirAll(d.scratchDir, 0755); err != nil {
		return "", nil, nerrors.NewInternalError("failed to create scratch directory", err)
	}
	local := filepath.Join(d.scratchDir, fmt.Sprintf("%s.%s", uuid.New().String(), d.codec.Format()))
	return local, func() { os.Remove(local) }, nil
}
