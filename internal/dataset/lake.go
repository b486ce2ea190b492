// Package dataset implements the partitioned dataset store: named datasets
// on blob storage, each with an immutable partition schema, holding one
// encoded frame per distinct partition key.
package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	nerrors "github.com/pvforecast/nwplake/internal/errors"
	"github.com/pvforecast/nwplake/internal/storage"
	"github.com/pvforecast/nwplake/pkg/types"
)

// Metadata is the content of {dataset}/_metadata.json.
type Metadata struct {
	PartitionSchema types.PartitionSchema `json:"partition_schema"`
	Format          string                `json:"format,omitempty"`
}

// CreateOptions controls Lake.Create.
type CreateOptions struct {
	// Overwrite deletes and recreates an existing dataset.
	Overwrite bool
	// Confirmed acknowledges the deletion Overwrite implies.
	Confirmed bool
	// Format selects the partition codec; empty means jsz.
	Format string
}

// Lake is the root of all datasets on one storage backend.
type Lake struct {
	storage    storage.ObjectStorage
	scratchDir string
	logger     *slog.Logger
}

// NewLake creates a Lake. Partition files are staged in scratchDir, or in
// the OS temp directory when it is empty.
func NewLake(store storage.ObjectStorage, scratchDir string, logger *slog.Logger) *Lake {
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lake{storage: store, scratchDir: scratchDir, logger: logger}
}

// Storage returns the backend the lake writes to.
func (l *Lake) Storage() storage.ObjectStorage {
	return l.storage
}

// Create creates dataset name with the given partition schema. If the
// dataset exists it is returned unchanged, unless opts.Overwrite is set, in
// which case it is deleted (requiring opts.Confirmed) and recreated.
// The metadata object is written with a single put before any partition.
func (l *Lake) Create(ctx context.Context, name string, schema types.PartitionSchema, opts CreateOptions) (*Dataset, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := schema.Validate(); err != nil {
		return nil, nerrors.Wrap(nerrors.ErrCategoryValidation, nerrors.CodeInvalidSchema,
			fmt.Sprintf("invalid partition schema for dataset %q", name), err)
	}
	if _, err := CodecFor(opts.Format); err != nil {
		return nil, nerrors.Wrap(nerrors.ErrCategoryValidation, nerrors.CodeInvalidSchema,
			fmt.Sprintf("dataset %q", name), err)
	}

	exists, err := l.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if exists {
		if !opts.Overwrite {
			l.logger.Info("dataset already exists, returning existing handle", "dataset", name)
			return l.Get(ctx, name)
		}
		if err := l.Delete(ctx, name, opts.Confirmed); err != nil {
			return nil, err
		}
	}

	meta := Metadata{PartitionSchema: schema, Format: opts.Format}
	if meta.Format == "" {
		meta.Format = FormatJSZ
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, nerrors.NewInternalError("failed to marshal dataset metadata", err)
	}
	if err := l.storage.Put(ctx, MetadataPath(name), data); err != nil {
		return nil, fmt.Errorf("dataset: failed to write metadata for %q: %w", name, err)
	}

	l.logger.Info("created dataset", "dataset", name, "partition_schema", schema.String(), "format", meta.Format)
	return l.open(name, meta)
}

// Get opens an existing dataset.
func (l *Lake) Get(ctx context.Context, name string) (*Dataset, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	data, err := l.storage.Get(ctx, MetadataPath(name))
	if err != nil {
		if errors.Is(err, nerrors.ErrStorageNotFound) {
			return nil, nerrors.NewStorageError(nerrors.CodeNotFound,
				fmt.Sprintf("dataset %q does not exist", name), err)
		}
		return nil, fmt.Errorf("dataset: failed to read metadata for %q: %w", name, err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, nerrors.NewFormatError(nerrors.CodeCorruptPartition,
			fmt.Sprintf("dataset %q has unreadable metadata", name), err)
	}
	if err := meta.PartitionSchema.Validate(); err != nil {
		return nil, nerrors.NewFormatError(nerrors.CodeCorruptPartition,
			fmt.Sprintf("dataset %q has an invalid partition schema", name), err)
	}
	return l.open(name, meta)
}

// Exists reports whether dataset name has a metadata object.
func (l *Lake) Exists(ctx context.Context, name string) (bool, error) {
	return l.storage.Exists(ctx, MetadataPath(name))
}

// List returns the names of all datasets, sorted.
func (l *Lake) List(ctx context.Context) ([]string, error) {
	paths, err := l.storage.ListObjects(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("dataset: failed to list datasets: %w", err)
	}
	suffix := "/" + MetadataFile
	var names []string
	for _, p := range paths {
		name, ok := strings.CutSuffix(p, suffix)
		if !ok || name == "" || strings.Contains(name, "/"+DataDir+"/") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes dataset name with all its partitions. Deletion must be
// confirmed by the caller.
func (l *Lake) Delete(ctx context.Context, name string, confirmed bool) error {
	exists, err := l.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nerrors.NewStorageError(nerrors.CodeNotFound, fmt.Sprintf("dataset %q does not exist", name), nil)
	}
	if !confirmed {
		return nerrors.NewConfirmationError(fmt.Sprintf("deletion of dataset %q was not confirmed", name))
	}
	if err := l.storage.DeletePrefix(ctx, name+"/"); err != nil {
		return fmt.Errorf("dataset: failed to delete %q: %w", name, err)
	}
	l.logger.Warn("deleted dataset", "dataset", name)
	return nil
}

func (l *Lake) open(name string, meta Metadata) (*Dataset, error) {
	codec, err := CodecFor(meta.Format)
	if err != nil {
		return nil, nerrors.NewFormatError(nerrors.CodeCorruptPartition, fmt.Sprintf("dataset %q", name), err)
	}
	return &Dataset{
		name:       name,
		meta:       meta,
		codec:      codec,
		storage:    l.storage,
		scratchDir: l.scratchDir,
		growthDim:  DefaultGrowthDim,
		logger:     l.logger.With("dataset", name),
	}, nil
}

func validateName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") ||
		strings.Contains(name, "..") || strings.Contains(name, "//") {
		return nerrors.NewValidationError(nerrors.CodeInvalidSchema, fmt.Sprintf("invalid dataset name %q", name))
	}
	return nil
}
