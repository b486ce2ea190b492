// Package changelog implements the append-only completion log: a CSV object
// on blob storage with a typed column schema. A unit of work is done once a
// row carrying its key has been appended; rows are never rewritten.
package changelog

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"

	nerrors "github.com/pvforecast/nwplake/internal/errors"
	"github.com/pvforecast/nwplake/internal/storage"
	"github.com/pvforecast/nwplake/pkg/types"
)

// FileName is the object name of a log inside its prefix.
const FileName = ".csv"

// Path returns the object path of log name.
func Path(name string) string {
	return name + "/" + FileName
}

// Column is one declared log column.
type Column = types.Field

// Record is one log row keyed by column name.
type Record map[string]any

// Log is a handle on one append-only log.
type Log struct {
	storage storage.ObjectStorage
	name    string
	columns []Column
	logger  *slog.Logger
}

// Create creates log name with a header row. If the log already exists a
// warning is logged and the existing log is returned; its header is not
// compared with columns.
func Create(ctx context.Context, store storage.ObjectStorage, name string, columns []Column, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := types.PartitionSchema(columns).Validate(); err != nil {
		return nil, nerrors.Wrap(nerrors.ErrCategoryValidation, nerrors.CodeInvalidSchema,
			fmt.Sprintf("invalid columns for log %q", name), err)
	}

	exists, err := store.Exists(ctx, Path(name))
	if err != nil {
		return nil, fmt.Errorf("changelog: failed to check %q: %w", name, err)
	}
	if exists {
		logger.Warn("log already exists, returning existing log", "log", name)
		return Open(ctx, store, name, columns, logger)
	}

	header := make([]string, len(columns))
	for i, c := range columns {
		header[i] = c.Name
	}
	data, err := encodeRows([][]string{header})
	if err != nil {
		return nil, err
	}
	if err := store.Put(ctx, Path(name), data); err != nil {
		return nil, fmt.Errorf("changelog: failed to create %q: %w", name, err)
	}

	logger.Info("created log", "log", name, "columns", types.PartitionSchema(columns).String())
	return &Log{storage: store, name: name, columns: append([]Column(nil), columns...), logger: logger.With("log", name)}, nil
}

// Open opens an existing log. The stored header fixes the column order;
// declared columns give their types, undeclared header columns are strings.
func Open(ctx context.Context, store storage.ObjectStorage, name string, columns []Column, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := store.Get(ctx, Path(name))
	if err != nil {
		if errors.Is(err, nerrors.ErrStorageNotFound) {
			return nil, nerrors.NewStorageError(nerrors.CodeNotFound, fmt.Sprintf("log %q does not exist", name), err)
		}
		return nil, fmt.Errorf("changelog: failed to read %q: %w", name, err)
	}

	header, err := csv.NewReader(bytes.NewReader(data)).Read()
	if err != nil {
		return nil, nerrors.NewFormatError(nerrors.CodeCorruptPartition, fmt.Sprintf("log %q has no header", name), err)
	}

	declared := make(map[string]types.ScalarType, len(columns))
	for _, c := range columns {
		declared[c.Name] = c.Type
	}
	effective := make([]Column, len(header))
	for i, h := range header {
		typ, ok := declared[h]
		if !ok {
			typ = types.TypeString
		}
		effective[i] = Column{Name: h, Type: typ}
		delete(declared, h)
	}
	for missing := range declared {
		logger.Warn("declared column missing from log header", "log", name, "column", missing)
	}

	return &Log{storage: store, name: name, columns: effective, logger: logger.With("log", name)}, nil
}

// Name returns the log name.
func (l *Log) Name() string { return l.name }

// Columns returns the columns in header order.
func (l *Log) Columns() []Column { return append([]Column(nil), l.columns...) }

// Append adds records to the end of the log. Values are formatted per
// column type; absent or nil values are written as empty fields.
func (l *Log) Append(ctx context.Context, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	known := make(map[string]struct{}, len(l.columns))
	for _, c := range l.columns {
		known[c.Name] = struct{}{}
	}

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		for k := range rec {
			if _, ok := known[k]; !ok {
				return nerrors.NewValidationError(nerrors.CodeUnknownField,
					fmt.Sprintf("log %q has no column %q", l.name, k))
			}
		}
		row := make([]string, len(l.columns))
		for i, c := range l.columns {
			v, ok := rec[c.Name]
			if !ok || v == nil {
				continue
			}
			s, err := types.Format(c.Type, v)
			if err != nil {
				return nerrors.Wrap(nerrors.ErrCategoryValidation, nerrors.CodeSchemaMismatch,
					fmt.Sprintf("log %q column %q", l.name, c.Name), err)
			}
			row[i] = s
		}
		rows = append(rows, row)
	}

	data, err := encodeRows(rows)
	if err != nil {
		return err
	}
	if err := l.storage.Append(ctx, Path(l.name), data); err != nil {
		return fmt.Errorf("changelog: failed to append to %q: %w", l.name, err)
	}
	l.logger.Debug("appended records", "count", len(rows))
	return nil
}

// ReadAll reads every record of the log.
func (l *Log) ReadAll(ctx context.Context) (*Table, error) {
	data, err := l.storage.Get(ctx, Path(l.name))
	if err != nil {
		if errors.Is(err, nerrors.ErrStorageNotFound) {
			return nil, nerrors.NewStorageError(nerrors.CodeNotFound, fmt.Sprintf("log %q does not exist", l.name), err)
		}
		return nil, fmt.Errorf("changelog: failed to read %q: %w", l.name, err)
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, nerrors.NewFormatError(nerrors.CodeCorruptPartition, fmt.Sprintf("log %q has no header", l.name), err)
	}

	colTypes := make(map[string]types.ScalarType, len(l.columns))
	for _, c := range l.columns {
		colTypes[c.Name] = c.Type
	}
	cols := make([]Column, len(header))
	for i, h := range header {
		typ, ok := colTypes[h]
		if !ok {
			typ = types.TypeString
		}
		cols[i] = Column{Name: h, Type: typ}
	}

	table := &Table{Columns: cols}
	for line := 2; ; line++ {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nerrors.NewFormatError(nerrors.CodeCorruptPartition,
				fmt.Sprintf("log %q line %d", l.name, line), err)
		}
		if len(row) != len(cols) {
			return nil, nerrors.NewFormatError(nerrors.CodeCorruptPartition,
				fmt.Sprintf("log %q line %d has %d fields, header has %d", l.name, line, len(row), len(cols)), nil)
		}
		rec := make(Record, len(cols))
		for i, c := range cols {
			if row[i] == "" && c.Type != types.TypeString {
				rec[c.Name] = nil
				continue
			}
			v, err := types.Parse(c.Type, row[i])
			if err != nil {
				return nil, nerrors.NewFormatError(nerrors.CodeCorruptPartition,
					fmt.Sprintf("log %q line %d column %q", l.name, line, c.Name), err)
			}
			rec[c.Name] = v
		}
		table.Records = append(table.Records, rec)
	}
	return table, nil
}

func encodeRows(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return nil, nerrors.NewInternalError("failed to encode log rows", err)
	}
	return buf.Bytes(), nil
}
