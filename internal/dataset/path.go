package dataset

import (
	"fmt"
	"strings"

	nerrors "github.com/pvforecast/nwplake/internal/errors"
	"github.com/pvforecast/nwplake/pkg/types"
)

// Fixed object names inside a dataset prefix.
const (
	MetadataFile = "_metadata.json"
	DataDir      = "_data"
)

// MetadataPath returns the metadata object path of dataset name.
func MetadataPath(name string) string {
	return name + "/" + MetadataFile
}

// DataPrefix returns the prefix under which all partition files of dataset
// name live, including the trailing slash.
func DataPrefix(name string) string {
	return name + "/" + DataDir + "/"
}

// EncodePartitionPath computes the canonical object path of a partition:
// {name}/_data/{k1}={v1}/.../{kn}={vn}/.{ext}. Values are cast to their
// schema type before formatting, so equal keys always map to the same path.
func EncodePartitionPath(name string, schema types.PartitionSchema, ext string, key types.KeyMap) (string, error) {
	var b strings.Builder
	b.WriteString(DataPrefix(name))
	for _, f := range schema {
		v, ok := key[f.Name]
		if !ok {
			return "", nerrors.NewValidationError(nerrors.CodeInvalidPartitionKey,
				fmt.Sprintf("partition key %q missing from %v", f.Name, key))
		}
		seg, err := types.Escape(f.Type, v)
		if err != nil {
			return "", nerrors.Wrap(nerrors.ErrCategoryValidation, nerrors.CodeInvalidPartitionKey,
				fmt.Sprintf("partition key %q", f.Name), err)
		}
		b.WriteString(f.Name)
		b.WriteByte('=')
		b.WriteString(seg)
		b.WriteByte('/')
	}
	b.WriteByte('.')
	b.WriteString(ext)
	return b.String(), nil
}

// DecodePartitionPath is the inverse of EncodePartitionPath. Any path that
// does not match the schema exactly is a FORMAT error, which usually means
// the stored layout drifted from the persisted schema.
func DecodePartitionPath(name string, schema types.PartitionSchema, ext string, path string) (types.KeyMap, error) {
	prefix := DataPrefix(name)
	suffix := "/." + ext
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) || len(path) < len(prefix)+len(suffix) {
		return nil, formatError(path, "expected %s<keys>%s", prefix, suffix)
	}
	inner := path[len(prefix) : len(path)-len(suffix)]
	segs := strings.Split(inner, "/")
	if len(segs) != len(schema) {
		return nil, formatError(path, "expected %d key segments, found %d", len(schema), len(segs))
	}

	key := make(types.KeyMap, len(schema))
	for i, f := range schema {
		name, raw, ok := strings.Cut(segs[i], "=")
		if !ok {
			return nil, formatError(path, "segment %q is not key=value", segs[i])
		}
		if name != f.Name {
			return nil, formatError(path, "segment %d is %q, schema expects %q", i, name, f.Name)
		}
		v, err := types.Unescape(f.Type, raw)
		if err != nil {
			return nil, nerrors.NewFormatError(nerrors.CodeInvalidPartitionPath,
				fmt.Sprintf("partition path %q: key %q", path, f.Name), err)
		}
		// Parse accepts more layouts than Escape produces; only the
		// canonical form names a partition.
		if canon, err := types.Escape(f.Type, v); err != nil || canon != raw {
			return nil, formatError(path, "key %q value %q is not in canonical %s form", f.Name, raw, f.Type)
		}
		key[f.Name] = v
	}
	return key, nil
}

func formatError(path, format string, args ...any) error {
	return nerrors.NewFormatError(nerrors.CodeInvalidPartitionPath,
		fmt.Sprintf("partition path %q: %s", path, fmt.Sprintf(format, args...)), nil)
}
