package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionSchema_JSONKeepsOrder(t *testing.T) {
	schema := PartitionSchema{
		{Name: "time_utc", Type: TypeDatetimeMs},
		{Name: "model_run_time_utc", Type: TypeDatetimeMs},
		{Name: "member", Type: TypeInt64},
	}

	data, err := json.Marshal(schema)
	require.NoError(t, err)
	assert.Equal(t, `{"time_utc":"datetime64[ms]","model_run_time_utc":"datetime64[ms]","member":"int64"}`, string(data))

	var back PartitionSchema
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, schema.Equal(back))
}

func TestPartitionSchema_UnmarshalRejectsArray(t *testing.T) {
	var s PartitionSchema
	assert.Error(t, json.Unmarshal([]byte(`["a"]`), &s))
}

func TestPartitionSchema_Validate(t *testing.T) {
	tests := []struct {
		name   string
		schema PartitionSchema
		want   error
	}{
		{"empty", PartitionSchema{}, ErrEmptySchema},
		{"equals in name", PartitionSchema{{Name: "a=b", Type: TypeInt64}}, ErrInvalidKeyName},
		{"slash in name", PartitionSchema{{Name: "a/b", Type: TypeInt64}}, ErrInvalidKeyName},
		{"blank name", PartitionSchema{{Name: "", Type: TypeInt64}}, ErrInvalidKeyName},
		{"duplicate", PartitionSchema{{Name: "a", Type: TypeInt64}, {Name: "a", Type: TypeString}}, ErrDuplicateKey},
		{"unknown type", PartitionSchema{{Name: "a", Type: "uint8"}}, ErrUnknownType},
		{"ok", PartitionSchema{{Name: "a", Type: TypeInt64}, {Name: "b", Type: TypeDatetimeUs}}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schema.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParsePartitionSchema(t *testing.T) {
	s, err := ParsePartitionSchema("model_run_time_utc:datetime64[ms], time_utc:datetime64[ms]")
	require.NoError(t, err)
	assert.Equal(t, []string{"model_run_time_utc", "time_utc"}, s.Names())
	assert.Equal(t, "model_run_time_utc:datetime64[ms],time_utc:datetime64[ms]", s.String())

	_, err = ParsePartitionSchema("nocolon")
	assert.Error(t, err)
}

func TestPartitionSchema_Cast(t *testing.T) {
	schema := PartitionSchema{{Name: "t", Type: TypeDatetimeMs}, {Name: "n", Type: TypeInt64}}

	got, err := schema.Cast(KeyMap{"t": "2024-01-01T00:00:00", "n": 3, "extra": true})
	require.NoError(t, err)
	assert.Equal(t, KeyMap{"t": time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "n": int64(3)}, got)

	_, err = schema.Cast(KeyMap{"t": "2024-01-01T00:00:00"})
	assert.Error(t, err)
}

// TestProperty_EscapeRoundTrip checks that every value of every type survives
// Escape followed by Unescape unchanged.
func TestProperty_EscapeRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("int64 values round-trip", prop.ForAll(
		func(v int64) bool {
			return roundTrips(TypeInt64, v)
		},
		gen.Int64(),
	))

	properties.Property("float64 values round-trip", prop.ForAll(
		func(v float64) bool {
			return roundTrips(TypeFloat64, v)
		},
		gen.Float64(),
	))

	properties.Property("string values round-trip", prop.ForAll(
		func(v string) bool {
			return roundTrips(TypeString, v)
		},
		gen.AnyString(),
	))

	properties.Property("millisecond timestamps round-trip", prop.ForAll(
		func(ms int64) bool {
			return roundTrips(TypeDatetimeMs, time.UnixMilli(ms).UTC())
		},
		gen.Int64Range(0, 4102444800000), // 1970-2100
	))

	properties.Property("microsecond timestamps round-trip", prop.ForAll(
		func(us int64) bool {
			return roundTrips(TypeDatetimeUs, time.UnixMicro(us).UTC())
		},
		gen.Int64Range(0, 4102444800000000),
	))

	properties.TestingRun(t)
}

func roundTrips(t ScalarType, v any) bool {
	seg, err := Escape(t, v)
	if err != nil {
		return false
	}
	back, err := Unescape(t, seg)
	if err != nil {
		return false
	}
	return Equal(v, back)
}
