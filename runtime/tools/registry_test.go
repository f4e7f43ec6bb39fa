package tools_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentflow/intentflow/runtime/fault"
	"github.com/intentflow/intentflow/runtime/tools"
)

func bookRide() tools.Descriptor {
	return tools.Descriptor{
		Name:    "book_ride",
		Version: "1.0.0",
		Params: map[string]tools.Field{
			"destination": {Type: "string", Required: true},
			"passengers":  {Type: "integer"},
		},
		Aliases: map[string]string{"dest": "destination"},
		Compensation: &tools.CompensationSpec{
			Tool: "cancel_ride",
			MapParams: func(input, output map[string]any) map[string]any {
				return map[string]any{"ride_id": output["ride_id"]}
			},
		},
	}
}

func TestRegisterDefaultsTimeout(t *testing.T) {
	r := tools.NewRegistry()
	require.NoError(t, r.Register(bookRide()))
	d, ok := r.Lookup("book_ride")
	require.True(t, ok)
	assert.Equal(t, tools.DefaultTimeoutMS, d.TimeoutMS)
}

func TestRegisterRejectsBadDescriptors(t *testing.T) {
	r := tools.NewRegistry()

	assert.Error(t, r.Register(tools.Descriptor{}), "missing name")

	assert.Error(t, r.Register(tools.Descriptor{
		Name:   "bad_type",
		Params: map[string]tools.Field{"x": {Type: "varchar"}},
	}), "unknown field type")

	assert.Error(t, r.Register(tools.Descriptor{
		Name:    "bad_alias",
		Params:  map[string]tools.Field{"x": {Type: "string"}},
		Aliases: map[string]string{"y": "missing"},
	}), "alias targeting undeclared parameter")

	assert.Error(t, r.Register(tools.Descriptor{
		Name:    "alias_collision",
		Params:  map[string]tools.Field{"x": {Type: "string"}, "y": {Type: "string"}},
		Aliases: map[string]string{"y": "x"},
	}), "alias shadowing a declared parameter")

	assert.Error(t, r.Register(tools.Descriptor{
		Name:         "bad_comp",
		Compensation: &tools.CompensationSpec{},
	}), "compensation without tool name")

	assert.Error(t, r.Register(tools.Descriptor{
		Name:      "bad_timeout",
		TimeoutMS: -1,
	}), "negative timeout")
}

func TestRegisterReplaces(t *testing.T) {
	r := tools.NewRegistry()
	require.NoError(t, r.Register(bookRide()))

	upgraded := bookRide()
	upgraded.Version = "2.0.0"
	require.NoError(t, r.Register(upgraded))

	d, ok := r.Lookup("book_ride")
	require.True(t, ok)
	assert.Equal(t, "2.0.0", d.Version)
	assert.Equal(t, []string{"book_ride"}, r.Names())
}

func TestValidateParams(t *testing.T) {
	r := tools.NewRegistry()
	require.NoError(t, r.Register(bookRide()))

	t.Run("valid", func(t *testing.T) {
		err := r.ValidateParams("book_ride", map[string]any{
			"destination": "airport",
			"passengers":  2,
		})
		assert.NoError(t, err)
	})

	t.Run("missing required", func(t *testing.T) {
		err := r.ValidateParams("book_ride", map[string]any{"passengers": 2})
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.ToolValidationFailed))
	})

	t.Run("wrong type", func(t *testing.T) {
		err := r.ValidateParams("book_ride", map[string]any{
			"destination": "airport",
			"passengers":  "two",
		})
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.ToolValidationFailed))
	})

	t.Run("extra fields allowed", func(t *testing.T) {
		err := r.ValidateParams("book_ride", map[string]any{
			"destination": "airport",
			"dest":        "airport",
			"note":        "front entrance",
		})
		assert.NoError(t, err)
	})

	t.Run("unknown tool", func(t *testing.T) {
		err := r.ValidateParams("missing", nil)
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.ToolNotFound))
	})

	t.Run("nil params checked against required", func(t *testing.T) {
		err := r.ValidateParams("book_ride", nil)
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.ToolValidationFailed))
	})
}

func TestSnapshotAll(t *testing.T) {
	r := tools.NewRegistry()
	require.NoError(t, r.Register(bookRide()))
	require.NoError(t, r.Register(tools.Descriptor{
		Name:    "book_hotel",
		Version: "1.0.0",
		Params:  map[string]tools.Field{"city": {Type: "string", Required: true}},
	}))

	snaps := r.SnapshotAll([]string{"book_ride", "book_hotel", "book_ride", "unregistered"})
	require.Len(t, snaps, 2, "duplicates and unknown names are skipped")
	assert.Equal(t, "book_hotel", snaps[0].Name)
	assert.Equal(t, "book_ride", snaps[1].Name)
	assert.NotEmpty(t, snaps[0].SchemaHash)
}

func TestCompensationFor(t *testing.T) {
	r := tools.NewRegistry()
	require.NoError(t, r.Register(bookRide()))
	require.NoError(t, r.Register(tools.Descriptor{Name: "lookup_weather"}))

	spec, ok := r.CompensationFor("book_ride")
	require.True(t, ok)
	assert.Equal(t, "cancel_ride", spec.Tool)
	params := spec.MapParams(nil, map[string]any{"ride_id": "r-1"})
	assert.Equal(t, "r-1", params["ride_id"])

	_, ok = r.CompensationFor("lookup_weather")
	assert.False(t, ok)

	_, ok = r.CompensationFor("missing")
	assert.False(t, ok)
}
