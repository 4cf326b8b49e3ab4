package v1

import (
	"testing"
	"text/template"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adzialocha/graph-node/schemas"
)

func TestPatchesAreContiguous(t *testing.T) {
	coll, err := GetPatches(schemas.Config{SchemaName: "public"})
	require.NoError(t, err)

	ms := coll.Migrations()
	require.Len(t, ms, Version().Patch)
	for i, m := range ms {
		assert.EqualValues(t, i+1, m.Version)
	}
}

func TestBaseUsesSchemaName(t *testing.T) {
	sql, err := GetBase(schemas.Config{SchemaName: "registry"})
	require.NoError(t, err)
	assert.Contains(t, sql, "SET search_path TO registry,public;")
	assert.Contains(t, sql, "registry.registry_entities")

	sql, err = GetBase(schemas.Config{})
	require.NoError(t, err)
	assert.NotContains(t, sql, "search_path")
	assert.Contains(t, sql, "public.registry_entities")
}

func TestMissingPatchIsReported(t *testing.T) {
	pl := patchList{pm: map[int]*template.Template{}}
	pl.Register(2, `SELECT 1;`)
	_, err := pl.Collection(schemas.Config{SchemaName: "public"})
	assert.Error(t, err)
}
