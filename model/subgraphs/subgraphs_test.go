package subgraphs

import (
	"encoding/json"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adzialocha/graph-node/model"
)

func errorAt(block int64, msg string) SubgraphError {
	return SubgraphError{Message: msg}.AtBlock(BlockPtr{Number: block})
}

func TestInsertErrorKeepsOrderAndBound(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	var errs []SubgraphError
	for i := 0; i < 3*50; i++ {
		errs = InsertError(errs, errorAt(rng.Int63n(100), "e"), 50)
		require.LessOrEqual(t, len(errs), 50)
		require.True(t, sort.SliceIsSorted(errs, func(i, j int) bool {
			return *errs[i].BlockNumber < *errs[j].BlockNumber
		}))
	}
}

func TestInsertErrorEvictsLowestBlocks(t *testing.T) {
	var errs []SubgraphError
	for b := int64(MaxNonFatalErrors + 1); b >= 1; b-- {
		errs = InsertError(errs, errorAt(b, "e"), MaxNonFatalErrors)
	}

	require.Len(t, errs, MaxNonFatalErrors)
	assert.EqualValues(t, 2, *errs[0].BlockNumber)
	assert.EqualValues(t, MaxNonFatalErrors+1, *errs[len(errs)-1].BlockNumber)
}

func TestInsertErrorStableAtSameBlock(t *testing.T) {
	var errs []SubgraphError
	errs = InsertError(errs, errorAt(5, "first"), 10)
	errs = InsertError(errs, errorAt(5, "second"), 10)
	errs = InsertError(errs, SubgraphError{Message: "no block"}, 10)

	require.Len(t, errs, 3)
	assert.Equal(t, "no block", errs[0].Message)
	assert.Equal(t, "first", errs[1].Message)
	assert.Equal(t, "second", errs[2].Message)
}

func TestErrorsUpTo(t *testing.T) {
	errs := []SubgraphError{{Message: "no block"}, errorAt(1, "a"), errorAt(5, "b"), errorAt(9, "c")}
	kept := ErrorsUpTo(errs, 5)
	require.Len(t, kept, 3)
	assert.Equal(t, "b", kept[2].Message)
}

func TestDeploymentValidate(t *testing.T) {
	now := time.Unix(1601378000, 0).UTC()

	t.Run("new deployment is valid", func(t *testing.T) {
		d := NewSubgraphDeployment("QmA", now)
		assert.NoError(t, d.Validate())
		assert.False(t, d.Failed())
	})

	t.Run("failed requires fatal error", func(t *testing.T) {
		d := NewSubgraphDeployment("QmA", now)
		d.Health = Failed
		assert.True(t, model.IsInvariantViolation(d.Validate()))

		d.FatalError = &SubgraphError{Message: "boom"}
		assert.NoError(t, d.Validate())
		assert.True(t, d.Failed())
	})

	t.Run("fatal error requires failed", func(t *testing.T) {
		d := NewSubgraphDeployment("QmA", now)
		d.Health = Unhealthy
		d.FatalError = &SubgraphError{Message: "boom"}
		assert.True(t, model.IsInvariantViolation(d.Validate()))
	})

	t.Run("latest before earliest", func(t *testing.T) {
		d := NewSubgraphDeployment("QmA", now)
		d.SetEarliest(BlockPtr{Number: 10})
		d.SetLatest(BlockPtr{Number: 9})
		assert.True(t, model.IsInvariantViolation(d.Validate()))
	})

	t.Run("reorg depth bounded by max", func(t *testing.T) {
		d := NewSubgraphDeployment("QmA", now)
		d.CurrentReorgDepth = 3
		d.MaxReorgDepth = 2
		assert.True(t, model.IsInvariantViolation(d.Validate()))
	})
}

func TestSubgraphValidate(t *testing.T) {
	s := &Subgraph{ID: SubgraphID("x"), Name: "x"}
	v1 := &SubgraphVersion{ID: "v1", Subgraph: s.ID}
	foreign := &SubgraphVersion{ID: "v2", Subgraph: SubgraphID("y")}

	current := "v1"
	s.CurrentVersion = &current
	assert.NoError(t, s.Validate([]*SubgraphVersion{v1, foreign}))

	s.PendingVersion = &current
	assert.Error(t, s.Validate([]*SubgraphVersion{v1}))

	pending := "v2"
	s.PendingVersion = &pending
	assert.Error(t, s.Validate([]*SubgraphVersion{v1, foreign}))
}

func TestSubgraphIDIsStable(t *testing.T) {
	assert.Equal(t, SubgraphID("uniswap/v2"), SubgraphID("uniswap/v2"))
	assert.NotEqual(t, SubgraphID("uniswap/v2"), SubgraphID("uniswap/v3"))
}

func TestDynamicDataSourceIDsSortInCreationOrder(t *testing.T) {
	ids := []string{DynamicDataSourceID("Qm", 10), DynamicDataSourceID("Qm", 2), DynamicDataSourceID("Qm", 100)}
	sort.Strings(ids)
	assert.Equal(t, []string{DynamicDataSourceID("Qm", 2), DynamicDataSourceID("Qm", 10), DynamicDataSourceID("Qm", 100)}, ids)

	seq, err := DynamicDataSourceSeq(ids[2])
	require.NoError(t, err)
	assert.Equal(t, 100, seq)

	for _, bad := range []string{"Qm", "Qm/abc"} {
		_, err = DynamicDataSourceSeq(bad)
		assert.ErrorContains(t, err, "malformed dynamic data source id")
	}
}

func TestDetailJSONDerivesFailed(t *testing.T) {
	d := NewSubgraphDeployment("QmA", time.Unix(0, 0).UTC())
	d.Health = Failed
	d.FatalError = &SubgraphError{Message: "boom"}

	data, err := json.Marshal(SubgraphDeploymentDetail{Deployment: *d})
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, true, out["failed"])
	assert.Equal(t, "failed", out["health"])
	assert.Nil(t, out["nodeId"])
}
