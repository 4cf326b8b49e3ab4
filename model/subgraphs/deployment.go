package subgraphs

import (
	"sort"
	"strconv"
	"time"

	"github.com/adzialocha/graph-node/model"
)

// MaxNonFatalErrors is the number of non-fatal errors kept on a deployment. Errors with the lowest block numbers
// are evicted first.
const MaxNonFatalErrors = 1000

// Health is the aggregate indexing status of a deployment.
type Health string

const (
	// Healthy deployments have not encountered any errors.
	Healthy Health = "healthy"
	// Unhealthy deployments have encountered non-fatal errors and continue indexing.
	Unhealthy Health = "unhealthy"
	// Failed deployments have encountered a fatal error and have stopped indexing.
	Failed Health = "failed"
)

func (h Health) Valid() bool {
	switch h {
	case Healthy, Unhealthy, Failed:
		return true
	}
	return false
}

// A BlockPtr identifies a block by number and, when known, hash.
type BlockPtr struct {
	Hash   string `json:"hash,omitempty"`
	Number int64  `json:"number"`
}

func (b BlockPtr) String() string {
	if b.Hash == "" {
		return "#" + strconv.FormatInt(b.Number, 10)
	}
	return "#" + strconv.FormatInt(b.Number, 10) + " (" + b.Hash + ")"
}

// A SubgraphDeployment is the indexing progress of one content-addressed deployment. Its id is the content id of
// its manifest. Dynamic data sources are not stored on the record; they are found by scanning
// DynamicEthereumContractDataSource records for this deployment.
type SubgraphDeployment struct {
	ID       string `json:"id"`
	Manifest string `json:"manifest"`

	Health         Health          `json:"health"`
	Synced         bool            `json:"synced"`
	FatalError     *SubgraphError  `json:"fatalError,omitempty"`
	NonFatalErrors []SubgraphError `json:"nonFatalErrors"`

	EarliestEthereumBlockHash   *string `json:"earliestEthereumBlockHash,omitempty"`
	EarliestEthereumBlockNumber *int64  `json:"earliestEthereumBlockNumber,omitempty"`
	LatestEthereumBlockHash     *string `json:"latestEthereumBlockHash,omitempty"`
	LatestEthereumBlockNumber   *int64  `json:"latestEthereumBlockNumber,omitempty"`

	EntityCount int64 `json:"entityCount"`

	GraftBase        *string `json:"graftBase,omitempty"`
	GraftBlockHash   *string `json:"graftBlockHash,omitempty"`
	GraftBlockNumber *int64  `json:"graftBlockNumber,omitempty"`

	ReorgCount        int64 `json:"reorgCount"`
	CurrentReorgDepth int64 `json:"currentReorgDepth"`
	MaxReorgDepth     int64 `json:"maxReorgDepth"`

	CreatedAt time.Time `json:"createdAt"`
}

var _ model.Record = (*SubgraphDeployment)(nil)

func (d *SubgraphDeployment) EntityType() string { return SubgraphDeploymentType }
func (d *SubgraphDeployment) EntityID() string   { return d.ID }

// NewSubgraphDeployment returns a healthy deployment of a manifest with no progress.
func NewSubgraphDeployment(manifestID string, createdAt time.Time) *SubgraphDeployment {
	return &SubgraphDeployment{
		ID:             manifestID,
		Manifest:       manifestID,
		Health:         Healthy,
		NonFatalErrors: []SubgraphError{},
		CreatedAt:      createdAt,
	}
}

// Failed is the deprecated boolean form of Health.
func (d *SubgraphDeployment) Failed() bool {
	return d.Health == Failed
}

// Latest returns the latest block processed by this deployment.
func (d *SubgraphDeployment) Latest() (BlockPtr, bool) {
	if d.LatestEthereumBlockNumber == nil {
		return BlockPtr{}, false
	}
	return BlockPtr{Hash: deref(d.LatestEthereumBlockHash), Number: *d.LatestEthereumBlockNumber}, true
}

// Earliest returns the first block processed by this deployment.
func (d *SubgraphDeployment) Earliest() (BlockPtr, bool) {
	if d.EarliestEthereumBlockNumber == nil {
		return BlockPtr{}, false
	}
	return BlockPtr{Hash: deref(d.EarliestEthereumBlockHash), Number: *d.EarliestEthereumBlockNumber}, true
}

// SetLatest moves the latest block watermark. An empty hash clears the stored hash.
func (d *SubgraphDeployment) SetLatest(b BlockPtr) {
	d.LatestEthereumBlockNumber = ptr(b.Number)
	d.LatestEthereumBlockHash = optional(b.Hash)
}

// SetEarliest moves the earliest block watermark. An empty hash clears the stored hash.
func (d *SubgraphDeployment) SetEarliest(b BlockPtr) {
	d.EarliestEthereumBlockNumber = ptr(b.Number)
	d.EarliestEthereumBlockHash = optional(b.Hash)
}

// Validate checks the invariants that must hold for every stored deployment.
func (d *SubgraphDeployment) Validate() error {
	violation := func(field, reason string) error {
		return &model.InvariantViolationError{Deployment: d.ID, Field: field, Reason: reason}
	}

	if !d.Health.Valid() {
		return violation("health", "unknown health "+strconv.Quote(string(d.Health)))
	}
	if d.Health == Failed && d.FatalError == nil {
		return violation("fatalError", "failed deployment has no fatal error")
	}
	if d.Health != Failed && d.FatalError != nil {
		return violation("fatalError", "fatal error set on "+string(d.Health)+" deployment")
	}
	if d.EntityCount < 0 {
		return violation("entityCount", "negative entity count")
	}
	if d.CurrentReorgDepth < 0 || d.CurrentReorgDepth > d.MaxReorgDepth {
		return violation("currentReorgDepth", "current reorg depth exceeds max reorg depth")
	}
	if d.LatestEthereumBlockNumber != nil && d.EarliestEthereumBlockNumber != nil &&
		*d.LatestEthereumBlockNumber < *d.EarliestEthereumBlockNumber {
		return violation("latestEthereumBlockNumber", "latest block is before earliest block")
	}
	if len(d.NonFatalErrors) > MaxNonFatalErrors {
		return violation("nonFatalErrors", "more than "+strconv.Itoa(MaxNonFatalErrors)+" errors")
	}
	if !sort.SliceIsSorted(d.NonFatalErrors, func(i, j int) bool {
		return d.NonFatalErrors[i].blockKey() < d.NonFatalErrors[j].blockKey()
	}) {
		return violation("nonFatalErrors", "errors are not sorted by block number")
	}
	return nil
}

func ptr[T any](v T) *T {
	return &v
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
