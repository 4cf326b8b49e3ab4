// Package subgraphs defines the records the registry keeps about hosted subgraphs: names, versions, deployments,
// node assignments and the content-addressed manifest tree.
package subgraphs

import (
	"time"

	"github.com/google/uuid"

	"github.com/adzialocha/graph-node/model"
)

const (
	SubgraphType                     = "Subgraph"
	SubgraphVersionType              = "SubgraphVersion"
	SubgraphDeploymentType           = "SubgraphDeployment"
	SubgraphDeploymentAssignmentType = "SubgraphDeploymentAssignment"
	SubgraphErrorType                = "SubgraphError"
	DynamicDataSourceType            = "DynamicEthereumContractDataSource"
	EthereumNetworkType              = "EthereumNetwork"
)

// subgraphNamespace scopes the name-derived subgraph ids.
var subgraphNamespace = uuid.MustParse("0c5ed453-2246-4a2c-a2b1-43f5c54d1e0e")

// SubgraphID returns the id of the subgraph with the given name. Ids are derived from names so that two
// concurrent first deploys of a name collide on the same record.
func SubgraphID(name string) string {
	return uuid.NewSHA1(subgraphNamespace, []byte(name)).String()
}

// A Subgraph is a named, user facing pointer to deployments. Its versions are not stored on the record; they are
// found by scanning SubgraphVersion records for this subgraph.
type Subgraph struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	CurrentVersion *string   `json:"currentVersion,omitempty"`
	PendingVersion *string   `json:"pendingVersion,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

var _ model.Record = (*Subgraph)(nil)

func (s *Subgraph) EntityType() string { return SubgraphType }
func (s *Subgraph) EntityID() string   { return s.ID }

// Validate checks the version pointers of the subgraph against its versions.
func (s *Subgraph) Validate(versions []*SubgraphVersion) error {
	if s.CurrentVersion != nil && s.PendingVersion != nil && *s.CurrentVersion == *s.PendingVersion {
		return &model.InvariantViolationError{Field: "pendingVersion", Reason: "pending version equals current version " + *s.CurrentVersion}
	}

	owned := map[string]bool{}
	for _, v := range versions {
		if v.Subgraph == s.ID {
			owned[v.ID] = true
		}
	}
	if s.CurrentVersion != nil && !owned[*s.CurrentVersion] {
		return &model.InvariantViolationError{Field: "currentVersion", Reason: "version " + *s.CurrentVersion + " does not belong to subgraph " + s.Name}
	}
	if s.PendingVersion != nil && !owned[*s.PendingVersion] {
		return &model.InvariantViolationError{Field: "pendingVersion", Reason: "version " + *s.PendingVersion + " does not belong to subgraph " + s.Name}
	}
	return nil
}

// A SubgraphVersion points a subgraph at a deployment. Versions are immutable once created; several versions may
// point at the same deployment.
type SubgraphVersion struct {
	ID         string    `json:"id"`
	Subgraph   string    `json:"subgraph"`
	Deployment string    `json:"deployment"`
	CreatedAt  time.Time `json:"createdAt"`
}

var _ model.Record = (*SubgraphVersion)(nil)

func (v *SubgraphVersion) EntityType() string { return SubgraphVersionType }
func (v *SubgraphVersion) EntityID() string   { return v.ID }

// A SubgraphDeploymentAssignment records the node indexing a deployment. It is keyed by the deployment id, so a
// deployment can have at most one.
type SubgraphDeploymentAssignment struct {
	ID     string `json:"id"`
	NodeID string `json:"nodeId"`
	Cost   int64  `json:"cost"`
}

var _ model.Record = (*SubgraphDeploymentAssignment)(nil)

func (a *SubgraphDeploymentAssignment) EntityType() string { return SubgraphDeploymentAssignmentType }
func (a *SubgraphDeploymentAssignment) EntityID() string   { return a.ID }

// An EthereumNetwork holds the chain head last reported for a network.
type EthereumNetwork struct {
	ID              string    `json:"id"`
	HeadBlockHash   string    `json:"headBlockHash"`
	HeadBlockNumber int64     `json:"headBlockNumber"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

var _ model.Record = (*EthereumNetwork)(nil)

func (n *EthereumNetwork) EntityType() string { return EthereumNetworkType }
func (n *EthereumNetwork) EntityID() string   { return n.ID }
