package subgraphs

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/adzialocha/graph-node/model"
	"github.com/adzialocha/graph-node/model/entity"
)

// A DynamicSource is a data source a mapping created at runtime, typically from a template when a factory
// contract deploys a new instance.
type DynamicSource struct {
	Kind      string                 `json:"kind"`
	Name      string                 `json:"name"`
	Network   *string                `json:"network,omitempty"`
	Source    EthereumContractSource `json:"source"`
	Mapping   string                 `json:"mapping"`
	Templates []string               `json:"templates"`
	Context   entity.Entity          `json:"context,omitempty"`
}

// A DynamicEthereumContractDataSource is a dynamic source registered for a deployment at a block. It is immutable
// once created. Ids sort in creation order.
type DynamicEthereumContractDataSource struct {
	ID         string `json:"id"`
	Deployment string `json:"deployment"`
	DynamicSource
	EthereumBlockHash   string    `json:"ethereumBlockHash"`
	EthereumBlockNumber int64     `json:"ethereumBlockNumber"`
	CreatedAt           time.Time `json:"createdAt"`
}

var _ model.Record = (*DynamicEthereumContractDataSource)(nil)

func (ds *DynamicEthereumContractDataSource) EntityType() string { return DynamicDataSourceType }
func (ds *DynamicEthereumContractDataSource) EntityID() string   { return ds.ID }

// DynamicDataSourceID returns the id of the seq'th dynamic data source of a deployment.
func DynamicDataSourceID(deployment string, seq int) string {
	return fmt.Sprintf("%s/%012d", deployment, seq)
}

// DynamicDataSourceSeq extracts the sequence number from a dynamic data source id.
func DynamicDataSourceSeq(id string) (int, error) {
	idx := strings.LastIndexByte(id, '/')
	if idx < 0 {
		return 0, xerrors.Errorf("malformed dynamic data source id %q", id)
	}
	seq, err := strconv.Atoi(id[idx+1:])
	if err != nil {
		return 0, xerrors.Errorf("malformed dynamic data source id %q: %w", id, err)
	}
	return seq, nil
}
