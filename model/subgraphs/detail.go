package subgraphs

import "encoding/json"

// SubgraphDeploymentDetail is a read-only view of a deployment joined with the head of its network and its node
// assignment. It is computed on demand and never stored, so it does not implement model.Record.
type SubgraphDeploymentDetail struct {
	Deployment SubgraphDeployment

	// Network is the network of the deployment's first data source.
	Network *string
	// EthereumHeadBlockHash and EthereumHeadBlockNumber are the chain head of Network, if known.
	EthereumHeadBlockHash   *string
	EthereumHeadBlockNumber *int64
	// NodeID is the node the deployment is assigned to, or nil if it is unassigned.
	NodeID *string
}

// BlocksBehind returns how far the deployment lags behind its network head.
func (d *SubgraphDeploymentDetail) BlocksBehind() (int64, bool) {
	if d.EthereumHeadBlockNumber == nil || d.Deployment.LatestEthereumBlockNumber == nil {
		return 0, false
	}
	behind := *d.EthereumHeadBlockNumber - *d.Deployment.LatestEthereumBlockNumber
	if behind < 0 {
		behind = 0
	}
	return behind, true
}

type detailJSON struct {
	SubgraphDeployment
	Failed                  bool    `json:"failed"`
	Network                 *string `json:"network,omitempty"`
	EthereumHeadBlockHash   *string `json:"ethereumHeadBlockHash,omitempty"`
	EthereumHeadBlockNumber *int64  `json:"ethereumHeadBlockNumber,omitempty"`
	NodeID                  *string `json:"nodeId"`
}

// MarshalJSON renders the detail with the derived failed flag.
func (d SubgraphDeploymentDetail) MarshalJSON() ([]byte, error) {
	return json.Marshal(detailJSON{
		SubgraphDeployment:      d.Deployment,
		Failed:                  d.Deployment.Failed(),
		Network:                 d.Network,
		EthereumHeadBlockHash:   d.EthereumHeadBlockHash,
		EthereumHeadBlockNumber: d.EthereumHeadBlockNumber,
		NodeID:                  d.NodeID,
	})
}
