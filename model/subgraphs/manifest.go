package subgraphs

import "github.com/adzialocha/graph-node/model"

// Manifest tree records. Every node is immutable and addressed by the content id of its canonical encoding, with
// child nodes referenced by their ids. Identical subtrees are therefore stored once and shared between manifests.
// The id itself is excluded from the encoding.
const (
	SubgraphManifestType                   = "SubgraphManifest"
	EthereumContractDataSourceType         = "EthereumContractDataSource"
	EthereumContractDataSourceTemplateType = "EthereumContractDataSourceTemplate"
	EthereumContractMappingType            = "EthereumContractMapping"
	EthereumContractAbiType                = "EthereumContractAbi"
	EthereumBlockHandlerEntityType         = "EthereumBlockHandlerEntity"
	EthereumCallHandlerEntityType          = "EthereumCallHandlerEntity"
	EthereumContractEventHandlerType       = "EthereumContractEventHandler"
)

// ManifestTypes lists the entity types of all manifest tree nodes.
var ManifestTypes = []string{
	SubgraphManifestType,
	EthereumContractDataSourceType,
	EthereumContractDataSourceTemplateType,
	EthereumContractMappingType,
	EthereumContractAbiType,
	EthereumBlockHandlerEntityType,
	EthereumCallHandlerEntityType,
	EthereumContractEventHandlerType,
}

type SubgraphManifest struct {
	ID          string   `json:"id" cbor:"-"`
	SpecVersion string   `json:"specVersion" cbor:"specVersion"`
	Description *string  `json:"description,omitempty" cbor:"description"`
	Repository  *string  `json:"repository,omitempty" cbor:"repository"`
	Features    []string `json:"features" cbor:"features"`
	Schema      string   `json:"schema" cbor:"schema"`
	DataSources []string `json:"dataSources" cbor:"dataSources"`
	Templates   []string `json:"templates" cbor:"templates"`
}

func (m *SubgraphManifest) EntityType() string { return SubgraphManifestType }
func (m *SubgraphManifest) EntityID() string   { return m.ID }

type EthereumContractSource struct {
	Address    *string `json:"address,omitempty" cbor:"address"`
	Abi        string  `json:"abi" cbor:"abi"`
	StartBlock int64   `json:"startBlock" cbor:"startBlock"`
}

type EthereumContractDataSource struct {
	ID      string                 `json:"id" cbor:"-"`
	Kind    string                 `json:"kind" cbor:"kind"`
	Name    string                 `json:"name" cbor:"name"`
	Network *string                `json:"network,omitempty" cbor:"network"`
	Source  EthereumContractSource `json:"source" cbor:"source"`
	Mapping string                 `json:"mapping" cbor:"mapping"`
}

func (ds *EthereumContractDataSource) EntityType() string { return EthereumContractDataSourceType }
func (ds *EthereumContractDataSource) EntityID() string   { return ds.ID }

type EthereumContractSourceTemplate struct {
	Abi string `json:"abi" cbor:"abi"`
}

type EthereumContractDataSourceTemplate struct {
	ID      string                         `json:"id" cbor:"-"`
	Kind    string                         `json:"kind" cbor:"kind"`
	Name    string                         `json:"name" cbor:"name"`
	Network *string                        `json:"network,omitempty" cbor:"network"`
	Source  EthereumContractSourceTemplate `json:"source" cbor:"source"`
	Mapping string                         `json:"mapping" cbor:"mapping"`
}

func (t *EthereumContractDataSourceTemplate) EntityType() string {
	return EthereumContractDataSourceTemplateType
}
func (t *EthereumContractDataSourceTemplate) EntityID() string { return t.ID }

type EthereumContractMapping struct {
	ID            string   `json:"id" cbor:"-"`
	Kind          string   `json:"kind" cbor:"kind"`
	APIVersion    string   `json:"apiVersion" cbor:"apiVersion"`
	Language      string   `json:"language" cbor:"language"`
	File          string   `json:"file" cbor:"file"`
	Entities      []string `json:"entities" cbor:"entities"`
	Abis          []string `json:"abis" cbor:"abis"`
	BlockHandlers []string `json:"blockHandlers" cbor:"blockHandlers"`
	CallHandlers  []string `json:"callHandlers" cbor:"callHandlers"`
	EventHandlers []string `json:"eventHandlers" cbor:"eventHandlers"`
}

func (m *EthereumContractMapping) EntityType() string { return EthereumContractMappingType }
func (m *EthereumContractMapping) EntityID() string   { return m.ID }

type EthereumContractAbi struct {
	ID   string `json:"id" cbor:"-"`
	Name string `json:"name" cbor:"name"`
	File string `json:"file" cbor:"file"`
}

func (a *EthereumContractAbi) EntityType() string { return EthereumContractAbiType }
func (a *EthereumContractAbi) EntityID() string   { return a.ID }

type EthereumBlockHandlerFilterEntity struct {
	Kind string `json:"kind" cbor:"kind"`
}

type EthereumBlockHandlerEntity struct {
	ID      string                            `json:"id" cbor:"-"`
	Handler string                            `json:"handler" cbor:"handler"`
	Filter  *EthereumBlockHandlerFilterEntity `json:"filter,omitempty" cbor:"filter"`
}

func (h *EthereumBlockHandlerEntity) EntityType() string { return EthereumBlockHandlerEntityType }
func (h *EthereumBlockHandlerEntity) EntityID() string   { return h.ID }

type EthereumCallHandlerEntity struct {
	ID       string `json:"id" cbor:"-"`
	Function string `json:"function" cbor:"function"`
	Handler  string `json:"handler" cbor:"handler"`
}

func (h *EthereumCallHandlerEntity) EntityType() string { return EthereumCallHandlerEntityType }
func (h *EthereumCallHandlerEntity) EntityID() string   { return h.ID }

type EthereumContractEventHandler struct {
	ID      string  `json:"id" cbor:"-"`
	Event   string  `json:"event" cbor:"event"`
	Topic0  *string `json:"topic0,omitempty" cbor:"topic0"`
	Handler string  `json:"handler" cbor:"handler"`
}

func (h *EthereumContractEventHandler) EntityType() string { return EthereumContractEventHandlerType }
func (h *EthereumContractEventHandler) EntityID() string   { return h.ID }

// A ManifestNode is a record of the manifest tree. Its id is assigned once its content id is known.
type ManifestNode interface {
	model.Record
	SetID(id string)
}

func (m *SubgraphManifest) SetID(id string) { m.ID = id }
func (ds *EthereumContractDataSource) SetID(id string) { ds.ID = id }
func (t *EthereumContractDataSourceTemplate) SetID(id string) { t.ID = id }
func (m *EthereumContractMapping) SetID(id string) { m.ID = id }
func (a *EthereumContractAbi) SetID(id string) { a.ID = id }
func (h *EthereumBlockHandlerEntity) SetID(id string) { h.ID = id }
func (h *EthereumCallHandlerEntity) SetID(id string) { h.ID = id }
func (h *EthereumContractEventHandler) SetID(id string) { h.ID = id }

var (
	_ ManifestNode = (*SubgraphManifest)(nil)
	_ ManifestNode = (*EthereumContractDataSource)(nil)
	_ ManifestNode = (*EthereumContractDataSourceTemplate)(nil)
	_ ManifestNode = (*EthereumContractMapping)(nil)
	_ ManifestNode = (*EthereumContractAbi)(nil)
	_ ManifestNode = (*EthereumBlockHandlerEntity)(nil)
	_ ManifestNode = (*EthereumCallHandlerEntity)(nil)
	_ ManifestNode = (*EthereumContractEventHandler)(nil)
)
