package manifest

import (
	"context"

	"github.com/fxamacker/cbor/v2"
	cbornode "github.com/ipfs/go-ipld-cbor"
	"github.com/multiformats/go-multihash"
	"golang.org/x/xerrors"

	"github.com/adzialocha/graph-node/model"
	"github.com/adzialocha/graph-node/model/subgraphs"
	"github.com/adzialocha/graph-node/storage"
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// NodeID returns the content id of a manifest node: the dag-cbor CIDv1 of the node tagged with its entity type,
// hashed with sha2-256. The node's own id is not encoded.
func NodeID(n model.Record) (string, error) {
	data, err := encMode.Marshal([]interface{}{n.EntityType(), n})
	if err != nil {
		return "", xerrors.Errorf("encode %s: %w", n.EntityType(), err)
	}
	// Decode re-encodes the generic form as canonical dag-cbor.
	nd, err := cbornode.Decode(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", xerrors.Errorf("hash %s: %w", n.EntityType(), err)
	}
	return nd.Cid().String(), nil
}

// tree flattens a manifest into its nodes, children before parents. Shared subtrees appear once.
type tree struct {
	nodes []subgraphs.ManifestNode
	seen  map[model.Key]bool
}

func (t *tree) add(n subgraphs.ManifestNode) (string, error) {
	id, err := NodeID(n)
	if err != nil {
		return "", err
	}
	n.SetID(id)
	key := model.KeyOf(n)
	if !t.seen[key] {
		t.seen[key] = true
		t.nodes = append(t.nodes, n)
	}
	return id, nil
}

// Build computes the manifest id and the records of its tree without storing them.
func Build(m *Manifest) (string, []subgraphs.ManifestNode, error) {
	t := &tree{seen: map[model.Key]bool{}}

	root := &subgraphs.SubgraphManifest{
		SpecVersion: m.SpecVersion,
		Description: m.Description,
		Repository:  m.Repository,
		Features:    orEmpty(m.Features),
		Schema:      m.Schema.File,
		DataSources: []string{},
		Templates:   []string{},
	}

	for _, ds := range m.DataSources {
		mapping, err := t.addMapping(ds.Mapping)
		if err != nil {
			return "", nil, err
		}
		id, err := t.add(&subgraphs.EthereumContractDataSource{
			Kind:    ds.Kind,
			Name:    ds.Name,
			Network: ds.Network,
			Source: subgraphs.EthereumContractSource{
				Address:    ds.Source.Address,
				Abi:        ds.Source.Abi,
				StartBlock: ds.Source.StartBlock,
			},
			Mapping: mapping,
		})
		if err != nil {
			return "", nil, err
		}
		root.DataSources = append(root.DataSources, id)
	}

	for _, tpl := range m.Templates {
		mapping, err := t.addMapping(tpl.Mapping)
		if err != nil {
			return "", nil, err
		}
		id, err := t.add(&subgraphs.EthereumContractDataSourceTemplate{
			Kind:    tpl.Kind,
			Name:    tpl.Name,
			Network: tpl.Network,
			Source:  subgraphs.EthereumContractSourceTemplate{Abi: tpl.Source.Abi},
			Mapping: mapping,
		})
		if err != nil {
			return "", nil, err
		}
		root.Templates = append(root.Templates, id)
	}

	id, err := t.add(root)
	if err != nil {
		return "", nil, err
	}
	return id, t.nodes, nil
}

func (t *tree) addMapping(m Mapping) (string, error) {
	rec := &subgraphs.EthereumContractMapping{
		Kind:          m.Kind,
		APIVersion:    m.APIVersion,
		Language:      m.Language,
		File:          m.File,
		Entities:      orEmpty(m.Entities),
		Abis:          []string{},
		BlockHandlers: []string{},
		CallHandlers:  []string{},
		EventHandlers: []string{},
	}

	for _, abi := range m.Abis {
		id, err := t.add(&subgraphs.EthereumContractAbi{Name: abi.Name, File: abi.File})
		if err != nil {
			return "", err
		}
		rec.Abis = append(rec.Abis, id)
	}
	for _, h := range m.BlockHandlers {
		n := &subgraphs.EthereumBlockHandlerEntity{Handler: h.Handler}
		if h.Filter != nil {
			n.Filter = &subgraphs.EthereumBlockHandlerFilterEntity{Kind: h.Filter.Kind}
		}
		id, err := t.add(n)
		if err != nil {
			return "", err
		}
		rec.BlockHandlers = append(rec.BlockHandlers, id)
	}
	for _, h := range m.CallHandlers {
		id, err := t.add(&subgraphs.EthereumCallHandlerEntity{Function: h.Function, Handler: h.Handler})
		if err != nil {
			return "", err
		}
		rec.CallHandlers = append(rec.CallHandlers, id)
	}
	for _, h := range m.EventHandlers {
		id, err := t.add(&subgraphs.EthereumContractEventHandler{Event: h.Event, Topic0: h.Topic0, Handler: h.Handler})
		if err != nil {
			return "", err
		}
		rec.EventHandlers = append(rec.EventHandlers, id)
	}
	return t.add(rec)
}

// load assembles the manifest with the given root id from r.
func load(ctx context.Context, r storage.Reader, id string) (*Manifest, error) {
	var root subgraphs.SubgraphManifest
	if err := r.Get(ctx, subgraphs.SubgraphManifestType, id, &root); err != nil {
		return nil, err
	}

	m := &Manifest{
		SpecVersion: root.SpecVersion,
		Description: root.Description,
		Repository:  root.Repository,
		Features:    nilIfEmpty(root.Features),
		Schema:      Schema{File: root.Schema},
	}

	for _, dsID := range root.DataSources {
		var ds subgraphs.EthereumContractDataSource
		if err := r.Get(ctx, subgraphs.EthereumContractDataSourceType, dsID, &ds); err != nil {
			return nil, err
		}
		mapping, err := loadMapping(ctx, r, ds.Mapping)
		if err != nil {
			return nil, err
		}
		m.DataSources = append(m.DataSources, DataSource{
			Kind:    ds.Kind,
			Name:    ds.Name,
			Network: ds.Network,
			Source: Source{
				Address:    ds.Source.Address,
				Abi:        ds.Source.Abi,
				StartBlock: ds.Source.StartBlock,
			},
			Mapping: *mapping,
		})
	}

	for _, tplID := range root.Templates {
		var tpl subgraphs.EthereumContractDataSourceTemplate
		if err := r.Get(ctx, subgraphs.EthereumContractDataSourceTemplateType, tplID, &tpl); err != nil {
			return nil, err
		}
		mapping, err := loadMapping(ctx, r, tpl.Mapping)
		if err != nil {
			return nil, err
		}
		m.Templates = append(m.Templates, Template{
			Kind:    tpl.Kind,
			Name:    tpl.Name,
			Network: tpl.Network,
			Source:  TemplateSource{Abi: tpl.Source.Abi},
			Mapping: *mapping,
		})
	}
	return m, nil
}

func loadMapping(ctx context.Context, r storage.Reader, id string) (*Mapping, error) {
	var rec subgraphs.EthereumContractMapping
	if err := r.Get(ctx, subgraphs.EthereumContractMappingType, id, &rec); err != nil {
		return nil, err
	}

	m := &Mapping{
		Kind:       rec.Kind,
		APIVersion: rec.APIVersion,
		Language:   rec.Language,
		File:       rec.File,
		Entities:   nilIfEmpty(rec.Entities),
	}
	for _, abiID := range rec.Abis {
		var abi subgraphs.EthereumContractAbi
		if err := r.Get(ctx, subgraphs.EthereumContractAbiType, abiID, &abi); err != nil {
			return nil, err
		}
		m.Abis = append(m.Abis, Abi{Name: abi.Name, File: abi.File})
	}
	for _, hID := range rec.BlockHandlers {
		var h subgraphs.EthereumBlockHandlerEntity
		if err := r.Get(ctx, subgraphs.EthereumBlockHandlerEntityType, hID, &h); err != nil {
			return nil, err
		}
		bh := BlockHandler{Handler: h.Handler}
		if h.Filter != nil {
			bh.Filter = &BlockHandlerFilter{Kind: h.Filter.Kind}
		}
		m.BlockHandlers = append(m.BlockHandlers, bh)
	}
	for _, hID := range rec.CallHandlers {
		var h subgraphs.EthereumCallHandlerEntity
		if err := r.Get(ctx, subgraphs.EthereumCallHandlerEntityType, hID, &h); err != nil {
			return nil, err
		}
		m.CallHandlers = append(m.CallHandlers, CallHandler{Function: h.Function, Handler: h.Handler})
	}
	for _, hID := range rec.EventHandlers {
		var h subgraphs.EthereumContractEventHandler
		if err := r.Get(ctx, subgraphs.EthereumContractEventHandlerType, hID, &h); err != nil {
			return nil, err
		}
		m.EventHandlers = append(m.EventHandlers, EventHandler{Event: h.Event, Topic0: h.Topic0, Handler: h.Handler})
	}
	return m, nil
}

// orEmpty normalizes a list so that an absent and an empty list encode the same way.
func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nilIfEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}
