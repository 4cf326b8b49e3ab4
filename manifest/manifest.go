// Package manifest parses subgraph manifests and stores them as a content-addressed tree of immutable records.
package manifest

import (
	"io"
	"os"
	"strconv"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/adzialocha/graph-node/model"
)

// A Manifest describes what a deployment indexes. It follows the layout of a subgraph.yaml file.
type Manifest struct {
	SpecVersion string       `yaml:"specVersion" json:"specVersion"`
	Description *string      `yaml:"description,omitempty" json:"description,omitempty"`
	Repository  *string      `yaml:"repository,omitempty" json:"repository,omitempty"`
	Features    []string     `yaml:"features,omitempty" json:"features,omitempty"`
	Schema      Schema       `yaml:"schema" json:"schema"`
	DataSources []DataSource `yaml:"dataSources" json:"dataSources"`
	Templates   []Template   `yaml:"templates,omitempty" json:"templates,omitempty"`
}

type Schema struct {
	File string `yaml:"file" json:"file"`
}

type DataSource struct {
	Kind    string  `yaml:"kind" json:"kind"`
	Name    string  `yaml:"name" json:"name"`
	Network *string `yaml:"network,omitempty" json:"network,omitempty"`
	Source  Source  `yaml:"source" json:"source"`
	Mapping Mapping `yaml:"mapping" json:"mapping"`
}

type Source struct {
	Address    *string `yaml:"address,omitempty" json:"address,omitempty"`
	Abi        string  `yaml:"abi" json:"abi"`
	StartBlock int64   `yaml:"startBlock,omitempty" json:"startBlock,omitempty"`
}

type Template struct {
	Kind    string         `yaml:"kind" json:"kind"`
	Name    string         `yaml:"name" json:"name"`
	Network *string        `yaml:"network,omitempty" json:"network,omitempty"`
	Source  TemplateSource `yaml:"source" json:"source"`
	Mapping Mapping        `yaml:"mapping" json:"mapping"`
}

type TemplateSource struct {
	Abi string `yaml:"abi" json:"abi"`
}

type Mapping struct {
	Kind          string         `yaml:"kind" json:"kind"`
	APIVersion    string         `yaml:"apiVersion" json:"apiVersion"`
	Language      string         `yaml:"language" json:"language"`
	File          string         `yaml:"file" json:"file"`
	Entities      []string       `yaml:"entities,omitempty" json:"entities,omitempty"`
	Abis          []Abi          `yaml:"abis,omitempty" json:"abis,omitempty"`
	BlockHandlers []BlockHandler `yaml:"blockHandlers,omitempty" json:"blockHandlers,omitempty"`
	CallHandlers  []CallHandler  `yaml:"callHandlers,omitempty" json:"callHandlers,omitempty"`
	EventHandlers []EventHandler `yaml:"eventHandlers,omitempty" json:"eventHandlers,omitempty"`
}

type Abi struct {
	Name string `yaml:"name" json:"name"`
	File string `yaml:"file" json:"file"`
}

type BlockHandler struct {
	Handler string              `yaml:"handler" json:"handler"`
	Filter  *BlockHandlerFilter `yaml:"filter,omitempty" json:"filter,omitempty"`
}

type BlockHandlerFilter struct {
	Kind string `yaml:"kind" json:"kind"`
}

type CallHandler struct {
	Function string `yaml:"function" json:"function"`
	Handler  string `yaml:"handler" json:"handler"`
}

type EventHandler struct {
	Event   string  `yaml:"event" json:"event"`
	Topic0  *string `yaml:"topic0,omitempty" json:"topic0,omitempty"`
	Handler string  `yaml:"handler" json:"handler"`
}

// Network returns the network of the first data source.
func (m *Manifest) Network() *string {
	if len(m.DataSources) == 0 {
		return nil
	}
	return m.DataSources[0].Network
}

// Validate checks the fields required to index a manifest.
func (m *Manifest) Validate() error {
	violation := func(field, reason string) error {
		return &model.InvariantViolationError{Field: field, Reason: reason}
	}

	if m.SpecVersion == "" {
		return violation("specVersion", "required")
	}
	if m.Schema.File == "" {
		return violation("schema.file", "required")
	}
	names := map[string]bool{}
	for i, ds := range m.DataSources {
		field := "dataSources[" + strconv.Itoa(i) + "]"
		if ds.Kind == "" {
			return violation(field+".kind", "required")
		}
		if ds.Name == "" {
			return violation(field+".name", "required")
		}
		if names[ds.Name] {
			return violation(field+".name", "duplicate data source name "+strconv.Quote(ds.Name))
		}
		names[ds.Name] = true
		if ds.Mapping.File == "" {
			return violation(field+".mapping.file", "required")
		}
		if ds.Source.StartBlock < 0 {
			return violation(field+".source.startBlock", "negative start block")
		}
	}
	for i, t := range m.Templates {
		field := "templates[" + strconv.Itoa(i) + "]"
		if t.Name == "" {
			return violation(field+".name", "required")
		}
		if t.Mapping.File == "" {
			return violation(field+".mapping.file", "required")
		}
	}
	return nil
}

// Parse decodes and validates a YAML manifest.
func Parse(r io.Reader) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, xerrors.Errorf("decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load parses the manifest file at path.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("open manifest: %w", err)
	}
	defer f.Close() // nolint: errcheck
	return Parse(f)
}
