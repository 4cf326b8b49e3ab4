package v1

// Schema version 1.2 indexes errors by the deployment that raised them

func init() {
	patches.Register(
		2,
		`
	CREATE INDEX IF NOT EXISTS registry_entities_error_subgraph_idx
		ON {{ .SchemaName | default "public"}}.registry_entities ((data -> 'subgraphId'))
		WHERE entity_type = 'SubgraphError';
`)
}
