package v1

// Schema version 1.1 indexes the attributes records are looked up by

func init() {
	patches.Register(
		1,
		`
	CREATE INDEX IF NOT EXISTS registry_entities_subgraph_idx
		ON {{ .SchemaName | default "public"}}.registry_entities (entity_type, (data -> 'subgraph'));
	CREATE INDEX IF NOT EXISTS registry_entities_deployment_idx
		ON {{ .SchemaName | default "public"}}.registry_entities (entity_type, (data -> 'deployment'));
	CREATE INDEX IF NOT EXISTS registry_entities_name_idx
		ON {{ .SchemaName | default "public"}}.registry_entities (entity_type, (data -> 'name'));
	CREATE INDEX IF NOT EXISTS registry_entities_node_idx
		ON {{ .SchemaName | default "public"}}.registry_entities (entity_type, (data -> 'nodeId'));
`)
}
