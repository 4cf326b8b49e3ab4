package v1

// BaseTemplate is the template the initial schema for this major version. The template expects variables to be
// passed using the schema.Config struct. Patches are applied on top of this base.
var BaseTemplate = `

{{- if and .SchemaName (ne .SchemaName "public") }}
SET search_path TO {{ .SchemaName }},public;
{{- end }}

-- Every commit draws record versions from this sequence so versions never repeat, even across deletes.
CREATE SEQUENCE IF NOT EXISTS {{ .SchemaName | default "public"}}.registry_entity_version;

-- ----------------------------------------------------------------
-- Name: registry_entities
-- Model: all registry records, keyed by entity type and id
-- Growth: one row per subgraph, version, deployment, assignment, error, dynamic data source and manifest node
-- ----------------------------------------------------------------
CREATE TABLE IF NOT EXISTS {{ .SchemaName | default "public"}}.registry_entities (
	entity_type text NOT NULL,
	id          text NOT NULL,
	version     bigint NOT NULL,
	data        jsonb NOT NULL,
	updated_at  timestamp with time zone NOT NULL,
	PRIMARY KEY (entity_type, id)
);

COMMENT ON TABLE {{ .SchemaName | default "public"}}.registry_entities IS 'Records of the subgraph deployment registry.';
COMMENT ON COLUMN {{ .SchemaName | default "public"}}.registry_entities.version IS 'Version of the record, replaced on every write and used for optimistic concurrency checks.';
COMMENT ON COLUMN {{ .SchemaName | default "public"}}.registry_entities.data IS 'Attributes of the record.';
`
