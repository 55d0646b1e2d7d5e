package domain

// WorkflowNodeMetadata describes a node type as reported by the registry.
// id/name/version form the identity triple a parsed document references;
// description and the schema hints are advisory, consumed by tooling and by
// AI-assisted workflow authoring rather than by the engine.
type WorkflowNodeMetadata struct {
	ID          string
	Name        string
	Version     string
	Description string
	Inputs      map[string]string
	Outputs     map[string]string
	AIHints     map[string]any
	Source      NodeSource
}
