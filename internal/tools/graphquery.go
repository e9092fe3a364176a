package tools

import (
	"context"
	"encoding/json"
)

// GraphRepository executes read queries against the infrastructure graph.
type GraphRepository interface {
	RunQuery(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
}

type graphQueryParams struct {
	Cypher     string         `json:"cypher" jsonschema:"description=The Cypher query to execute against the graph"`
	Parameters map[string]any `json:"parameters,omitempty" jsonschema:"description=Optional parameters for the Cypher query"`
}

// GraphQueryTool runs Cypher queries against the infrastructure graph.
// It is read-oriented and does not require sandbox execution.
type GraphQueryTool struct {
	repository GraphRepository
}

// NewGraphQueryTool creates a graph query tool backed by the repository.
func NewGraphQueryTool(repository GraphRepository) *GraphQueryTool {
	return &GraphQueryTool{repository: repository}
}

func (t *GraphQueryTool) Name() string { return "graph_query" }

func (t *GraphQueryTool) Description() string {
	return `Execute Cypher queries against the infrastructure graph (Neo4j 5.x).

CRITICAL syntax requirements:
- Use ` + "`n.property IS NOT NULL`" + ` instead of ` + "`exists(n.property)`" + ` (deprecated)
- Available labels: NetworkContainer, Asset, Identity, Policy
- Common patterns:
  * List networks: MATCH (n:NetworkContainer) WHERE n.cidr IS NOT NULL RETURN n
  * Find assets: MATCH (a:Asset) WHERE a.asset_id IS NOT NULL RETURN a
  * Get relationships: MATCH (a)-[r]->(b) RETURN a, type(r), b`
}

func (t *GraphQueryTool) Schema() json.RawMessage { return mustSchema(&graphQueryParams{}) }

func (t *GraphQueryTool) Sandboxed() bool { return false }

func (t *GraphQueryTool) Execute(ctx context.Context, params json.RawMessage) (map[string]any, error) {
	var p graphQueryParams
	if err := decode(params, &p); err != nil {
		return errResult("invalid parameters: %v", err), nil
	}
	if p.Cypher == "" {
		return errResult("cypher is required"), nil
	}

	records, err := t.repository.RunQuery(ctx, p.Cypher, p.Parameters)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return errResult("query failed: %v", err), nil
	}
	return map[string]any{"records": records}, nil
}
