package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-pm-lifecycle/internal/errors"
)

// SaveNodeType upserts a node type definition.
func (t *pgTx) SaveNodeType(ctx context.Context, def *NodeTypeDefinition) error {
	query := `
		INSERT INTO node_types (node_type, name, requires_attachment, auto_condition)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (node_type) DO UPDATE
		SET name                = EXCLUDED.name,
		    requires_attachment = EXCLUDED.requires_attachment,
		    auto_condition      = EXCLUDED.auto_condition
	`

	if _, err := t.tx.Exec(ctx, query,
		def.NodeType,
		def.Name,
		def.RequiresAttachment,
		def.AutoCondition,
	); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save node type")
	}
	return nil
}

// GetNodeType returns a node type definition, or nil when unconfigured.
func (t *pgTx) GetNodeType(ctx context.Context, nodeType string) (*NodeTypeDefinition, error) {
	query := `
		SELECT node_type, name, requires_attachment, auto_condition
		FROM node_types
		WHERE node_type = $1
	`

	def := &NodeTypeDefinition{}
	err := t.tx.QueryRow(ctx, query, nodeType).Scan(
		&def.NodeType,
		&def.Name,
		&def.RequiresAttachment,
		&def.AutoCondition,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get node type")
	}
	return def, nil
}

// SaveStageTemplate upserts a stage template with its node templates.
func (t *pgTx) SaveStageTemplate(ctx context.Context, tpl *StageTemplate) error {
	nodesJSON, err := json.Marshal(tpl.Nodes)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal node templates")
	}

	query := `
		INSERT INTO stage_templates (stage_code, stage_name, sequence, nodes)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (stage_code) DO UPDATE
		SET stage_name = EXCLUDED.stage_name,
		    sequence   = EXCLUDED.sequence,
		    nodes      = EXCLUDED.nodes
	`

	if _, err := t.tx.Exec(ctx, query, tpl.StageCode, tpl.StageName, tpl.Sequence, nodesJSON); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save stage template")
	}
	return nil
}

// ListStageTemplates returns all stage templates ordered by sequence.
func (t *pgTx) ListStageTemplates(ctx context.Context) ([]*StageTemplate, error) {
	query := `
		SELECT stage_code, stage_name, sequence, nodes
		FROM stage_templates
		ORDER BY sequence ASC, stage_code ASC
	`

	rows, err := t.tx.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list stage templates")
	}
	defer rows.Close()

	var templates []*StageTemplate
	for rows.Next() {
		tpl := &StageTemplate{}
		var nodesJSON []byte
		if err := rows.Scan(&tpl.StageCode, &tpl.StageName, &tpl.Sequence, &nodesJSON); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan stage template")
		}
		if err := json.Unmarshal(nodesJSON, &tpl.Nodes); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal node templates")
		}
		templates = append(templates, tpl)
	}
	return templates, rows.Err()
}
