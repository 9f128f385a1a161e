package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-pm-lifecycle/internal/errors"
)

const nodeColumns = `
		id, stage_instance_id, project_id, node_code, node_name, node_type,
		sequence, status, completion_method, is_required, is_custom,
		dependency_ids, planned_date, actual_date, completed_by, completed_at,
		attachments, approval_record_id, remark, created_at, updated_at
`

// CreateNode inserts a node instance.
func (t *pgTx) CreateNode(ctx context.Context, n *NodeInstance) error {
	if n.ID == "" {
		n.ID = NewID()
	}

	query := `
		INSERT INTO node_instances (` + nodeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
		        $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`

	if _, err := t.tx.Exec(ctx, query,
		n.ID,
		n.StageInstanceID,
		n.ProjectID,
		n.NodeCode,
		n.NodeName,
		n.NodeType,
		n.Sequence,
		string(n.Status),
		string(n.CompletionMethod),
		n.IsRequired,
		n.IsCustom,
		nonNil(n.DependencyIDs),
		n.PlannedDate,
		n.ActualDate,
		n.CompletedBy,
		n.CompletedAt,
		nonNil(n.Attachments),
		n.ApprovalRecordID,
		n.Remark,
		n.CreatedAt,
		n.UpdatedAt,
	); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create node")
	}
	return nil
}

// GetNode retrieves a node, locking it inside write transactions.
func (t *pgTx) GetNode(ctx context.Context, id string) (*NodeInstance, error) {
	query := `SELECT` + nodeColumns + `FROM node_instances WHERE id = $1` + t.forUpdate()

	n, err := scanNode(t.tx.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("node_instance", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get node")
	}
	return n, nil
}

// ListNodesByStage returns a stage's nodes ordered by sequence.
func (t *pgTx) ListNodesByStage(ctx context.Context, stageID string) ([]*NodeInstance, error) {
	query := `SELECT` + nodeColumns + `
		FROM node_instances
		WHERE stage_instance_id = $1
		ORDER BY sequence ASC, id ASC`

	return t.queryNodes(ctx, query, stageID)
}

// GetNodesByIDs returns the nodes that exist among ids.
func (t *pgTx) GetNodesByIDs(ctx context.Context, ids []string) ([]*NodeInstance, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT` + nodeColumns + `
		FROM node_instances
		WHERE id = ANY($1)
		ORDER BY sequence ASC, id ASC`

	return t.queryNodes(ctx, query, ids)
}

// UpdateNode persists a node's mutable fields.
func (t *pgTx) UpdateNode(ctx context.Context, n *NodeInstance) error {
	query := `
		UPDATE node_instances
		SET sequence           = $2,
		    status             = $3,
		    dependency_ids     = $4,
		    planned_date       = $5,
		    actual_date        = $6,
		    completed_by       = $7,
		    completed_at       = $8,
		    attachments        = $9,
		    approval_record_id = $10,
		    remark             = $11,
		    updated_at         = $12
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := t.tx.QueryRow(ctx, query,
		n.ID,
		n.Sequence,
		string(n.Status),
		nonNil(n.DependencyIDs),
		n.PlannedDate,
		n.ActualDate,
		n.CompletedBy,
		n.CompletedAt,
		nonNil(n.Attachments),
		n.ApprovalRecordID,
		n.Remark,
		n.UpdatedAt,
	).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("node_instance", n.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update node")
	}
	return nil
}

func (t *pgTx) queryNodes(ctx context.Context, query string, args ...any) ([]*NodeInstance, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list nodes")
	}
	defer rows.Close()

	var nodes []*NodeInstance
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan node")
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func scanNode(row rowScanner) (*NodeInstance, error) {
	n := &NodeInstance{}
	var status, method string
	err := row.Scan(
		&n.ID,
		&n.StageInstanceID,
		&n.ProjectID,
		&n.NodeCode,
		&n.NodeName,
		&n.NodeType,
		&n.Sequence,
		&status,
		&method,
		&n.IsRequired,
		&n.IsCustom,
		&n.DependencyIDs,
		&n.PlannedDate,
		&n.ActualDate,
		&n.CompletedBy,
		&n.CompletedAt,
		&n.Attachments,
		&n.ApprovalRecordID,
		&n.Remark,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	n.Status = FlowStatus(status)
	n.CompletionMethod = CompletionMethod(method)
	return n, nil
}

// nonNil keeps NOT NULL array columns from receiving SQL NULL.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
