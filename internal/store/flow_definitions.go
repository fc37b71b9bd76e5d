package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// SaveFlowDefinition upserts a flow definition document keyed by name.
func (s *sqlBase) SaveFlowDefinition(ctx context.Context, flow *models.FlowDefinition) error {
	doc, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("encode flow %s: %w", flow.Name, err)
	}
	_, err = s.conn().exec(ctx,
		`INSERT INTO flow_definitions (name, version, is_active, priority, definition, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET
		   version = excluded.version,
		   is_active = excluded.is_active,
		   priority = excluded.priority,
		   definition = excluded.definition,
		   updated_at = excluded.updated_at`,
		flow.Name, flow.Version, flow.IsActive, flow.Priority, string(doc), time.Now().UTC(),
	)
	if err != nil {
		slog.Error(s.d.name+" SaveFlowDefinition failed", "error", err, "flow", flow.Name)
		return fmt.Errorf("save flow %s: %w", flow.Name, err)
	}
	slog.Debug(s.d.name+" SaveFlowDefinition succeeded", "flow", flow.Name, "version", flow.Version)
	return nil
}

// ListFlowDefinitions returns every stored definition ordered by name. The
// typed step configs are not decoded here.
func (s *sqlBase) ListFlowDefinitions(ctx context.Context) ([]*models.FlowDefinition, error) {
	rows, err := s.conn().query(ctx, `SELECT name, definition FROM flow_definitions ORDER BY name`)
	if err != nil {
		slog.Error(s.d.name+" ListFlowDefinitions failed", "error", err)
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close()

	var flows []*models.FlowDefinition
	for rows.Next() {
		var name, doc string
		if err := rows.Scan(&name, &doc); err != nil {
			return nil, fmt.Errorf("scan flow: %w", err)
		}
		var flow models.FlowDefinition
		if err := json.Unmarshal([]byte(doc), &flow); err != nil {
			slog.Error(s.d.name+" ListFlowDefinitions skipped undecodable flow", "flow", name, "error", err)
			continue
		}
		flows = append(flows, &flow)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flows: %w", err)
	}
	return flows, nil
}

// DeleteFlowDefinitionsExcept removes stored flows whose name is not in keep.
func (s *sqlBase) DeleteFlowDefinitionsExcept(ctx context.Context, keep []string) (int64, error) {
	query := `DELETE FROM flow_definitions`
	args := make([]any, 0, len(keep))
	if len(keep) > 0 {
		query += ` WHERE name NOT IN (` + strings.TrimSuffix(strings.Repeat("?, ", len(keep)), ", ") + `)`
		for _, name := range keep {
			args = append(args, name)
		}
	}
	result, err := s.conn().exec(ctx, query, args...)
	if err != nil {
		slog.Error(s.d.name+" DeleteFlowDefinitionsExcept failed", "error", err)
		return 0, fmt.Errorf("prune flows: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
