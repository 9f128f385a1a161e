// Package catalog loads the workflow and stage configuration from YAML and
// seeds it into a store.
package catalog

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-pm-lifecycle/internal/repository"
	"github.com/pesio-ai/be-pm-lifecycle/internal/service"
)

// Catalog is the on-disk configuration document.
type Catalog struct {
	Workflows []Workflow   `yaml:"workflows"`
	NodeTypes []NodeType   `yaml:"node_types"`
	Stages    []StageEntry `yaml:"stages"`
}

type Workflow struct {
	Name         string                   `yaml:"name"`
	EntityType   string                   `yaml:"entity_type"`
	Inactive     bool                     `yaml:"inactive"`
	RoutingRules *repository.RoutingRules `yaml:"routing_rules"`
	Steps        []Step                   `yaml:"steps"`
}

type Step struct {
	Order        int    `yaml:"order"`
	Name         string `yaml:"name"`
	ApproverRole string `yaml:"approver_role"`
	ApproverID   string `yaml:"approver_id"`
	Optional     bool   `yaml:"optional"`
	CanDelegate  bool   `yaml:"can_delegate"`
	CanWithdraw  bool   `yaml:"can_withdraw"`
	DueHours     int    `yaml:"due_hours"`
}

type NodeType struct {
	Type               string `yaml:"type"`
	Name               string `yaml:"name"`
	RequiresAttachment bool   `yaml:"requires_attachment"`
	AutoCondition      string `yaml:"auto_condition"`
}

type StageEntry struct {
	Code     string      `yaml:"code"`
	Name     string      `yaml:"name"`
	Sequence int         `yaml:"sequence"`
	Nodes    []NodeEntry `yaml:"nodes"`
}

type NodeEntry struct {
	Code             string   `yaml:"code"`
	Name             string   `yaml:"name"`
	Type             string   `yaml:"type"`
	Sequence         int      `yaml:"sequence"`
	CompletionMethod string   `yaml:"completion_method"`
	Optional         bool     `yaml:"optional"`
	DependsOn        []string `yaml:"depends_on"`
}

// Load reads and validates a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a catalog document. Unknown keys are errors.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !stderrors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the document is self-consistent: step orders run 1..N,
// codes are unique, dependencies resolve and form no cycle.
func (c *Catalog) Validate() error {
	for i, wf := range c.Workflows {
		if wf.Name == "" || wf.EntityType == "" {
			return fmt.Errorf("workflow %d: name and entity_type are required", i)
		}
		for j, s := range wf.Steps {
			if s.Order != j+1 {
				return fmt.Errorf("workflow %s: step %d has order %d, want %d", wf.Name, j, s.Order, j+1)
			}
			if s.ApproverRole != "" && s.ApproverID != "" {
				return fmt.Errorf("workflow %s: step %d sets both approver_role and approver_id", wf.Name, s.Order)
			}
		}
	}

	types := make(map[string]bool, len(c.NodeTypes))
	for _, nt := range c.NodeTypes {
		if nt.Type == "" {
			return fmt.Errorf("node type without a type key")
		}
		if types[nt.Type] {
			return fmt.Errorf("duplicate node type %s", nt.Type)
		}
		types[nt.Type] = true
	}

	stageCodes := make(map[string]bool, len(c.Stages))
	sequences := make(map[int]string, len(c.Stages))
	var graphNodes []*repository.NodeInstance
	nodeCodes := make(map[string]bool)
	for _, st := range c.Stages {
		if st.Code == "" {
			return fmt.Errorf("stage without a code")
		}
		if stageCodes[st.Code] {
			return fmt.Errorf("duplicate stage code %s", st.Code)
		}
		stageCodes[st.Code] = true
		if other, dup := sequences[st.Sequence]; dup {
			return fmt.Errorf("stages %s and %s share sequence %d", other, st.Code, st.Sequence)
		}
		sequences[st.Sequence] = st.Code

		for _, n := range st.Nodes {
			if n.Code == "" {
				return fmt.Errorf("stage %s: node without a code", st.Code)
			}
			if nodeCodes[n.Code] {
				return fmt.Errorf("duplicate node code %s", n.Code)
			}
			nodeCodes[n.Code] = true
			if n.Type != "" && !types[n.Type] {
				return fmt.Errorf("node %s: unknown node type %s", n.Code, n.Type)
			}
			if _, err := method(n.CompletionMethod); err != nil {
				return fmt.Errorf("node %s: %w", n.Code, err)
			}
			graphNodes = append(graphNodes, &repository.NodeInstance{ID: n.Code, DependencyIDs: n.DependsOn})
		}
	}
	for _, n := range graphNodes {
		for _, dep := range n.DependencyIDs {
			if !nodeCodes[dep] {
				return fmt.Errorf("node %s depends on unknown node %s", n.ID, dep)
			}
		}
	}
	if cycle := service.NewGraph(graphNodes).FindCycle(); cycle != nil {
		return fmt.Errorf("dependency cycle: %s", strings.Join(cycle, " -> "))
	}
	return nil
}

func method(m string) (repository.CompletionMethod, error) {
	switch cm := repository.CompletionMethod(strings.ToUpper(m)); cm {
	case "":
		return repository.CompletionManual, nil
	case repository.CompletionManual, repository.CompletionAuto, repository.CompletionApproval:
		return cm, nil
	default:
		return "", fmt.Errorf("unknown completion method %q", m)
	}
}

// SeedResult counts what Seed wrote.
type SeedResult struct {
	Workflows        int
	WorkflowsSkipped int
	NodeTypes        int
	Stages           int
}

// Seed writes the catalog in one transaction. Node types and stage
// templates are upserted. A workflow whose name already exists for its
// entity type among active definitions is skipped: definitions are
// immutable once records may reference their steps.
func Seed(ctx context.Context, store repository.Store, c *Catalog) (*SeedResult, error) {
	var res *SeedResult
	err := store.InTx(ctx, func(tx repository.Tx) error {
		res = &SeedResult{}
		for _, nt := range c.NodeTypes {
			if err := tx.SaveNodeType(ctx, &repository.NodeTypeDefinition{
				NodeType:           nt.Type,
				Name:               nt.Name,
				RequiresAttachment: nt.RequiresAttachment,
				AutoCondition:      nt.AutoCondition,
			}); err != nil {
				return err
			}
			res.NodeTypes++
		}

		for _, st := range c.Stages {
			tpl := &repository.StageTemplate{StageCode: st.Code, StageName: st.Name, Sequence: st.Sequence}
			for _, n := range st.Nodes {
				m, err := method(n.CompletionMethod)
				if err != nil {
					return err
				}
				tpl.Nodes = append(tpl.Nodes, repository.NodeTemplate{
					NodeCode:         n.Code,
					NodeName:         n.Name,
					NodeType:         n.Type,
					Sequence:         n.Sequence,
					CompletionMethod: m,
					IsRequired:       !n.Optional,
					DependsOn:        n.DependsOn,
				})
			}
			if err := tx.SaveStageTemplate(ctx, tpl); err != nil {
				return err
			}
			res.Stages++
		}

		for _, wf := range c.Workflows {
			existing, err := tx.ListActiveWorkflowDefinitions(ctx, wf.EntityType)
			if err != nil {
				return err
			}
			if hasName(existing, wf.Name) {
				res.WorkflowsSkipped++
				continue
			}
			def := &repository.WorkflowDefinition{
				ID:           repository.NewID(),
				Name:         wf.Name,
				EntityType:   wf.EntityType,
				IsActive:     !wf.Inactive,
				RoutingRules: wf.RoutingRules,
				CreatedAt:    time.Now().UTC(),
			}
			steps := make([]*repository.WorkflowStep, 0, len(wf.Steps))
			for _, s := range wf.Steps {
				steps = append(steps, &repository.WorkflowStep{
					StepOrder:    s.Order,
					StepName:     s.Name,
					ApproverRole: optional(s.ApproverRole),
					ApproverID:   optional(s.ApproverID),
					IsRequired:   !s.Optional,
					CanDelegate:  s.CanDelegate,
					CanWithdraw:  s.CanWithdraw,
					DueHours:     s.DueHours,
				})
			}
			if err := tx.CreateWorkflowDefinition(ctx, def, steps); err != nil {
				return err
			}
			res.Workflows++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func hasName(defs []*repository.WorkflowDefinition, name string) bool {
	for _, d := range defs {
		if d.Name == name {
			return true
		}
	}
	return false
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
