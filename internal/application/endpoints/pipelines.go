package endpoints

import (
	"context"
	"fmt"

	"github.com/globus/atlas/internal/application/rpc"
	"github.com/globus/atlas/internal/domain/crm"
	"github.com/globus/atlas/internal/domain/identity"
)

// hiddenPipelines are the closed stages (won, lost) left out of active
var hiddenPipelines = map[int]bool{142: true, 143: true}

// PipelineService lists pipeline stages
type PipelineService struct {
	deps Deps
}

// Endpoint describes the pipelines endpoint
func (s *PipelineService) Endpoint() *rpc.Endpoint {
	canSee := rpc.Requires(identity.LeadsCanSeePipelines)
	return &rpc.Endpoint{
		Name: "pipelines",
		Methods: map[string]*rpc.Method{
			"get":    rpc.StaffProtected(canSee, s.get),
			"active": rpc.StaffProtected(canSee, s.active),
		},
	}
}

func (s *PipelineService) get(ctx context.Context, _ rpc.Payload, _ identity.Identity) (any, error) {
	return s.deps.Pipelines.FindAll(ctx)
}

func (s *PipelineService) active(ctx context.Context, _ rpc.Payload, _ identity.Identity) (any, error) {
	all, err := s.deps.Pipelines.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]crm.Pipeline, 0, len(all))
	for _, p := range all {
		if !hiddenPipelines[p.ID] {
			out = append(out, p)
		}
	}
	return out, nil
}

// RuleService manages scheduling rules
type RuleService struct {
	deps Deps
}

// Endpoint describes the rules endpoint
func (s *RuleService) Endpoint() *rpc.Endpoint {
	canEdit := rpc.Requires(identity.LeadsCanEditRules)
	return &rpc.Endpoint{
		Name: "rules",
		Methods: map[string]*rpc.Method{
			"get":    rpc.StaffProtected(rpc.Requires(identity.LeadsCanSeePipelines), s.get),
			"add":    rpc.StaffProtected(canEdit, s.add, TagRules),
			"toggle": rpc.StaffProtected(canEdit, s.toggle, TagRules),
		},
	}
}

func (s *RuleService) get(ctx context.Context, _ rpc.Payload, _ identity.Identity) (any, error) {
	return s.deps.Rules.FindAll(ctx)
}

func (s *RuleService) add(ctx context.Context, p rpc.Payload, _ identity.Identity) (any, error) {
	var in struct {
		PipelineID      int          `json:"pipeline" validate:"gte=0"`
		Days            int          `json:"days" validate:"gte=0"`
		Task            string       `json:"task" validate:"required"`
		Unique          bool         `json:"unique"`
		Once            bool         `json:"once"`
		RelativeTo      string       `json:"relativeTo"`
		NewerThanUpdate bool         `json:"newerThanUpdate"`
		TaskFor         string       `json:"taskFor" validate:"omitempty,oneof=managers"`
		Priority        crm.Priority `json:"priority" validate:"omitempty,oneof=low middle high"`
		Position        int          `json:"position"`
	}
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	rule := &crm.Rule{
		PipelineID:      in.PipelineID,
		Days:            in.Days,
		Task:            in.Task,
		Unique:          in.Unique,
		Once:            in.Once,
		RelativeTo:      in.RelativeTo,
		NewerThanUpdate: in.NewerThanUpdate,
		TaskFor:         in.TaskFor,
		Priority:        in.Priority,
		Position:        in.Position,
		Active:          true,
	}
	if err := s.deps.Rules.Create(ctx, rule); err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	return rule, nil
}

func (s *RuleService) toggle(ctx context.Context, p rpc.Payload, _ identity.Identity) (any, error) {
	var in struct {
		ID     uint `json:"id" validate:"required"`
		Active bool `json:"active"`
	}
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	rule, err := s.deps.Rules.SetActive(ctx, in.ID, in.Active)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, crm.ErrRuleNotFound
	}
	return rule, nil
}
