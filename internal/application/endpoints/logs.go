package endpoints

import (
	"context"
	"fmt"
	"time"

	"github.com/globus/atlas/internal/application/rpc"
	"github.com/globus/atlas/internal/domain/crm"
	"github.com/globus/atlas/internal/domain/identity"
)

// LogService serves the audit log
type LogService struct {
	deps Deps
}

// Endpoint describes the logs endpoint
func (s *LogService) Endpoint() *rpc.Endpoint {
	return &rpc.Endpoint{
		Name: "logs",
		Methods: map[string]*rpc.Method{
			"get":     rpc.StaffProtected(rpc.Requires(identity.UsersCanSeeUsers), s.get),
			"forLead": rpc.StaffProtected(rpc.Requires(identity.UsersCanSeeUsers), s.forLead),
			"delete":  rpc.StaffProtected(rpc.Requires(identity.UsersCanDeleteUsers), s.delete, TagLogs),
		},
		Internal: map[string]*rpc.InternalMember{
			"add": rpc.Internal(s.add, TagLogs),
		},
	}
}

// add stores an entry stamped with the current time and returns its id
func (s *LogService) add(ctx context.Context, p rpc.Payload, _ identity.Identity) (any, error) {
	var entry crm.LogEntry
	if err := p.Decode(&entry); err != nil {
		return nil, err
	}
	entry.ID = 0
	if entry.Time.IsZero() {
		entry.Time = s.deps.Now()
	}
	if entry.Author == "" {
		entry.Author = systemAuthor
	}
	if err := s.deps.Logs.Append(ctx, &entry); err != nil {
		return nil, fmt.Errorf("append log: %w", err)
	}
	return entry.ID, nil
}

func (s *LogService) get(ctx context.Context, p rpc.Payload, _ identity.Identity) (any, error) {
	var in struct {
		paging
		Type  string     `json:"type"`
		Event string     `json:"event"`
		User  string     `json:"user"`
		From  *time.Time `json:"from"`
		To    *time.Time `json:"to"`
	}
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	filter := crm.LogFilter{
		Type:   in.Type,
		Event:  in.Event,
		Author: in.User,
		Limit:  in.Limit,
		Offset: in.Skip,
	}
	// A period needs both ends.
	if in.From != nil && in.To != nil {
		filter.From, filter.To = in.From, in.To
	}
	return s.deps.Logs.Find(ctx, filter)
}

func (s *LogService) forLead(ctx context.Context, p rpc.Payload, caller identity.Identity) (any, error) {
	var in struct {
		paging
		ID string `json:"id" validate:"required"`
	}
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	allowed, err := managedLeads(ctx, s.deps.Leads, caller)
	if err != nil {
		return nil, err
	}
	if allowed != nil && len(intersect([]string{in.ID}, allowed)) == 0 {
		return []crm.LogEntry{}, nil
	}
	return s.deps.Logs.Find(ctx, crm.LogFilter{
		Type:   "lead",
		Ref:    in.ID,
		Limit:  in.Limit,
		Offset: in.Skip,
	})
}

func (s *LogService) delete(ctx context.Context, p rpc.Payload, _ identity.Identity) (any, error) {
	var in struct {
		ID uint `json:"_id" validate:"required"`
	}
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	if err := s.deps.Logs.Delete(ctx, in.ID); err != nil {
		return nil, err
	}
	return map[string]uint{"_id": in.ID}, nil
}
