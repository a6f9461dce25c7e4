package endpoints

import (
	"context"
	"encoding/json"

	"github.com/globus/atlas/internal/application/rpc"
	"github.com/globus/atlas/internal/domain/identity"
	"github.com/globus/atlas/internal/domain/shared"
)

// ErrReadOnlyKey is returned when staff try to overwrite a server-owned key
var ErrReadOnlyKey = shared.NewDomainError("READ_ONLY_KEY", "Key is maintained by the server")

// readOnlyKeys are written by the realtime hub only
var readOnlyKeys = map[string]bool{"active-users": true}

// StorageService exposes the shared state staff sessions mirror. Writes
// reach connected staff as socket-storage-change events.
type StorageService struct {
	deps Deps
}

// Endpoint describes the storage endpoint
func (s *StorageService) Endpoint() *rpc.Endpoint {
	return &rpc.Endpoint{
		Name: "storage",
		Methods: map[string]*rpc.Method{
			"get": rpc.StaffProtected(rpc.AnyStaff(), s.get),
			"set": rpc.StaffProtected(rpc.AnyStaff(), s.set),
		},
	}
}

func (s *StorageService) get(_ context.Context, p rpc.Payload, _ identity.Identity) (any, error) {
	var in struct {
		Key string `json:"key"`
	}
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	if in.Key == "" {
		return s.deps.Store.Snapshot(), nil
	}
	v, _ := s.deps.Store.Get(in.Key)
	return v, nil
}

func (s *StorageService) set(_ context.Context, p rpc.Payload, _ identity.Identity) (any, error) {
	var in struct {
		Key   string          `json:"key" validate:"required"`
		Value json.RawMessage `json:"value"`
	}
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	if readOnlyKeys[in.Key] {
		return nil, ErrReadOnlyKey
	}
	var value any
	if len(in.Value) > 0 {
		if err := json.Unmarshal(in.Value, &value); err != nil {
			return nil, err
		}
	}
	s.deps.Store.Set(in.Key, value)
	return map[string]any{"key": in.Key, "value": value}, nil
}
