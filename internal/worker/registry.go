package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"carequeue/internal/domain"
)

type Handler interface {
	Handle(ctx context.Context, data json.RawMessage) (domain.Result, error)
}

// Typed adapts a function over a concrete payload into a Handler. The
// payload is decoded and validated here so handlers never parse raw JSON.
type Typed[P domain.Payload] func(ctx context.Context, p P) (domain.Result, error)

func (f Typed[P]) Handle(ctx context.Context, data json.RawMessage) (domain.Result, error) {
	var p P
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.Result{}, domain.Invalid("data", fmt.Sprintf("cannot be decoded: %v", err))
	}
	if err := p.Validate(); err != nil {
		return domain.Result{}, err
	}
	return f(ctx, p)
}

// Registry maps task types to handlers.
type Registry struct {
	handlers map[domain.TaskType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.TaskType]Handler)}
}

func (r *Registry) Register(t domain.TaskType, h Handler) {
	r.handlers[t] = h
}

func (r *Registry) Types() []domain.TaskType {
	out := make([]domain.TaskType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dispatch runs the handler registered for task.Type.
func (r *Registry) Dispatch(ctx context.Context, task domain.Task) (domain.Result, error) {
	h, ok := r.handlers[task.Type]
	if !ok {
		return domain.Result{}, domain.UnknownType(task.Type)
	}
	return h.Handle(ctx, task.Data)
}
