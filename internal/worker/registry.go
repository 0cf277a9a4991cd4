package worker

import (
	"encoding/json"
	"fmt"
	"sort"

	"go-taskmgr/internal/domain"
)

// Factory decodes a task of one type from its serialized payload.
type Factory func(payload []byte) (domain.Task, error)

// Registry maps task type names to factories. It is built once at startup and
// shared by the submitting side (serialization) and the worker (deserialization).
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// InitRegistry wires up the built-in task types
func InitRegistry() *Registry {
	r := NewRegistry()
	r.Register(CompletedTaskType, JSONFactory[CompletedTask]())
	r.Register(FailedTaskType, JSONFactory[FailedTask]())
	r.Register(SleepTaskType, JSONFactory[SleepTask]())
	return r
}

// Register adds a task type. Registering a type twice is a programming error.
func (r *Registry) Register(taskType string, f Factory) {
	if _, ok := r.factories[taskType]; ok {
		panic(fmt.Sprintf("task type %q registered twice", taskType))
	}
	r.factories[taskType] = f
}

func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (r *Registry) Serialize(t domain.Task) ([]byte, error) {
	if _, ok := r.factories[t.Type()]; !ok {
		return nil, fmt.Errorf("unknown task type %q", t.Type())
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("cannot serialize task of type %q: %w", t.Type(), err)
	}
	return payload, nil
}

// Deserialize returns *domain.DeserializationError for unknown types and bad payloads.
func (r *Registry) Deserialize(taskType string, payload []byte) (domain.Task, error) {
	f, ok := r.factories[taskType]
	if !ok {
		return nil, &domain.DeserializationError{Kind: "task", Type: taskType, Err: fmt.Errorf("unknown task type")}
	}
	t, err := f(payload)
	if err != nil {
		return nil, &domain.DeserializationError{Kind: "task", Type: taskType, Err: err}
	}
	return t, nil
}

// JSONFactory decodes the payload as JSON into a new *T.
func JSONFactory[T any, PT interface {
	*T
	domain.Task
}]() Factory {
	return func(payload []byte) (domain.Task, error) {
		v := PT(new(T))
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, v); err != nil {
				return nil, err
			}
		}
		return v, nil
	}
}
