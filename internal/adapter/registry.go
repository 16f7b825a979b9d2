package adapter

import (
	"fmt"

	"github.com/forgeline/director/internal/config"
	"github.com/forgeline/director/internal/store/model"
)

const (
	LaneInference = "inference"
	LaneVision    = "vision"
	LaneAgent     = "agent"
)

// Binding ties a lane class to the job types it drains and the backend it calls.
type Binding struct {
	Lane     string
	JobTypes []model.JobType
	Adapter  Adapter
}

type Registry struct {
	bindings []Binding
}

func NewRegistry(bindings ...Binding) (*Registry, error) {
	r := &Registry{}
	seen := map[model.JobType]string{}
	for _, b := range bindings {
		if b.Adapter == nil {
			return nil, fmt.Errorf("lane %s has no adapter", b.Lane)
		}
		for _, jt := range b.JobTypes {
			if other, ok := seen[jt]; ok {
				return nil, fmt.Errorf("job type %s is bound to both %s and %s", jt, other, b.Lane)
			}
			seen[jt] = b.Lane
		}
		r.bindings = append(r.bindings, b)
	}
	return r, nil
}

// NewRegistryFromConfig builds the three standard lanes. In mock mode every lane gets a
// MockAdapter.
func NewRegistryFromConfig(cfg *config.Config) (*Registry, error) {
	b := cfg.Backends
	if b.Mode == config.BackendModeMock {
		return NewRegistry(
			Binding{Lane: LaneInference, JobTypes: []model.JobType{model.JobTypeComplete, model.JobTypeChat}, Adapter: NewMockAdapter(LaneInference)},
			Binding{Lane: LaneVision, JobTypes: []model.JobType{model.JobTypeVisionAnalyze}, Adapter: NewMockAdapter(LaneVision)},
			Binding{Lane: LaneAgent, JobTypes: []model.JobType{model.JobTypeAgentRun}, Adapter: NewMockAdapter(LaneAgent)},
		)
	}

	return NewRegistry(
		Binding{Lane: LaneInference, JobTypes: []model.JobType{model.JobTypeComplete, model.JobTypeChat}, Adapter: NewInferenceAdapter(LaneInference, b.InferenceURL, b.InferenceModel)},
		Binding{Lane: LaneVision, JobTypes: []model.JobType{model.JobTypeVisionAnalyze}, Adapter: NewInferenceAdapter(LaneVision, b.VisionURL, b.VisionModel)},
		Binding{Lane: LaneAgent, JobTypes: []model.JobType{model.JobTypeAgentRun}, Adapter: NewAgentAdapter(LaneAgent, b.AgentCommand, b.AgentWorkdir)},
	)
}

func (r *Registry) Bindings() []Binding {
	return append([]Binding{}, r.bindings...)
}

// ForJobType returns the binding of the lane that drains jobType.
func (r *Registry) ForJobType(jobType model.JobType) (Binding, bool) {
	for _, b := range r.bindings {
		for _, jt := range b.JobTypes {
			if jt == jobType {
				return b, true
			}
		}
	}
	return Binding{}, false
}
