package session

import (
	"context"

	"github.com/fyrsmithlabs/recall/internal/worker"
)

// Health statuses, from best to worst.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Component names reported by HealthCheck.
const (
	ComponentVectorStore = "vectorstore"
	ComponentEmbeddings  = "embeddings"
	ComponentWorker      = "worker"
)

// ComponentHealth is the status of one component.
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Health is the overall status and its components.
type Health struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
}

var statusRank = map[string]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}

// HealthCheck runs a real search against the serving store and a sample
// embedding. An unhealthy report is returned with a nil error; the error
// is reserved for a canceled context.
func (s *Session) HealthCheck(ctx context.Context) (*Health, error) {
	h := &Health{Status: StatusHealthy, Components: map[string]ComponentHealth{}}

	report, err := s.backend.Health(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		h.set(ComponentWorker, StatusUnhealthy, err.Error())
		return h, nil
	}

	switch report.State {
	case worker.StateReadyPrimary:
		h.set(ComponentWorker, StatusHealthy, "")
	case worker.StateReadyFallback:
		h.set(ComponentWorker, StatusDegraded, "serving from the in-memory fallback store")
	default:
		h.set(ComponentWorker, StatusUnhealthy, "worker is "+string(report.State))
	}

	if report.StoreError != "" {
		h.set(ComponentVectorStore, StatusUnhealthy, report.StoreError)
	} else {
		h.set(ComponentVectorStore, StatusHealthy, report.Backend)
	}

	// Embedding failures degrade to fallback vectors rather than failing.
	if report.EmbeddingsError != "" {
		h.set(ComponentEmbeddings, StatusDegraded, report.EmbeddingsError)
	} else {
		h.set(ComponentEmbeddings, StatusHealthy, "")
	}
	return h, nil
}

func (h *Health) set(component, status, message string) {
	h.Components[component] = ComponentHealth{Status: status, Message: message}
	if statusRank[status] > statusRank[h.Status] {
		h.Status = status
	}
}
