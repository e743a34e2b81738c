package ingress

import (
	"net/http"
	"sort"

	"github.com/vietddude/sheetsign/internal/core/domain"
)

const (
	statusHealthy  = "healthy"
	statusCritical = "critical"
)

type healthResponse struct {
	Status string                   `json:"status"`
	Checks map[string]string        `json:"checks,omitempty"`
	Jobs   map[domain.JobStatus]int `json:"jobs,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: statusHealthy, Checks: make(map[string]string)}

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.checks[name](r.Context()); err != nil {
			resp.Status = statusCritical
			resp.Checks[name] = err.Error()
			s.log.Warn("Health check failed", "check", name, "error", err)
			continue
		}
		resp.Checks[name] = "ok"
	}

	// Counts also refreshes the job gauges.
	if counts, err := s.jobs.Counts(r.Context()); err != nil {
		resp.Status = statusCritical
		resp.Checks["jobs"] = err.Error()
	} else {
		resp.Jobs = counts
	}

	code := http.StatusOK
	if resp.Status == statusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
