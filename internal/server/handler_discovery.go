package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "GoWAS API",
		Version:     "v1",
		Description: "GoWAS regenie GWAS coordinator: workflow planning, job dispatch, and status tracking",
		Endpoints: []endpointInfo{
			{"/api/v1/workflows", []string{"GET", "POST"}, "List workflows or initialize one. POST accepts ?plan=true to plan jobs immediately"},
			{"/api/v1/workflows/{id}", []string{"GET"}, "Single workflow with its jobs"},
			{"/api/v1/workflows/{id}/plan", []string{"POST"}, "Plan step 1 and step 2 jobs"},
			{"/api/v1/workflows/{id}/recompute", []string{"POST"}, "Recompute workflow status from its jobs"},
			{"/api/v1/workflows/{id}/failures", []string{"POST"}, "Record a batch of failed jobs"},
			{"/api/v1/workflows/{id}/complete", []string{"POST"}, "Mark the workflow completed"},
			{"/api/v1/workflows/{id}/jobs", []string{"GET"}, "List jobs of a workflow"},
			{"/api/v1/workflows/{id}/jobs/{jid}", []string{"GET"}, "Single job detail"},
			{"/api/v1/workflows/{id}/jobs/{jid}/status", []string{"POST"}, "Report a job state change"},
			{"/api/v1/manifests", []string{"POST"}, "Process manifest upload notifications"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}
