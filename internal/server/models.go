package server

import (
	"net/http"
	"time"

	gateway "github.com/llmgateway/llmgateway/internal"
	"github.com/llmgateway/llmgateway/internal/auth"
)

// handleListModels returns the catalog in OpenAI list format, filtered to
// what the caller's plan may actually use.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	principal := gateway.PrincipalFromContext(r.Context())

	now := time.Now().Unix()
	defs := s.deps.Catalog.List()
	data := make([]modelEntry, 0, len(defs))
	for _, def := range defs {
		if auth.AuthorizeModel(principal, def.ID) != nil {
			continue
		}
		data = append(data, modelEntry{
			ID:      def.ID,
			Object:  "model",
			Created: now,
			OwnedBy: def.Family,
		})
	}

	writeJSON(w, http.StatusOK, modelListResponse{
		Object: "list",
		Data:   data,
	})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
