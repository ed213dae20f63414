package promote

import (
	"encoding/json"
	"net/http"

	"github.com/eunmann/chunk-pipeline/internal/logctx"
)

// Handler exposes the coordinator over HTTP. No request body is required;
// promotion is driven entirely by the registry's current state.
//
// Responses: 200 with the Result JSON on success or an empty promotable
// set, 500 with the Result JSON on failure.
func Handler(c *Coordinator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := c.Run(r.Context())

		status := http.StatusOK
		if !result.Ok {
			status = http.StatusInternalServerError
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(result); err != nil {
			logger := logctx.FromContext(r.Context())
			logger.Error().Err(err).Msg("write promotion response")
		}
	})
}

// Healthz is the liveness endpoint.
func Healthz() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}
