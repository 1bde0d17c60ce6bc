package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/synccore/synccore/internal/config"
	"github.com/synccore/synccore/internal/resolver"
	"github.com/synccore/synccore/internal/routing"
	"github.com/synccore/synccore/pkg/cluster"
)

// server holds the HTTP-facing dependencies: the cluster facade, the
// compiled request schema, and the shared bearer token (when configured).
type server struct {
	client       *cluster.Client
	cfg          config.Config
	authToken    string
	partitionMap *routing.Map
	syncSchema   *jsonschema.Schema
	conflicts    *conflictHistory
}

func newServer(client *cluster.Client, cfg config.Config, authToken string, partitionMap *routing.Map) *server {
	return &server{
		client:       client,
		cfg:          cfg,
		authToken:    authToken,
		partitionMap: partitionMap,
		syncSchema:   mustCompileSyncSchema(),
		conflicts:    newConflictHistory(200),
	}
}

// conflictHistory is a fixed-capacity ring buffer of the most recent
// MergeRejection events, for the /debug/conflicts inspector — the
// resolver.Registry itself only exposes a live channel, not a queryable
// history, so the daemon drains it into one.
type conflictHistory struct {
	mu       sync.Mutex
	capacity int
	items    []resolver.MergeRejection
}

func newConflictHistory(capacity int) *conflictHistory {
	return &conflictHistory{capacity: capacity}
}

func (h *conflictHistory) record(rej resolver.MergeRejection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, rej)
	if len(h.items) > h.capacity {
		h.items = h.items[len(h.items)-h.capacity:]
	}
}

func (h *conflictHistory) recent(limit int) []resolver.MergeRejection {
	h.mu.Lock()
	defer h.mu.Unlock()
	if limit <= 0 || limit > len(h.items) {
		limit = len(h.items)
	}
	out := make([]resolver.MergeRejection, limit)
	copy(out, h.items[len(h.items)-limit:])
	return out
}

// watchRejections drains resolvers' rejection stream into h until ctx is
// cancelled or the channel closes.
func (h *conflictHistory) watchRejections(ctx context.Context, resolvers *resolver.Registry) {
	for {
		select {
		case <-ctx.Done():
			return
		case rej, ok := <-resolvers.Rejections():
			if !ok {
				return
			}
			h.record(rej)
		}
	}
}

// syncRequestSchemaJSON describes POST /sync's body: every schema
// violation must produce 400 before HandleSync ever sees the
// request, so malformed client input never reaches the merge path.
const syncRequestSchemaJSON = `{
  "type": "object",
  "required": ["clientId", "clientHlc"],
  "properties": {
    "clientId": {"type": "string", "minLength": 1},
    "clientHlc": {
      "type": "object",
      "required": ["millis", "counter", "nodeId"],
      "properties": {
        "millis": {"type": "integer", "minimum": 0},
        "counter": {"type": "integer", "minimum": 0},
        "nodeId": {"type": "string"}
      }
    },
    "operations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["mapName", "key", "op"],
        "properties": {
          "mapName": {"type": "string", "minLength": 1},
          "key": {"type": "string", "minLength": 1},
          "op": {"enum": ["PUT", "REMOVE", "OR_ADD", "OR_REMOVE", "INC", "DEC"]}
        }
      }
    },
    "syncMaps": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["mapName"],
        "properties": {
          "mapName": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

func mustCompileSyncSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(syncRequestSchemaJSON))
	if err != nil {
		panic("synccored: invalid embedded sync request schema: " + err.Error())
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("sync-request.json", doc); err != nil {
		panic("synccored: add sync request schema: " + err.Error())
	}
	schema, err := compiler.Compile("sync-request.json")
	if err != nil {
		panic("synccored: compile sync request schema: " + err.Error())
	}
	return schema
}

// routes builds the node's HTTP mux: the sync endpoint, health/ready
// checks, and the gated debug surface.
func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	if s.cfg.DebugEndpoints {
		mux.HandleFunc("/debug/stats", s.handleDebugStats)
		mux.HandleFunc("/debug/export/", s.handleDebugExport)
		mux.HandleFunc("/debug/conflicts", s.handleDebugConflicts)
		mux.HandleFunc("/debug/operations", s.handleDebugOperations)
		mux.HandleFunc("/debug/search/", s.handleDebugSearch)
	} else {
		for _, path := range []string{"/debug/stats", "/debug/export/", "/debug/conflicts", "/debug/operations", "/debug/search/"} {
			mux.HandleFunc(path, notFound)
		}
	}
	return mux
}

func notFound(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) }

// checkAuth enforces the shared bearer token when one was configured at
// startup. Real token issuance/verification is an external concern; this
// is the minimal stand-in the daemon needs to return 401 for a
// missing/invalid Authorization header.
func (s *server) checkAuth(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	return header == "Bearer "+s.authToken
}

func (s *server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.checkAuth(r) {
		writeJSONError(w, http.StatusUnauthorized, "missing or invalid bearer token")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	var instance any
	if err := json.Unmarshal(body, &instance); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if err := s.syncSchema.Validate(instance); err != nil {
		writeJSONError(w, http.StatusBadRequest, "schema violation: "+err.Error())
		return
	}

	var req cluster.SyncRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "decode: "+err.Error())
		return
	}

	resp, err := s.client.HandleSync(r.Context(), req)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := s.partitionMap != nil && s.partitionMap.Version() > 0
	writeJSON(w, http.StatusOK, map[string]any{"ready": ready})
}

func (s *server) handleDebugStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.client.Stats())
}

func (s *server) handleDebugExport(w http.ResponseWriter, r *http.Request) {
	mapName := strings.TrimPrefix(r.URL.Path, "/debug/export/")
	if mapName == "" {
		writeJSONError(w, http.StatusBadRequest, "missing map name")
		return
	}
	writeJSON(w, http.StatusOK, s.client.Export(mapName))
}

func (s *server) handleDebugConflicts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.conflicts.recent(limit))
}

func (s *server) handleDebugOperations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.client.Operations())
}

func (s *server) handleDebugSearch(w http.ResponseWriter, r *http.Request) {
	mapName := strings.TrimPrefix(r.URL.Path, "/debug/search/")
	if mapName == "" {
		writeJSONError(w, http.StatusBadRequest, "missing map name")
		return
	}
	query := r.URL.Query().Get("q")
	writeJSON(w, http.StatusOK, s.client.Searches(mapName, query))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
