package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"adwatch/internal/config"
	"adwatch/internal/domain"
	"adwatch/internal/evaluate"
	"adwatch/internal/probe"
	"adwatch/internal/repo"
)

// Server exposes the read-mostly diagnostics API. The only write it
// accepts is registering a fallback node, which mirrors how operators
// seed nodes before the inventory side knows about them.
type Server struct {
	Logger     *zap.Logger
	Nodes      repo.NodeStore
	Outcomes   repo.ProbeStore
	Entities   repo.EntityStore
	Liveness   *evaluate.Liveness
	Classifier probe.Classifier
	Config     *config.Provider
}

func NewServer(l *zap.Logger, nodes repo.NodeStore, outcomes repo.ProbeStore, entities repo.EntityStore, lv *evaluate.Liveness, c probe.Classifier, cfg *config.Provider) *Server {
	return &Server{
		Logger:     l,
		Nodes:      nodes,
		Outcomes:   outcomes,
		Entities:   entities,
		Liveness:   lv,
		Classifier: c,
		Config:     cfg,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.AllowAll().Handler)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/api/nodes", s.handleListNodes)
	r.Post("/api/nodes", s.handleAddNode)
	r.Get("/api/nodes/{id}/outcomes", s.handleNodeOutcomes)
	r.Get("/api/liveness", s.handleLiveness)

	return r
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	source := domain.NodeSource(r.URL.Query().Get("source"))
	nodes, err := s.Nodes.ListNodes(r.Context(), source)
	if err != nil {
		http.Error(w, "list error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, nodes)
}

type addNodePayload struct {
	Name      string `json:"name"`
	DNSName   string `json:"dns_name"`
	IPAddress string `json:"ip_address"`
	Bucket    string `json:"bucket"`
}

func (s *Server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	var p addNodePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || (p.DNSName == "" && p.IPAddress == "") {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	if p.Name == "" {
		p.Name = p.DNSName
		if p.Name == "" {
			p.Name = p.IPAddress
		}
	}

	n := &domain.DirectoryNode{
		ID:        domain.NodeID(uuid.NewString()),
		Source:    domain.SourceFallback,
		Name:      p.Name,
		DNSName:   p.DNSName,
		IPAddress: p.IPAddress,
		Bucket:    p.Bucket,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.Nodes.UpsertNode(r.Context(), n); err != nil {
		http.Error(w, "could not add", http.StatusInternalServerError)
		return
	}

	// Run a single probe synchronously for immediate feedback.
	cfg, err := s.Config.Current()
	if err != nil {
		s.Logger.Warn("config_reload_failed", zap.Error(err))
	}
	creds := probe.Credentials{
		Domain:   cfg.Bind.Domain,
		Username: cfg.Bind.Username,
		Password: cfg.Bind.Password,
	}
	out := s.Classifier.Probe(r.Context(), n.Address(), creds, probe.SearchConfig{BaseDN: cfg.Bind.SearchBase})

	po := &domain.ProbeOutcome{
		UUID:           uuid.New(),
		NodeID:         n.ID,
		Kind:           out.Kind,
		ConnectElapsed: out.ConnectElapsed,
		SearchElapsed:  out.SearchElapsed,
		Diagnostic:     out.Diagnostic,
		ProbedAt:       time.Now().UTC(),
	}
	_ = s.Outcomes.Record(r.Context(), po)

	s.Logger.Info("added_node",
		zap.String("node", n.Name),
		zap.String("address", n.Address()),
		zap.String("outcome", string(out.Kind)),
	)

	writeJSON(w, map[string]any{"node": n, "outcome": po})
}

func (s *Server) handleNodeOutcomes(w http.ResponseWriter, r *http.Request) {
	id := domain.NodeID(chi.URLParam(r, "id"))
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "bad hours", http.StatusBadRequest)
			return
		}
		hours = n
	}

	now := time.Now().UTC()
	win := repo.Window{From: now.Add(-time.Duration(hours) * time.Hour), To: now}
	outs, err := s.Outcomes.Query(r.Context(), win, repo.ProbeFilter{NodeID: id})
	if err != nil {
		http.Error(w, "query error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, outs)
}

type livenessEntry struct {
	Entity  domain.Entity `json:"entity"`
	Alive   bool          `json:"alive"`
	Skipped bool          `json:"skipped"`
	Level   string        `json:"level"`
	Stale   string        `json:"stale"`
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Config.Current()
	if err != nil {
		s.Logger.Warn("config_reload_failed", zap.Error(err))
	}
	now := time.Now().UTC()

	var entries []livenessEntry
	sites, err := s.Entities.ListEntities(r.Context(), domain.KindSite)
	if err != nil {
		http.Error(w, "list error", http.StatusInternalServerError)
		return
	}
	for _, site := range sites {
		sv, members, err := s.Liveness.EvaluateSite(r.Context(), site, cfg, now)
		if err != nil {
			http.Error(w, "evaluate error", http.StatusInternalServerError)
			return
		}
		entries = append(entries, toEntry(sv))
		for _, mv := range members {
			entries = append(entries, toEntry(mv))
		}
	}
	writeJSON(w, entries)
}

func toEntry(v evaluate.Verdict) livenessEntry {
	return livenessEntry{
		Entity:  v.Entity,
		Alive:   v.Alive,
		Skipped: v.Skipped,
		Level:   v.Level.String(),
		Stale:   v.Stale.String(),
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
