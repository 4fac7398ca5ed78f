package api

import (
	"net/http"
	"time"

	"github.com/sprite-ai/tiergate/internal/checks"
	"github.com/sprite-ai/tiergate/internal/classify"
	"github.com/sprite-ai/tiergate/internal/diff"
	"github.com/sprite-ai/tiergate/internal/gate"
	"github.com/sprite-ai/tiergate/internal/metrics"
	"github.com/sprite-ai/tiergate/internal/model"
	"github.com/sprite-ai/tiergate/internal/orchestrator"
)

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Classify ---

type classifyRequest struct {
	ChangedFileCount     int `json:"changed_file_count"`
	CriticalFilesTouched int `json:"critical_files_touched"`
	ConflictPotential    int `json:"conflict_potential"`
}

type classifyResponse struct {
	Tier   model.RiskTier `json:"tier"`
	Action model.Action   `json:"action"`
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.ChangedFileCount < 0 || req.CriticalFilesTouched < 0 || req.ConflictPotential < 0 {
		s.writeError(w, http.StatusBadRequest, "metrics must be non-negative")
		return
	}

	m := model.ChangeMetrics{
		ChangedFileCount:     req.ChangedFileCount,
		CriticalFilesTouched: req.CriticalFilesTouched,
		ConflictPotential:    req.ConflictPotential,
	}
	tier := classify.Classify(m, s.cfg.Tiers())
	s.writeJSON(w, http.StatusOK, classifyResponse{
		Tier:   tier,
		Action: orchestrator.PlanAction(m, tier, s.cfg),
	})
}

// --- Analyze ---

type analyzeRequest struct {
	// Diff is the candidate's changes since the merge base.
	Diff string `json:"diff"`
	// BaseDiff, when set, is the base branch's changes since the merge base and feeds the
	// conflict estimate.
	BaseDiff string `json:"base_diff,omitempty"`
	Branch   string `json:"branch,omitempty"`
	Validate bool   `json:"validate,omitempty"`
}

type analyzeResponse struct {
	Metrics  model.ChangeMetrics       `json:"metrics"`
	Initial  model.RiskTier            `json:"initial_tier"`
	Tier     model.RiskTier            `json:"tier"`
	Action   model.Action              `json:"action"`
	Reason   string                    `json:"reason,omitempty"`
	Outcomes []model.ValidationOutcome `json:"validation,omitempty"`
	Stats    diffStatsJSON             `json:"stats"`
}

type diffStatsJSON struct {
	Files   int `json:"files"`
	Added   int `json:"added"`
	Deleted int `json:"deleted"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	if req.Diff == "" {
		s.writeError(w, http.StatusBadRequest, "diff is required")
		return
	}
	if req.Validate && s.checks == nil {
		s.writeError(w, http.StatusNotImplemented, "validation is not enabled on this server")
		return
	}

	ds, err := diff.Parse(req.Diff)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "parsing diff: "+err.Error())
		return
	}
	var conflicts []string
	if req.BaseDiff != "" {
		base, err := diff.Parse(req.BaseDiff)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "parsing base diff: "+err.Error())
			return
		}
		conflicts = metrics.Overlap(ds, base)
	}

	m := metrics.Compute(ds, conflicts, s.matcher)
	m.ComputedAt = time.Now().UTC()
	tier := classify.Classify(m, s.cfg.Tiers())

	nFiles, added, deleted := ds.Stats()
	resp := analyzeResponse{
		Metrics: m,
		Initial: tier,
		Tier:    tier,
		Stats:   diffStatsJSON{Files: nFiles, Added: added, Deleted: deleted},
	}

	if req.Validate {
		branch := req.Branch
		if branch == "" {
			branch = "api"
		}
		repo := s.cfg.Repository()
		g := gate.New(s.cfg.Tiers(), s.checks, s.cfg.Settings().MaxParallelJobs, s.logger)
		d := g.Evaluate(r.Context(), tier, checks.Input{
			Candidate: model.NewCandidate(branch, repo.Base, time.Now().UTC()),
			Metrics:   m,
			Diff:      ds,
			RepoDir:   repo.Path,
		})
		if d.Err != nil {
			s.writeError(w, http.StatusServiceUnavailable, "validation interrupted: "+d.Err.Error())
			return
		}
		resp.Tier = d.Tier
		resp.Reason = d.Reason
		resp.Outcomes = d.Outcomes
	}
	resp.Action = orchestrator.PlanAction(m, resp.Tier, s.cfg)

	s.writeJSON(w, http.StatusOK, resp)
}

// --- Parse ---

type parseRequest struct {
	Diff string `json:"diff"`
}

type parseResponse struct {
	Files []fileJSON    `json:"files"`
	Stats diffStatsJSON `json:"stats"`
}

type fileJSON struct {
	Name         string `json:"name"`
	OldName      string `json:"old_name,omitempty"`
	NewName      string `json:"new_name,omitempty"`
	IsNew        bool   `json:"is_new,omitempty"`
	IsDeleted    bool   `json:"is_deleted,omitempty"`
	IsRenamed    bool   `json:"is_renamed,omitempty"`
	IsBinary     bool   `json:"is_binary,omitempty"`
	Critical     bool   `json:"critical,omitempty"`
	AddedLines   int    `json:"added_lines"`
	DeletedLines int    `json:"deleted_lines"`
	Fragments    int    `json:"fragments"`
}

func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	var req parseRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	if req.Diff == "" {
		s.writeError(w, http.StatusBadRequest, "diff is required")
		return
	}

	ds, err := diff.Parse(req.Diff)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "parsing diff: "+err.Error())
		return
	}

	nFiles, added, deleted := ds.Stats()
	resp := parseResponse{
		Files: make([]fileJSON, 0, len(ds.Files)),
		Stats: diffStatsJSON{Files: nFiles, Added: added, Deleted: deleted},
	}
	for _, f := range ds.Files {
		resp.Files = append(resp.Files, fileJSON{
			Name:         f.Name(),
			OldName:      f.OldName,
			NewName:      f.NewName,
			IsNew:        f.IsNew,
			IsDeleted:    f.IsDeleted,
			IsRenamed:    f.IsRenamed,
			IsBinary:     f.IsBinary,
			Critical:     s.matcher.IsCritical(f.Path()),
			AddedLines:   f.AddedLines,
			DeletedLines: f.DeletedLines,
			Fragments:    len(f.Fragments),
		})
	}

	s.writeJSON(w, http.StatusOK, resp)
}
