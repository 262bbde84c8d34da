package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/arklabs/ark/pkg/generation"
	"github.com/arklabs/ark/pkg/lattice"
	"github.com/arklabs/ark/pkg/orchestrator"
	"github.com/arklabs/ark/pkg/scoring"
	"github.com/arklabs/ark/pkg/types"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "healthy",
		"version": s.opts.Version,
	}
	if s.opts.Registry != nil {
		resp["peer_id"] = s.opts.Registry.Self().PeerID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	type agentStatus struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	out := []agentStatus{}
	if s.opts.Agents != nil {
		for _, name := range s.opts.Agents.Names() {
			out = append(out, agentStatus{Name: name, Status: "running"})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

type submitBody struct {
	Raw          string            `json:"raw,omitempty"`
	Requirements []string          `json:"requirements,omitempty"`
	Options      map[string]string `json:"options,omitempty"`
}

func (s *Server) submitRequest(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Raw == "" && len(body.Requirements) == 0 {
		writeError(w, http.StatusBadRequest, types.CodeInvalidPayload,
			"either raw or requirements must be provided", "", false)
		return
	}

	cid, err := s.opts.Orchestrator.Submit(body.Raw, body.Requirements, body.Options)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, types.CodeInternalError, err.Error(), "", true)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"correlation_id": cid,
		"state":          types.StateReceived,
	})
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "cid")
	snap, ok := s.opts.Orchestrator.Snapshot(cid)
	if !ok {
		writeError(w, http.StatusNotFound, types.CodeNotFound, "unknown correlation id", cid, false)
		return
	}

	resp := map[string]any{"pipeline": snap}
	if s.opts.Bus != nil {
		resp["messages"] = s.opts.Bus.History(cid)
	}
	if s.opts.Errors != nil {
		resp["escalations"] = s.opts.Errors.ByCorrelation(cid)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) cancelRequest(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "cid")
	if err := s.opts.Orchestrator.Cancel(cid); err != nil {
		if errors.Is(err, orchestrator.ErrUnknownCorrelation) {
			writeError(w, http.StatusNotFound, types.CodeNotFound, "unknown correlation id", cid, false)
			return
		}
		writeError(w, http.StatusInternalServerError, types.CodeInternalError, err.Error(), cid, false)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"correlation_id": cid, "status": "cancelling"})
}

func (s *Server) latticeStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.opts.Store.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.CodeStoreUnavailable, err.Error(), "", true)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) latticeQuery(w http.ResponseWriter, r *http.Request) {
	var sel lattice.Selectors
	if !decodeJSON(w, r, &sel) {
		return
	}
	if sel.Kind != "" && !types.ValidKind(sel.Kind) {
		writeError(w, http.StatusBadRequest, types.CodeInvalidPayload,
			"unknown node kind: "+string(sel.Kind), "", false)
		return
	}

	nodes, err := s.opts.Store.Query(sel)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.CodeStoreUnavailable, err.Error(), "", true)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "count": len(nodes)})
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.opts.Store.Get(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, lattice.ErrNotFound) {
			writeError(w, http.StatusNotFound, types.CodeNotFound, err.Error(), "", false)
			return
		}
		writeError(w, http.StatusInternalServerError, types.CodeStoreUnavailable, err.Error(), "", true)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) putNode(w http.ResponseWriter, r *http.Request) {
	var node types.CapabilityNode
	if !decodeJSON(w, r, &node) {
		return
	}

	stamped, err := s.opts.Store.Put(&node)
	if err != nil {
		switch {
		case errors.Is(err, lattice.ErrInvalidGraph):
			writeError(w, http.StatusConflict, types.CodeInvalidGraph, err.Error(), "", false)
		case errors.Is(err, lattice.ErrStoreUnavailable):
			writeError(w, http.StatusInternalServerError, types.CodeStoreUnavailable, err.Error(), "", true)
		default:
			writeError(w, http.StatusBadRequest, types.CodeInvalidPayload, err.Error(), "", false)
		}
		return
	}
	writeJSON(w, http.StatusOK, stamped)
}

func (s *Server) deleteNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.opts.Store.Delete(id); err != nil {
		if errors.Is(err, lattice.ErrNotFound) {
			writeError(w, http.StatusNotFound, types.CodeNotFound, err.Error(), "", false)
			return
		}
		writeError(w, http.StatusInternalServerError, types.CodeStoreUnavailable, err.Error(), "", true)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "deleted"})
}

type generateBody struct {
	Requirements []string           `json:"requirements"`
	Language     string             `json:"language,omitempty"`
	Framework    string             `json:"framework,omitempty"`
	TargetKind   string             `json:"target_kind,omitempty"`
	Weights      map[string]float64 `json:"weights,omitempty"`
	Extra        map[string]string  `json:"extra,omitempty"`
}

func (s *Server) generate(w http.ResponseWriter, r *http.Request) {
	var body generateBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if len(body.Requirements) == 0 {
		writeError(w, http.StatusBadRequest, types.CodeInvalidPayload, "requirements must not be empty", "", false)
		return
	}

	result, err := s.opts.Engine.Generate(body.Requirements, generation.Options{
		Language:   body.Language,
		Framework:  body.Framework,
		TargetKind: body.TargetKind,
		Weights:    scoring.Weights(body.Weights),
		Extra:      body.Extra,
	})
	if err != nil {
		switch {
		case errors.Is(err, scoring.ErrInvalidWeights):
			writeError(w, http.StatusBadRequest, types.CodeInvalidWeights, err.Error(), "", false)
		case errors.Is(err, generation.ErrNoCandidates):
			writeError(w, http.StatusUnprocessableEntity, types.CodeNotFound, err.Error(), "", false)
		case errors.Is(err, generation.ErrUnresolvedDependency):
			writeError(w, http.StatusUnprocessableEntity, types.CodeUnresolvedDep, err.Error(), "", false)
		default:
			writeError(w, http.StatusInternalServerError, types.CodeInternalError, err.Error(), "", false)
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type validateBody struct {
	Action    map[string]any `json:"action"`
	RulesetID string         `json:"ruleset_id,omitempty"`
}

func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	var body validateBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Action == nil {
		writeError(w, http.StatusBadRequest, types.CodeInvalidPayload, "action is required", "", false)
		return
	}

	id := body.RulesetID
	if id == "" {
		id = "default"
	}
	rules, ok := s.opts.Rulesets[id]
	if !ok {
		writeError(w, http.StatusBadRequest, types.CodeInvalidPayload, "unknown ruleset: "+id, "", false)
		return
	}

	decision := scoring.Evaluate(rules, body.Action)
	writeJSON(w, http.StatusOK, decision)
}
