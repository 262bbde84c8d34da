package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/arklabs/ark/pkg/federation"
	"github.com/arklabs/ark/pkg/identity"
	"github.com/arklabs/ark/pkg/types"
)

// federationReady guards the federation endpoints when the subsystem is
// disabled by configuration.
func (s *Server) federationReady(w http.ResponseWriter) bool {
	if s.opts.Registry == nil || s.opts.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, types.CodeInternalError, "federation is disabled", "", false)
		return false
	}
	return true
}

func (s *Server) federationInfo(w http.ResponseWriter, r *http.Request) {
	if !s.federationReady(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Registry.Self())
}

func (s *Server) listPeers(w http.ResponseWriter, r *http.Request) {
	if !s.federationReady(w) {
		return
	}
	peers := s.opts.Registry.List()
	writeJSON(w, http.StatusOK, map[string]any{"peers": peers, "count": len(peers)})
}

func (s *Server) addPeer(w http.ResponseWriter, r *http.Request) {
	if !s.federationReady(w) {
		return
	}
	var rec types.PeerRecord
	if !decodeJSON(w, r, &rec) {
		return
	}
	if err := s.opts.Registry.Register(&rec); err != nil {
		writeError(w, http.StatusBadRequest, types.CodeInvalidPayload, err.Error(), "", false)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"peer_id": rec.PeerID, "status": "registered"})
}

func (s *Server) removePeer(w http.ResponseWriter, r *http.Request) {
	if !s.federationReady(w) {
		return
	}
	peerID := chi.URLParam(r, "peer_id")
	if err := s.opts.Registry.Remove(peerID); err != nil {
		writeError(w, http.StatusNotFound, types.CodeNotFound, err.Error(), "", false)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"peer_id": peerID, "status": "removed"})
}

type syncBody struct {
	PeerID string `json:"peer_id,omitempty"`
}

func (s *Server) triggerSync(w http.ResponseWriter, r *http.Request) {
	if !s.federationReady(w) {
		return
	}
	var body syncBody
	if !decodeJSON(w, r, &body) {
		return
	}

	if body.PeerID != "" {
		result, err := s.opts.Sync.SyncWith(r.Context(), body.PeerID)
		if err != nil {
			s.writeSyncError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	// No peer named: run a cycle against every reachable peer.
	var results []*federation.SyncResult
	for _, rec := range s.opts.Registry.Reachable() {
		result, err := s.opts.Sync.SyncWith(r.Context(), rec.PeerID)
		if err != nil {
			results = append(results, &federation.SyncResult{PeerID: rec.PeerID, Outcome: "failed"})
			continue
		}
		results = append(results, result)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) writeSyncError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, federation.ErrUnknownPeer):
		writeError(w, http.StatusNotFound, types.CodeNotFound, err.Error(), "", false)
	case errors.Is(err, federation.ErrSyncBackoff):
		writeError(w, http.StatusConflict, types.CodeManifestMismatch, err.Error(), "", true)
	case strings.Contains(err.Error(), types.CodePeerUnreachable):
		writeError(w, http.StatusBadGateway, types.CodePeerUnreachable, err.Error(), "", true)
	default:
		writeError(w, http.StatusInternalServerError, types.CodeInternalError, err.Error(), "", true)
	}
}

func (s *Server) receiveManifest(w http.ResponseWriter, r *http.Request) {
	s.receiveEnvelope(w, r, func(env *federation.Envelope) (*federation.Envelope, error) {
		return s.opts.Sync.HandleManifest(env)
	})
}

func (s *Server) receiveNodes(w http.ResponseWriter, r *http.Request) {
	s.receiveEnvelope(w, r, func(env *federation.Envelope) (*federation.Envelope, error) {
		return s.opts.Sync.HandleNodes(env)
	})
}

// receiveEnvelope is the shared inbound path for the two federation
// exchanges: decode, verify through the engine, answer with our sealed
// envelope. Signature failures answer 401 and the payload is not applied.
func (s *Server) receiveEnvelope(w http.ResponseWriter, r *http.Request,
	handle func(*federation.Envelope) (*federation.Envelope, error)) {
	if !s.federationReady(w) {
		return
	}
	var env federation.Envelope
	if !decodeJSON(w, r, &env) {
		return
	}

	resp, err := handle(&env)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidSignature), errors.Is(err, federation.ErrUnknownPeer):
			writeError(w, http.StatusUnauthorized, types.CodeInvalidSignature, err.Error(), "", false)
		case errors.Is(err, federation.ErrManifestIntegrity):
			writeError(w, http.StatusConflict, types.CodeManifestMismatch, err.Error(), "", true)
		default:
			writeError(w, http.StatusInternalServerError, types.CodeInternalError, err.Error(), "", true)
		}
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
