package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/vigiasec/ingest/internal/model"
	"github.com/vigiasec/ingest/internal/store"
	"github.com/vigiasec/ingest/internal/vault"
)

// connectorRequest is the create/update payload. Credentials arrive in
// plaintext exactly once, get sealed through the vault and ride inside the
// stored configuration; they are never echoed back.
type connectorRequest struct {
	Name           string              `json:"name"`
	Type           model.ConnectorType `json:"type"`
	Vendor         string              `json:"vendor"`
	OrganizationID int64               `json:"organizationId"`
	Configuration  map[string]any      `json:"configuration"`
	Credentials    *vault.Credentials  `json:"credentials,omitempty"`
}

func (s *Server) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListConnectors(r.Context(), queryInt64(r, "orgId"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleCreateConnector(w http.ResponseWriter, r *http.Request) {
	var req connectorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed connector payload")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if !req.Type.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown connector type %q", req.Type))
		return
	}

	cfg, err := s.sealConfiguration(req.Configuration, req.Credentials, req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec := &model.ConnectorRecord{
		OrganizationID: req.OrganizationID,
		Name:           req.Name,
		Type:           req.Type,
		Vendor:         req.Vendor,
		Configuration:  cfg,
		Status:         model.StatusActive,
		IsActive:       true,
	}
	if err := s.store.CreateConnector(r.Context(), rec); err != nil {
		writeStoreError(w, err)
		return
	}

	// Backends without a change feed rely on this explicit reconcile; with
	// one the second pass is a no-op. A build failure lands on the record
	// as status=error, which the re-read below surfaces.
	if err := s.manager.Reconcile(r.Context(), rec.ID); err != nil {
		s.log.Warn().Int64("connector_id", rec.ID).Err(err).Msg("reconcile after create failed")
	}
	if latest, err := s.store.GetConnector(r.Context(), rec.ID); err == nil {
		rec = latest
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetConnector(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad connector id")
		return
	}
	rec, err := s.store.GetConnector(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdateConnector(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad connector id")
		return
	}
	rec, err := s.store.GetConnector(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	var req connectorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed connector payload")
		return
	}
	if req.Name != "" {
		rec.Name = req.Name
	}
	if req.Vendor != "" {
		rec.Vendor = req.Vendor
	}
	if req.Type != "" {
		if !req.Type.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown connector type %q", req.Type))
			return
		}
		rec.Type = req.Type
	}

	cfg, err := s.mergeConfiguration(rec.Configuration, req.Configuration, req.Credentials, rec.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec.Configuration = cfg
	rec.UpdatedAt = time.Now()

	if err := s.store.UpdateConnector(r.Context(), rec); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.manager.Reconcile(r.Context(), rec.ID); err != nil {
		s.log.Warn().Int64("connector_id", rec.ID).Err(err).Msg("reconcile after update failed")
	}
	if latest, err := s.store.GetConnector(r.Context(), rec.ID); err == nil {
		rec = latest
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteConnector(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad connector id")
		return
	}
	if err := s.store.DeleteConnector(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.manager.Reconcile(r.Context(), id); err != nil {
		s.log.Warn().Int64("connector_id", id).Err(err).Msg("reconcile after delete failed")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartConnector(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	if err := s.manager.StartConnector(r.Context(), id); err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleStopConnector(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	if err := s.manager.StopConnector(r.Context(), id); err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handlePauseConnector(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	if err := s.manager.PauseConnector(id); err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResumeConnector(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	if err := s.manager.ResumeConnector(id); err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleTestConnector(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	result, err := s.manager.TestConnector(r.Context(), id)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRunConnector(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	if err := s.manager.RunNow(r.Context(), id); err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "triggered"})
}

func (s *Server) handleConnectorLogs(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	limit := queryInt(r, "limit", 100)
	if limit > 1000 {
		limit = 1000
	}
	logs, err := s.store.ListConnectorLogs(r.Context(), id, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleConnectorEvents(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	limit := queryInt(r, "limit", 100)
	if limit > 1000 {
		limit = 1000
	}
	evs, err := s.store.ListRawEvents(r.Context(), id, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	if limit > 1000 {
		limit = 1000
	}
	alerts, err := s.store.ListAlerts(r.Context(), queryInt64(r, "orgId"), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

// sealConfiguration validates and seals plaintext credentials into the
// configuration under the "credentials" key. An incoming "credentials" key
// inside the configuration itself is dropped: the sealed blob is the only
// thing that ever lives there.
func (s *Server) sealConfiguration(cfg map[string]any, creds *vault.Credentials, ct model.ConnectorType) (json.RawMessage, error) {
	if cfg == nil {
		cfg = map[string]any{}
	}
	delete(cfg, "credentials")
	if creds != nil {
		if !s.vault.Validate(creds, ct) {
			return nil, fmt.Errorf("credentials incomplete for connector type %q", ct)
		}
		sealed, err := s.vault.Encrypt(creds)
		if err != nil {
			return nil, fmt.Errorf("sealing credentials: %w", err)
		}
		cfg["credentials"] = sealed
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding configuration: %w", err)
	}
	return raw, nil
}

// mergeConfiguration computes the stored configuration after an update. A
// request configuration replaces the old one wholesale; absent credentials
// carry the existing sealed blob forward so updating an interval does not
// wipe the secrets.
func (s *Server) mergeConfiguration(existing json.RawMessage, next map[string]any, creds *vault.Credentials, ct model.ConnectorType) (json.RawMessage, error) {
	var keep json.RawMessage
	if len(existing) > 0 {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(existing, &fields); err == nil {
			keep = fields["credentials"]
		}
	}

	if next == nil {
		if creds == nil {
			return existing, nil
		}
		next = map[string]any{}
		if len(existing) > 0 {
			if err := json.Unmarshal(existing, &next); err != nil {
				return nil, fmt.Errorf("reading stored configuration: %w", err)
			}
		}
	}

	delete(next, "credentials")
	switch {
	case creds != nil:
		if !s.vault.Validate(creds, ct) {
			return nil, fmt.Errorf("credentials incomplete for connector type %q", ct)
		}
		sealed, err := s.vault.Encrypt(creds)
		if err != nil {
			return nil, fmt.Errorf("sealing credentials: %w", err)
		}
		next["credentials"] = sealed
	case keep != nil:
		next["credentials"] = keep
	}

	raw, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("encoding configuration: %w", err)
	}
	return raw, nil
}

// writeLifecycleError maps manager failures: unknown records 404, anything
// else is a state conflict the message explains.
func writeLifecycleError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "connector not found")
		return
	}
	writeError(w, http.StatusConflict, err.Error())
}
