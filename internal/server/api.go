package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/markus-barta/fleetlink/internal/dispatch"
	"github.com/markus-barta/fleetlink/internal/fleet"
	"github.com/markus-barta/fleetlink/internal/identity"
)

type submitRequest struct {
	Command   string          `json:"command"`
	Args      json.RawMessage `json:"args,omitempty"`
	Priority  int             `json:"priority"`
	NotBefore *time.Time      `json:"not_before,omitempty"`
}

type deviceView struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Liveness    fleet.LivenessState `json:"liveness"`
	Live        bool                `json:"live"`
	Maintenance bool                `json:"maintenance"`
	LastSeen    *time.Time          `json:"last_seen,omitempty"`
	RemoteAddr  string              `json:"remote_addr,omitempty"`
	Instance    string              `json:"instance,omitempty"`
}

type recordView struct {
	Status      fleet.CommandStatus `json:"status"`
	Attempt     int                 `json:"attempt"`
	Output      string              `json:"output,omitempty"`
	Error       string              `json:"error,omitempty"`
	CompletedAt time.Time           `json:"completed_at"`
}

type commandView struct {
	ID          string              `json:"id"`
	DeviceID    string              `json:"device_id"`
	Command     string              `json:"command"`
	Args        json.RawMessage     `json:"args,omitempty"`
	Priority    int                 `json:"priority"`
	Status      fleet.CommandStatus `json:"status"`
	Attempts    int                 `json:"attempts"`
	SubmittedAt time.Time           `json:"submitted_at"`
	SubmittedBy string              `json:"submitted_by,omitempty"`
	RetryOf     string              `json:"retry_of,omitempty"`
}

type commandDetail struct {
	commandView
	Records []recordView `json:"records"`
}

func newCommandView(cmd *fleet.QueuedCommand) commandView {
	return commandView{
		ID:          cmd.ID,
		DeviceID:    cmd.DeviceID,
		Command:     cmd.Command,
		Args:        cmd.Args,
		Priority:    cmd.Priority,
		Status:      cmd.Status,
		Attempts:    cmd.Attempts,
		SubmittedAt: cmd.SubmittedAt,
		SubmittedBy: cmd.SubmittedBy,
		RetryOf:     cmd.RetryOf,
	}
}

// caller returns the verified identity or answers 401.
func caller(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
	who, ok := identity.FromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing identity"})
	}
	return who, ok
}

// handleSubmit answers 200 when the command reached the device and 202 when
// it is queued.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	if !who.CanSubmit() {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "role may not submit commands"})
		return
	}

	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", fleet.ErrInvalid, err))
		return
	}
	sub := dispatch.Submission{
		DeviceID: chi.URLParam(r, "deviceID"),
		Command:  req.Command,
		Args:     req.Args,
		Priority: req.Priority,
	}
	if req.NotBefore != nil {
		sub.NotBefore = *req.NotBefore
	}

	out, err := s.deps.Dispatcher.Submit(r.Context(), who, sub)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, outcomeStatus(out), out)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	if !who.CanSubmit() {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "role may not submit commands"})
		return
	}

	out, err := s.deps.Dispatcher.Retry(r.Context(), who, chi.URLParam(r, "commandID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, outcomeStatus(out), out)
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	if who.Role != identity.RoleAdmin {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin role required"})
		return
	}

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", fleet.ErrInvalid, err))
		return
	}

	deviceID := chi.URLParam(r, "deviceID")
	if err := s.deps.Dispatcher.SetMaintenance(r.Context(), deviceID, req.Enabled); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info().Str("device", deviceID).Bool("enabled", req.Enabled).Str("by", who.Subject).Msg("maintenance changed")
	writeJSON(w, http.StatusOK, map[string]any{"device": deviceID, "maintenance": req.Enabled})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.deps.Store.ListDevices(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		live := s.deps.Registry.IsLive(d.ID)
		v := deviceView{
			ID:          d.ID,
			Name:        d.Name,
			Liveness:    d.Liveness(),
			Live:        live,
			Maintenance: d.Maintenance,
			RemoteAddr:  d.RemoteAddr,
		}
		// The registry is authoritative over the stored bit.
		if !d.Maintenance {
			v.Liveness = fleet.StateOffline
			if live {
				v.Liveness = fleet.StateOnline
			}
		}
		if !live {
			// Another instance may hold the session.
			v.Instance, _ = s.deps.Registry.Owner(r.Context(), d.ID)
		}
		if !d.LastSeen.IsZero() {
			ls := d.LastSeen
			v.LastSeen = &ls
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": views})
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "commandID")
	cmd, err := s.deps.Store.GetCommand(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	records, err := s.deps.Store.ListRecords(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	v := commandDetail{
		commandView: newCommandView(cmd),
		Records:     make([]recordView, 0, len(records)),
	}
	for _, rec := range records {
		v.Records = append(v.Records, recordView{
			Status:      rec.Status,
			Attempt:     rec.Attempt,
			Output:      rec.Output,
			Error:       rec.Error,
			CompletedAt: rec.CompletedAt,
		})
	}
	writeJSON(w, http.StatusOK, v)
}

// handleListCommands returns every command of a device in submission order.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if _, err := s.deps.Store.GetDevice(r.Context(), deviceID); err != nil {
		s.writeError(w, r, err)
		return
	}
	cmds, err := s.deps.Store.ListCommands(r.Context(), deviceID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	views := make([]commandView, 0, len(cmds))
	for _, cmd := range cmds {
		views = append(views, newCommandView(cmd))
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": views})
}

func outcomeStatus(out dispatch.Outcome) int {
	if out.Status == dispatch.OutcomeDelivered {
		return http.StatusOK
	}
	return http.StatusAccepted
}
