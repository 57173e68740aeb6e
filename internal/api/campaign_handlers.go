// Package api provides the REST handlers for the campaign send engine.
package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-engine/internal/pkg/httputil"
	"github.com/ignite/campaign-engine/internal/service/campaign"
)

// ownerHeader identifies the acting owner on every campaign request.
const ownerHeader = "X-Owner-ID"

// CampaignHandler handles campaign API requests
type CampaignHandler struct {
	manager *campaign.Manager
}

// NewCampaignHandler creates a new campaign handler
func NewCampaignHandler(manager *campaign.Manager) *CampaignHandler {
	return &CampaignHandler{manager: manager}
}

// RegisterRoutes registers campaign routes on the provided router
func (h *CampaignHandler) RegisterRoutes(r chi.Router) {
	r.Route("/campaign", func(r chi.Router) {
		r.Post("/start", h.HandleStart)
		r.Post("/stop", h.HandleStop)
		r.Post("/resume", h.HandleResume)
		r.Post("/reset", h.HandleReset)
		r.Put("/recipients", h.HandleUpdateRecipients)
		r.Get("/status", h.HandleStatus)
	})
}

func (h *CampaignHandler) engine(w http.ResponseWriter, r *http.Request) (*campaign.Engine, bool) {
	owner := r.Header.Get(ownerHeader)
	if owner == "" {
		httputil.Error(w, http.StatusBadRequest, ownerHeader+" header is required")
		return nil, false
	}
	return h.manager.ForOwner(owner), true
}

// HandleStart starts a new campaign or resumes the current one with new data
func (h *CampaignHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}

	var input campaign.StartInput
	if !httputil.Decode(w, r, &input) {
		return
	}

	res, err := e.Start(r.Context(), input)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.OK(w, res)
}

// HandleStop pauses the current campaign, preserving its position
func (h *CampaignHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	if err := e.Stop(r.Context()); err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "stopped"})
}

// HandleResume re-activates the current paused campaign
func (h *CampaignHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	if err := e.Resume(r.Context()); err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "resumed"})
}

// HandleReset clears the current campaign. Campaigns with send history are
// completed rather than deleted.
func (h *CampaignHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	if err := e.Reset(r.Context()); err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "reset"})
}

// HandleUpdateRecipients replaces the recipient list of the current campaign
func (h *CampaignHandler) HandleUpdateRecipients(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}

	var input struct {
		Emails []string `json:"emails"`
	}
	if !httputil.Decode(w, r, &input) {
		return
	}

	if err := e.UpdateRecipients(r.Context(), input.Emails); err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "updated"})
}

// HandleStatus returns the current campaign, recent sends, and quota usage
func (h *CampaignHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	st, err := e.Status(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.OK(w, st)
}

// writeEngineError maps engine sentinel errors onto HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, campaign.ErrInvalidInput):
		httputil.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, campaign.ErrNotFound):
		httputil.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, campaign.ErrConflict):
		httputil.Error(w, http.StatusConflict, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}
