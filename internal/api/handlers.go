package api

import (
	"errors"
	"iot-gateway/internal/apicommon"
	"iot-gateway/internal/command"
	"iot-gateway/internal/events"
	"iot-gateway/internal/gateway"
	"iot-gateway/pkg/utils"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the gateway's two call shapes (command submission and
// status) plus device connect/disconnect for the device-management
// collaborator.
type Handler struct {
	l          *slog.Logger
	translator *command.Translator
	manager    *gateway.Manager
	bridge     *events.Bridge
}

// NewHandler creates the API handler.
func NewHandler(l *slog.Logger, translator *command.Translator, manager *gateway.Manager, bridge *events.Bridge) *Handler {
	return &Handler{
		l:          l.With(slog.String("component", "api-handler")),
		translator: translator,
		manager:    manager,
		bridge:     bridge,
	}
}

// Router builds the chi router with the standard middleware chain.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	mw := apicommon.NewMiddlewareHandler(h.l)
	r.Use(mw.RequestIDMiddleware)
	r.Use(mw.LoggerMiddleware)
	r.Use(mw.RecoveryMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/ping", apicommon.ErrorHandler(h.ping))
		r.Get("/health", apicommon.ErrorHandler(h.health))
		r.Get("/status", apicommon.ErrorHandler(h.getStatus))

		r.Route("/commands", func(r chi.Router) {
			r.Post("/", apicommon.ErrorHandler(h.submitCommand))
			r.Post("/batch", apicommon.ErrorHandler(h.batchSend))
			r.Get("/{commandID}", apicommon.ErrorHandler(h.getCommand))
		})

		r.Route("/devices", func(r chi.Router) {
			r.Post("/connect", apicommon.ErrorHandler(h.connectDevice))
			r.Post("/disconnect", apicommon.ErrorHandler(h.disconnectDevice))
			r.Post("/{protocol}/restart", apicommon.ErrorHandler(h.restartProtocol))
		})
	})

	return r
}

type pingResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (h *Handler) ping(w http.ResponseWriter, r *http.Request) error {
	apicommon.RespondJSON(w, r, http.StatusOK, pingResponse{Message: "pong", Status: "OK"})

	return nil
}

type healthResponse struct {
	Status   string                                 `json:"status"`
	Build    map[string]string                      `json:"build"`
	Adapters []gateway.AdapterStatus                `json:"adapters"`
	Events   map[gateway.EventType]events.ChannelStats `json:"events"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) error {
	apicommon.RespondJSON(w, r, http.StatusOK, healthResponse{
		Status:   "OK",
		Build:    utils.GetBuildInfo(),
		Adapters: h.manager.Status(),
		Events:   h.bridge.Stats(),
	})

	return nil
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) error {
	apicommon.RespondJSON(w, r, http.StatusOK, h.manager.Status())

	return nil
}

type submitCommandRequest struct {
	DeviceID    string               `json:"device_id"`
	Protocol    string               `json:"protocol"`
	CommandType string               `json:"command_type"`
	CommandData map[string]any       `json:"command_data,omitempty"`
	Config      gateway.DeviceConfig `json:"config,omitempty"`
}

func (req *submitCommandRequest) validate() map[string]string {
	fieldErrors := make(map[string]string)

	if req.DeviceID == "" {
		fieldErrors["device_id"] = "device_id is required"
	}

	if req.Protocol == "" {
		fieldErrors["protocol"] = "protocol is required"
	}

	if req.CommandType == "" {
		fieldErrors["command_type"] = "command_type is required"
	}

	return fieldErrors
}

type submitCommandResponse struct {
	CommandID string `json:"command_id"`
}

func (h *Handler) submitCommand(w http.ResponseWriter, r *http.Request) error {
	req, err := apicommon.DecodeJSON[submitCommandRequest](r)
	if err != nil {
		return err
	}

	if fieldErrors := req.validate(); len(fieldErrors) > 0 {
		return apicommon.NewValidationError(fieldErrors)
	}

	meta := gateway.DeviceMetadata{
		DeviceID: req.DeviceID,
		Protocol: req.Protocol,
		Config:   req.Config,
	}

	commandID, err := h.translator.Submit(r.Context(), meta, req.CommandType, req.CommandData)
	if err != nil {
		return commandError(err)
	}

	apicommon.RespondJSON(w, r, http.StatusAccepted, submitCommandResponse{CommandID: commandID})

	return nil
}

type batchSendRequest struct {
	DeviceIDs   []string             `json:"device_ids"`
	Protocol    string               `json:"protocol"`
	CommandType string               `json:"command_type"`
	CommandData map[string]any       `json:"command_data,omitempty"`
	Config      gateway.DeviceConfig `json:"config,omitempty"`
}

func (h *Handler) batchSend(w http.ResponseWriter, r *http.Request) error {
	req, err := apicommon.DecodeJSON[batchSendRequest](r)
	if err != nil {
		return err
	}

	fieldErrors := make(map[string]string)

	if len(req.DeviceIDs) == 0 {
		fieldErrors["device_ids"] = "at least one device_id is required"
	}

	if req.Protocol == "" {
		fieldErrors["protocol"] = "protocol is required"
	}

	if req.CommandType == "" {
		fieldErrors["command_type"] = "command_type is required"
	}

	if len(fieldErrors) > 0 {
		return apicommon.NewValidationError(fieldErrors)
	}

	metas := make([]gateway.DeviceMetadata, 0, len(req.DeviceIDs))
	for _, id := range req.DeviceIDs {
		metas = append(metas, gateway.DeviceMetadata{
			DeviceID: id,
			Protocol: req.Protocol,
			Config:   req.Config,
		})
	}

	results := h.translator.BatchSend(r.Context(), metas, req.CommandType, req.CommandData)

	apicommon.RespondJSON(w, r, http.StatusOK, results)

	return nil
}

func (h *Handler) getCommand(w http.ResponseWriter, r *http.Request) error {
	commandID := chi.URLParam(r, "commandID")

	cmd, err := h.translator.GetCommand(r.Context(), commandID)
	if err != nil {
		if errors.Is(err, command.ErrNotFound) {
			return apicommon.NewError(http.StatusNotFound, "Command not found")
		}

		return err
	}

	apicommon.RespondJSON(w, r, http.StatusOK, cmd)

	return nil
}

type deviceRequest struct {
	DeviceID string               `json:"device_id"`
	Protocol string               `json:"protocol"`
	Config   gateway.DeviceConfig `json:"config,omitempty"`
}

func (h *Handler) connectDevice(w http.ResponseWriter, r *http.Request) error {
	req, err := apicommon.DecodeJSON[deviceRequest](r)
	if err != nil {
		return err
	}

	if req.DeviceID == "" || req.Protocol == "" {
		return apicommon.NewError(http.StatusBadRequest, "device_id and protocol are required")
	}

	meta := gateway.DeviceMetadata{DeviceID: req.DeviceID, Protocol: req.Protocol, Config: req.Config}
	if err := h.manager.ConnectDevice(r.Context(), meta); err != nil {
		return commandError(err)
	}

	apicommon.RespondJSON(w, r, http.StatusNoContent, nil)

	return nil
}

func (h *Handler) disconnectDevice(w http.ResponseWriter, r *http.Request) error {
	req, err := apicommon.DecodeJSON[deviceRequest](r)
	if err != nil {
		return err
	}

	if req.DeviceID == "" || req.Protocol == "" {
		return apicommon.NewError(http.StatusBadRequest, "device_id and protocol are required")
	}

	meta := gateway.DeviceMetadata{DeviceID: req.DeviceID, Protocol: req.Protocol}
	if err := h.manager.DisconnectDevice(r.Context(), meta); err != nil {
		return commandError(err)
	}

	apicommon.RespondJSON(w, r, http.StatusNoContent, nil)

	return nil
}

func (h *Handler) restartProtocol(w http.ResponseWriter, r *http.Request) error {
	protocol := chi.URLParam(r, "protocol")

	if err := h.manager.RestartProtocol(r.Context(), protocol); err != nil {
		return commandError(err)
	}

	apicommon.RespondJSON(w, r, http.StatusNoContent, nil)

	return nil
}

// commandError maps gateway errors onto HTTP status codes: misconfiguration
// is the caller's fault, a missing session is a conflict, everything else is
// an upstream transport failure.
func commandError(err error) error {
	switch {
	case gateway.IsConfigError(err):
		return apicommon.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, gateway.ErrNoSession):
		return apicommon.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, gateway.ErrNotStarted):
		return apicommon.NewError(http.StatusServiceUnavailable, err.Error())
	default:
		return apicommon.NewError(http.StatusBadGateway, err.Error())
	}
}
