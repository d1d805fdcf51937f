// Simple JSON REST surface over the broker registry and device router.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"telemetry-hub/internal/core/broker"
	"telemetry-hub/internal/core/route"
	"telemetry-hub/internal/core/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger"
)

type Handler struct {
	reg *broker.Registry
	rtr *route.Router
	gw  store.Gateway
	lg  zerolog.Logger
}

// createBrokerRequest defines the shape of the request body for
// registering a broker. The secret is write-only: it never appears in
// any response.
type createBrokerRequest struct {
	Name     string `json:"name" example:"Lab"`
	Host     string `json:"host" example:"10.0.0.5"`
	Port     int    `json:"port" example:"1883"`
	Username string `json:"username,omitempty"`
	Secret   string `json:"secret,omitempty"`
	Enabled  bool   `json:"enabled" example:"true"`
}

type controlRequest struct {
	Action string `json:"action" example:"connect"`
}

type commandRequest struct {
	Payload string `json:"payload" example:"{\"led\":\"on\"}"`
}

type createDeviceRequest struct {
	ID          string  `json:"id" example:"d1"`
	DisplayName string  `json:"display_name"`
	BrokerID    *string `json:"broker_id"`
	DeviceType  string  `json:"device_type" example:"generic-json"`
}

func New(reg *broker.Registry, rtr *route.Router, gw store.Gateway, lg zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	h := &Handler{reg: reg, rtr: rtr, gw: gw, lg: lg}

	// --- API Routes ---
	r.Get("/status", h.handleStatus)
	r.Route("/brokers", func(r chi.Router) {
		r.Post("/", h.handleCreateBroker)
		r.Get("/", h.handleListBrokers)
		r.Get("/{brokerID}", h.handleGetBroker)
		r.Put("/{brokerID}", h.handleUpdateBroker)
		r.Delete("/{brokerID}", h.handleDeleteBroker)
		r.Post("/{brokerID}/control", h.handleControl)
	})
	r.Route("/devices", func(r chi.Router) {
		r.Post("/", h.handleCreateDevice)
		r.Get("/", h.handleListDevices)
		r.Post("/{deviceID}/command", h.handleCommand)
	})
	r.Get("/messages", h.handleMessages)

	// --- Swagger Docs Route ---
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/docs/index.html", http.StatusMovedPermanently)
	})
	r.Get("/docs/*", httpSwagger.WrapHandler)

	return r
}

// handleStatus returns the point-in-time status of every broker.
// @Summary      Broker status snapshot
// @Description  Phase, retry count and last error for every configured broker. Polled by the dashboard.
// @Tags         brokers
// @Produce      json
// @Success      200  {array}  broker.BrokerStatus
// @Router       /status [get]
func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.reg.StatusSnapshot())
}

// handleCreateBroker registers a new broker configuration.
// @Summary      Register a broker
// @Description  Validates and persists a broker config; the connection starts Idle and is never auto-connected.
// @Tags         brokers
// @Accept       json
// @Produce      json
// @Param        broker  body      createBrokerRequest  true  "Broker config"
// @Success      201     {object}  store.BrokerConfig
// @Failure      400     {string}  string "Bad Request"
// @Router       /brokers [post]
func (h *Handler) handleCreateBroker(w http.ResponseWriter, r *http.Request) {
	var req createBrokerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	cfg, err := h.reg.CreateBroker(r.Context(), store.BrokerConfig{
		Name:     req.Name,
		Host:     req.Host,
		Port:     req.Port,
		Username: req.Username,
		Secret:   req.Secret,
		Enabled:  req.Enabled,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, cfg)
}

// handleListBrokers lists stored broker configurations.
// @Summary      List brokers
// @Tags         brokers
// @Produce      json
// @Success      200  {array}  store.BrokerConfig
// @Router       /brokers [get]
func (h *Handler) handleListBrokers(w http.ResponseWriter, r *http.Request) {
	list, err := h.gw.ListBrokers(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, list)
}

// handleGetBroker fetches one broker configuration.
// @Summary      Get a broker
// @Tags         brokers
// @Produce      json
// @Param        brokerID  path  string  true  "Broker ID"
// @Success      200  {object}  store.BrokerConfig
// @Failure      404  {string}  string "Not Found"
// @Router       /brokers/{brokerID} [get]
func (h *Handler) handleGetBroker(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.gw.GetBroker(r.Context(), chi.URLParam(r, "brokerID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, cfg)
}

// handleUpdateBroker edits a broker configuration.
// @Summary      Update a broker
// @Description  Rejected with 409 while the connection is live; disconnect first.
// @Tags         brokers
// @Accept       json
// @Produce      json
// @Param        brokerID  path  string              true  "Broker ID"
// @Param        patch     body  broker.BrokerPatch  true  "Fields to change"
// @Success      200  {object}  store.BrokerConfig
// @Failure      409  {string}  string "Conflict"
// @Router       /brokers/{brokerID} [put]
func (h *Handler) handleUpdateBroker(w http.ResponseWriter, r *http.Request) {
	var patch broker.BrokerPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	cfg, err := h.reg.UpdateBroker(r.Context(), chi.URLParam(r, "brokerID"), patch)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, cfg)
}

// handleDeleteBroker removes a broker and detaches its devices.
// @Summary      Delete a broker
// @Tags         brokers
// @Param        brokerID  path  string  true  "Broker ID"
// @Success      204  {string}  string "No Content"
// @Failure      409  {string}  string "Conflict"
// @Router       /brokers/{brokerID} [delete]
func (h *Handler) handleDeleteBroker(w http.ResponseWriter, r *http.Request) {
	if err := h.reg.DeleteBroker(r.Context(), chi.URLParam(r, "brokerID")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleControl connects or disconnects one broker.
// @Summary      Connect or disconnect a broker
// @Tags         brokers
// @Accept       json
// @Param        brokerID  path  string          true  "Broker ID"
// @Param        action    body  controlRequest  true  "connect or disconnect"
// @Success      202  {string}  string "Accepted"
// @Failure      404  {string}  string "Not Found"
// @Router       /brokers/{brokerID}/control [post]
func (h *Handler) handleControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if err := h.reg.Control(chi.URLParam(r, "brokerID"), req.Action); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleCreateDevice registers a device.
// @Summary      Register a device
// @Tags         devices
// @Accept       json
// @Produce      json
// @Param        device  body      createDeviceRequest  true  "Device config"
// @Success      201     {object}  store.DeviceConfig
// @Failure      400     {string}  string "Bad Request"
// @Router       /devices [post]
func (h *Handler) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "body must include a device id", http.StatusBadRequest)
		return
	}
	if req.BrokerID != nil {
		if _, err := h.gw.GetBroker(r.Context(), *req.BrokerID); err != nil {
			h.writeError(w, err)
			return
		}
	}
	dev := store.DeviceConfig{
		ID:          req.ID,
		DisplayName: req.DisplayName,
		BrokerID:    req.BrokerID,
		DeviceType:  req.DeviceType,
	}
	if err := h.gw.CreateDevice(r.Context(), &dev); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, dev)
}

// handleListDevices lists registered devices.
// @Summary      List devices
// @Tags         devices
// @Produce      json
// @Success      200  {array}  store.DeviceConfig
// @Router       /devices [get]
func (h *Handler) handleListDevices(w http.ResponseWriter, r *http.Request) {
	list, err := h.gw.ListDevices(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, list)
}

// handleCommand publishes a command toward a device's broker.
// @Summary      Send a device command
// @Tags         devices
// @Accept       json
// @Param        deviceID  path  string          true  "Device ID"
// @Param        command   body  commandRequest  true  "Command payload"
// @Success      202  {string}  string "Accepted"
// @Failure      404  {string}  string "Not Found"
// @Failure      409  {string}  string "Conflict"
// @Router       /devices/{deviceID}/command [post]
func (h *Handler) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if err := h.rtr.RouteOutbound(r.Context(), chi.URLParam(r, "deviceID"), []byte(req.Payload)); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleMessages returns the newest rows of the message log.
// @Summary      Recent messages
// @Tags         messages
// @Produce      json
// @Param        limit  query  int  false  "Max rows (default 50)"
// @Success      200  {array}  store.Message
// @Router       /messages [get]
func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	list, err := h.gw.RecentMessages(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, list)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var verr *broker.ValidationError
	switch {
	case errors.As(err, &verr):
		http.Error(w, verr.Error(), http.StatusBadRequest)
	case errors.Is(err, broker.ErrBrokerNotFound),
		errors.Is(err, route.ErrDeviceNotFound),
		errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, broker.ErrBrokerBusy),
		errors.Is(err, broker.ErrNotConnected),
		errors.Is(err, route.ErrDeviceUnrouted):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.lg.Error().Err(err).Msg("request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
