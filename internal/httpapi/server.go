// Package httpapi is Sentinel's thin HTTP surface (§6): health/ready/
// metrics, the real-time hub upgrade, and the handful of operator action
// endpoints the spec names explicitly. Every handler here translates an
// HTTP request into a call on the package that owns the behavior —
// business logic never lives in this package.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/pitwatch/sentinel/internal/errs"
	"github.com/pitwatch/sentinel/internal/hub"
	"github.com/pitwatch/sentinel/internal/identity"
	"github.com/pitwatch/sentinel/internal/provisioning"
	"github.com/pitwatch/sentinel/pkg/model"
)

// DeviceLookup resolves a device by its public device_id, used to find
// the tenant a manual command or OTA trigger targets.
type DeviceLookup interface {
	GetDeviceByDeviceID(ctx context.Context, deviceID string) (model.Device, error)
}

// ApprovalService is the narrow C8 dependency for the approval endpoint.
type ApprovalService interface {
	Approve(ctx context.Context, deviceID string, tenantID int64, locationID *int64, primarySensorType string, issuerUserID *int64) (provisioning.Approval, error)
}

// PaymentService is the narrow C10 dependency for the payment endpoint.
type PaymentService interface {
	RecordPayment(ctx context.Context, subscriptionID int64, extendMonths int) (model.Subscription, error)
}

// CommandService is the narrow C7 dependency for the manual command
// endpoint.
type CommandService interface {
	Send(ctx context.Context, tenantID int64, deviceID, command string, reason *string, payload map[string]any, issuerUserID *int64) (model.Command, error)
}

// AuditLogger is the narrow dependency for recording operator actions
// taken through this surface (approvals, commands, payments, OTA,
// firmware uploads). Logging never blocks or fails the request.
type AuditLogger interface {
	Log(entry model.AuditLog)
}

// FirmwareService is the narrow C11 dependency for the firmware
// endpoints.
type FirmwareService interface {
	Upload(ctx context.Context, version, filename string, body io.Reader, notes *string, uploaderID *int64) (model.FirmwareRelease, error)
	List(ctx context.Context) ([]model.FirmwareRelease, error)
	ByVersion(ctx context.Context, version string) (model.FirmwareRelease, error)
	Open(release model.FirmwareRelease) (io.ReadCloser, error)
	TriggerOTA(ctx context.Context, tenantID int64, deviceID, version, downloadURL string, issuerUserID *int64) (model.Command, error)
}

// Server holds every dependency the HTTP surface mounts handlers on.
type Server struct {
	Router *chi.Mux

	db        *pgxpool.Pool
	rdb       *redis.Client
	hub       *hub.Hub
	tokens    *hub.TokenManager
	devices   DeviceLookup
	approvals ApprovalService
	payments  PaymentService
	commands  CommandService
	firmware  FirmwareService
	audit     AuditLogger
	logger    *slog.Logger

	publicBaseURL string
	startedAt     time.Time
}

// Dependencies bundles the Server constructor's arguments.
type Dependencies struct {
	DB            *pgxpool.Pool
	Redis         *redis.Client
	Hub           *hub.Hub
	Tokens        *hub.TokenManager
	Devices       DeviceLookup
	Approvals     ApprovalService
	Payments      PaymentService
	Commands      CommandService
	Firmware      FirmwareService
	Audit         AuditLogger
	Logger        *slog.Logger
	MetricsReg    *prometheus.Registry
	CORSOrigins   []string
	PublicBaseURL string
}

// NewServer builds the router with ambient middleware and every handler
// mounted (§6).
func NewServer(deps Dependencies) *Server {
	s := &Server{
		Router:        chi.NewRouter(),
		db:            deps.DB,
		rdb:           deps.Redis,
		hub:           deps.Hub,
		tokens:        deps.Tokens,
		devices:       deps.Devices,
		approvals:     deps.Approvals,
		payments:      deps.Payments,
		commands:      deps.Commands,
		firmware:      deps.Firmware,
		audit:         deps.Audit,
		logger:        deps.Logger,
		publicBaseURL: deps.PublicBaseURL,
		startedAt:     time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(deps.Logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(deps.MetricsReg, promhttp.HandlerOpts{}))
	s.Router.Get("/realtime", s.handleRealtime)
	s.Router.Get("/firmware/{version}/download", s.handleFirmwareDownload)

	s.Router.Route("/api/v1", func(r chi.Router) {
		r.Use(IdentityFromHeaders)

		r.Post("/devices/{device_id}/approve", s.handleApproveDevice)
		r.Post("/devices/{device_id}/commands", s.handleSendCommand)
		r.Post("/devices/{device_id}/ota", s.handleTriggerOTA)
		r.Post("/subscriptions/{id}/payments", s.handleRecordPayment)
		r.Post("/firmware", s.handleUploadFirmware)
		r.Get("/firmware", s.handleListFirmware)
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.Router.ServeHTTP(w, r) }

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.db.Ping(ctx); err != nil {
		s.logger.Error("readiness check: database ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "database not ready")
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		s.logger.Error("readiness check: redis ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "redis not ready")
		return
	}
	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	hub.Upgrade(w, r, s.hub, s.tokens, s.logger)
}

func (s *Server) handleFirmwareDownload(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")
	release, err := s.firmware.ByVersion(r.Context(), version)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	f, err := s.firmware.Open(release)
	if err != nil {
		s.logger.Error("opening firmware binary", "version", version, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "could not open firmware binary")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, release.Filename))
	w.Header().Set("X-Firmware-SHA256", release.SHA256)
	w.Header().Set("Content-Type", "application/octet-stream")
	io.Copy(w, f)
}

type approveRequest struct {
	TenantID          int64  `json:"tenant_id"`
	LocationID        *int64 `json:"location_id"`
	PrimarySensorType string `json:"primary_sensor_type"`
}

func (s *Server) handleApproveDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "validation_error", "malformed request body")
		return
	}

	issuerUserID := callerUserID(r.Context())
	approval, err := s.approvals.Approve(r.Context(), deviceID, req.TenantID, req.LocationID, req.PrimarySensorType, issuerUserID)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.logAction(r, "device.approve", "device", &approval.Device.ID, nil, approval)
	Respond(w, http.StatusOK, approval)
}

type commandRequest struct {
	Command string         `json:"command"`
	Reason  *string        `json:"reason"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "validation_error", "malformed request body")
		return
	}

	device, err := s.devices.GetDeviceByDeviceID(r.Context(), deviceID)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	if device.TenantID == nil {
		RespondError(w, http.StatusConflict, "conflict", "device is not bound to a tenant")
		return
	}

	issuerUserID := callerUserID(r.Context())
	cmd, err := s.commands.Send(r.Context(), *device.TenantID, deviceID, req.Command, req.Reason, req.Payload, issuerUserID)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.logAction(r, "device.command", "command", &cmd.ID, nil, cmd)
	Respond(w, http.StatusAccepted, cmd)
}

type otaRequest struct {
	Version string `json:"version"`
}

func (s *Server) handleTriggerOTA(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")
	var req otaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "validation_error", "malformed request body")
		return
	}

	device, err := s.devices.GetDeviceByDeviceID(r.Context(), deviceID)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	if device.TenantID == nil {
		RespondError(w, http.StatusConflict, "conflict", "device is not bound to a tenant")
		return
	}

	downloadURL := fmt.Sprintf("%s/firmware/%s/download", s.publicBaseURL, req.Version)
	issuerUserID := callerUserID(r.Context())
	cmd, err := s.firmware.TriggerOTA(r.Context(), *device.TenantID, deviceID, req.Version, downloadURL, issuerUserID)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.logAction(r, "device.ota", "command", &cmd.ID, nil, cmd)
	Respond(w, http.StatusAccepted, cmd)
}

type paymentRequest struct {
	ExtendMonths int `json:"extend_months"`
}

func (s *Server) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathInt64(r, "id")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "validation_error", "invalid subscription id")
		return
	}
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "validation_error", "malformed request body")
		return
	}
	if req.ExtendMonths <= 0 {
		req.ExtendMonths = 1
	}

	sub, err := s.payments.RecordPayment(r.Context(), id, req.ExtendMonths)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.logAction(r, "subscription.payment", "subscription", &sub.ID, nil, sub)
	Respond(w, http.StatusOK, sub)
}

func (s *Server) handleUploadFirmware(w http.ResponseWriter, r *http.Request) {
	version := r.URL.Query().Get("version")
	filename := r.URL.Query().Get("filename")
	if version == "" || filename == "" {
		RespondError(w, http.StatusBadRequest, "validation_error", "version and filename query parameters are required")
		return
	}

	issuerUserID := callerUserID(r.Context())
	release, err := s.firmware.Upload(r.Context(), version, filename, r.Body, nil, issuerUserID)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.logAction(r, "firmware.upload", "firmware_release", &release.ID, nil, release)
	Respond(w, http.StatusCreated, release)
}

func (s *Server) handleListFirmware(w http.ResponseWriter, r *http.Request) {
	releases, err := s.firmware.List(r.Context())
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	Respond(w, http.StatusOK, releases)
}

func parsePathInt64(r *http.Request, param string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, param), 10, 64)
}

// callerUserID returns the acting user ID from context, or nil when no
// identity was attached (e.g. a service-to-service caller).
func callerUserID(ctx context.Context) *int64 {
	id, ok := identity.FromContext(ctx)
	if !ok || id.UserID == 0 {
		return nil
	}
	userID := id.UserID
	return &userID
}

// logAction records an operator action to the audit log, if an
// AuditLogger is wired. It never fails the request.
func (s *Server) logAction(r *http.Request, action, resourceType string, resourceID *int64, before, after any) {
	if s.audit == nil {
		return
	}
	var tenantID *int64
	var userID *int64
	if id, ok := identity.FromContext(r.Context()); ok {
		tenantID = &id.TenantID
		userID = callerUserID(r.Context())
	}
	oldMap, _ := toMap(before)
	newMap, _ := toMap(after)
	s.audit.Log(model.AuditLog{
		TenantID:     tenantID,
		UserID:       userID,
		Action:       action,
		ResourceType: &resourceType,
		ResourceID:   resourceID,
		Old:          oldMap,
		New:          newMap,
		IP:           remoteIP(r),
		UA:           uaHeader(r),
		CreatedAt:    time.Now().UTC(),
	})
}

func toMap(v any) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func remoteIP(r *http.Request) *string {
	ip := r.RemoteAddr
	if ip == "" {
		return nil
	}
	return &ip
}

func uaHeader(r *http.Request) *string {
	ua := r.Header.Get("User-Agent")
	if ua == "" {
		return nil
	}
	return &ua
}

// respondStoreError translates an errs.Kind into the HTTP status the
// teacher's RespondError convention expects (§7).
func (s *Server) respondStoreError(w http.ResponseWriter, err error) {
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		RespondError(w, http.StatusNotFound, "not_found", err.Error())
	case errs.KindConflict:
		RespondError(w, http.StatusConflict, "conflict", err.Error())
	case errs.KindInvariant:
		RespondError(w, http.StatusConflict, "invariant_violation", err.Error())
	case errs.KindValidation:
		RespondError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errs.KindUnauthorized:
		RespondError(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case errs.KindForbidden:
		RespondError(w, http.StatusForbidden, "forbidden", err.Error())
	case errs.KindUpstreamUnavailable, errs.KindTransient:
		RespondError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		s.logger.Error("unhandled internal error", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
