package apihttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"gridpoller/internal/audit"
	"gridpoller/internal/auth"
	"gridpoller/internal/masterdata/application"
	masterdata "gridpoller/internal/masterdata/domain"
	"gridpoller/internal/modbus"
	"gridpoller/internal/observability/metrics"
	telemetry "gridpoller/internal/telemetry/domain"
	"gridpoller/internal/telemetry/interfaces"
)

const timeLayout = time.RFC3339

// SitesHandler serves site listing and upserts.
type SitesHandler struct {
	sites    masterdata.SiteRepository
	auditLog audit.Logger
}

// NewSitesHandler constructs a SitesHandler. The audit logger may be nil.
func NewSitesHandler(sites masterdata.SiteRepository, auditLog audit.Logger) *SitesHandler {
	return &SitesHandler{sites: sites, auditLog: auditLog}
}

// ServeHTTP handles /api/v1/sites.
func (h *SitesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.sites == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodGet:
		sites, err := h.sites.List(r.Context())
		if err != nil {
			http.Error(w, "query sites error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, sitePayloads(sites))
	case http.MethodPost:
		var payload sitePayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		site := payload.toDomain()
		if err := h.sites.Save(r.Context(), &site); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logAudit(r, h.auditLog, "site.save", "site", site.ID, site.ID)
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, siteToPayload(site))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// DevicesHandler serves device listing and upserts.
type DevicesHandler struct {
	devices  masterdata.DeviceRepository
	auditLog audit.Logger
}

// NewDevicesHandler constructs a DevicesHandler. The audit logger may be nil.
func NewDevicesHandler(devices masterdata.DeviceRepository, auditLog audit.Logger) *DevicesHandler {
	return &DevicesHandler{devices: devices, auditLog: auditLog}
}

// ServeHTTP handles /api/v1/devices.
func (h *DevicesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.devices == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodGet:
		siteID := r.URL.Query().Get("site_id")
		if siteID == "" {
			http.Error(w, "site_id is required", http.StatusBadRequest)
			return
		}
		devices, err := h.devices.ListBySite(r.Context(), siteID)
		if err != nil {
			http.Error(w, "query devices error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, devicePayloads(devices))
	case http.MethodPost:
		var payload devicePayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		device := payload.toDomain()
		if err := h.devices.Save(r.Context(), &device); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logAudit(r, h.auditLog, "device.save", "device", device.ID, device.SiteID)
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, deviceToPayload(device))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// ConfigsHandler admits new poll configs.
type ConfigsHandler struct {
	service  *application.ConfigService
	auditLog audit.Logger
}

// NewConfigsHandler constructs a ConfigsHandler. The audit logger may be nil.
func NewConfigsHandler(service *application.ConfigService, auditLog audit.Logger) *ConfigsHandler {
	return &ConfigsHandler{service: service, auditLog: auditLog}
}

// ServeHTTP handles POST /api/v1/configs.
func (h *ConfigsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.service == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	var payload configPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	cfg := payload.toDomain()
	admitted, err := h.service.AdmitConfig(r.Context(), &cfg)
	if err != nil {
		writeAdmissionError(w, err)
		return
	}
	logAudit(r, h.auditLog, "config.admit", "config", admitted.ID, admitted.SiteID)
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, configToPayload(*admitted))
}

// ConfigHandler serves one config by id.
type ConfigHandler struct {
	service  *application.ConfigService
	configs  masterdata.ConfigRepository
	points   masterdata.PointRepository
	auditLog audit.Logger
}

// NewConfigHandler constructs a ConfigHandler. The audit logger may be nil.
func NewConfigHandler(service *application.ConfigService, configs masterdata.ConfigRepository, points masterdata.PointRepository, auditLog audit.Logger) *ConfigHandler {
	return &ConfigHandler{service: service, configs: configs, points: points, auditLog: auditLog}
}

// ServeHTTP handles /api/v1/configs/{id}.
func (h *ConfigHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.configs == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	configID := strings.TrimPrefix(r.URL.Path, "/api/v1/configs/")
	if configID == "" || strings.Contains(configID, "/") {
		http.Error(w, "config id is required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		cfg, err := h.configs.Get(r.Context(), configID)
		if err != nil {
			http.Error(w, "query config error", http.StatusInternalServerError)
			return
		}
		if cfg == nil {
			http.Error(w, "config not found", http.StatusNotFound)
			return
		}
		if h.points != nil {
			points, err := h.points.ListByConfig(r.Context(), configID)
			if err != nil {
				http.Error(w, "query points error", http.StatusInternalServerError)
				return
			}
			cfg.Points = points
		}
		writeJSON(w, configToPayload(*cfg))
	case http.MethodDelete:
		if err := h.service.DeleteConfig(r.Context(), configID); err != nil {
			if errors.Is(err, masterdata.ErrNotFound) {
				http.Error(w, "config not found", http.StatusNotFound)
				return
			}
			http.Error(w, "delete config error", http.StatusInternalServerError)
			return
		}
		logAudit(r, h.auditLog, "config.delete", "config", configID, "")
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// DeviceDataHandler serves per-device data endpoints: the latest cached
// snapshot and readings exports.
type DeviceDataHandler struct {
	cache    telemetry.SnapshotCache
	readings telemetry.ReadingRepository
}

// NewDeviceDataHandler constructs a DeviceDataHandler.
func NewDeviceDataHandler(cache telemetry.SnapshotCache, readings telemetry.ReadingRepository) *DeviceDataHandler {
	return &DeviceDataHandler{cache: cache, readings: readings}
}

// ServeHTTP handles /api/v1/devices/{id}/latest and
// /api/v1/devices/{id}/readings/export.{xlsx|pdf}.
func (h *DeviceDataHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/devices/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		http.Error(w, "device id is required", http.StatusBadRequest)
		return
	}
	deviceID := parts[0]

	switch {
	case parts[1] == "latest":
		h.serveLatest(w, r, deviceID)
	case parts[1] == "readings/export.xlsx":
		h.serveExport(w, r, deviceID, "xlsx")
	case parts[1] == "readings/export.pdf":
		h.serveExport(w, r, deviceID, "pdf")
	default:
		http.NotFound(w, r)
	}
}

func (h *DeviceDataHandler) serveLatest(w http.ResponseWriter, r *http.Request, deviceID string) {
	if h == nil || h.cache == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	siteID := r.URL.Query().Get("site_id")
	if siteID == "" {
		http.Error(w, "site_id is required", http.StatusBadRequest)
		return
	}
	snap, err := h.cache.LatestDeviceSnapshot(r.Context(), siteID, deviceID)
	if err != nil {
		http.Error(w, "query snapshot error", http.StatusInternalServerError)
		return
	}
	if snap == nil {
		http.Error(w, "no snapshot cached", http.StatusNotFound)
		return
	}
	writeJSON(w, snap)
}

func (h *DeviceDataHandler) serveExport(w http.ResponseWriter, r *http.Request, deviceID, format string) {
	if h == nil || h.readings == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	from, err := parseTimeQuery(r, "from")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := parseTimeQuery(r, "to")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !to.After(from) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return
	}

	started := time.Now()
	readings, err := h.readings.QueryRange(r.Context(), deviceID, from, to)
	if err != nil {
		metrics.ObserveReadingsExport(format, metrics.ResultError, time.Since(started))
		http.Error(w, "query readings error", http.StatusInternalServerError)
		return
	}
	window := interfaces.ExportRange{DeviceID: deviceID, From: from, To: to}

	var payload []byte
	var contentType string
	switch format {
	case "xlsx":
		payload, err = interfaces.BuildReadingsXLSX(window, readings)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		payload, err = interfaces.BuildReadingsPDF(window, readings)
		contentType = "application/pdf"
	}
	if err != nil {
		metrics.ObserveReadingsExport(format, metrics.ResultError, time.Since(started))
		http.Error(w, "render export error", http.StatusInternalServerError)
		return
	}
	metrics.ObserveReadingsExport(format, metrics.ResultSuccess, time.Since(started))
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="readings_`+deviceID+`.`+format+`"`)
	_, _ = w.Write(payload)
}

// writeAdmissionError maps admission failures to structured responses.
func writeAdmissionError(w http.ResponseWriter, err error) {
	var vErr *masterdata.ValidationError
	if errors.As(err, &vErr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":  "validation failed",
			"issues": vErr.Issues,
		})
		return
	}
	var cErr *masterdata.ConflictError
	if errors.As(err, &cErr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":    "conflict",
			"reason":   cErr.Reason,
			"existing": cErr.Existing,
			"incoming": cErr.Incoming,
		})
		return
	}
	if errors.Is(err, masterdata.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, "admit config error", http.StatusInternalServerError)
}

// logAudit records an admin mutation. Audit failures never fail the request.
func logAudit(r *http.Request, logger audit.Logger, action, resourceType, resourceID, siteID string) {
	if logger == nil {
		return
	}
	_ = logger.Log(r.Context(), audit.Entry{
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		SiteID:       siteID,
		IP:           r.RemoteAddr,
		UserAgent:    r.UserAgent(),
	})
}

func writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(value)
}

func parseTimeQuery(r *http.Request, key string) (time.Time, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return time.Time{}, errors.New(key + " is required")
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}

type sitePayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (p sitePayload) toDomain() masterdata.Site {
	return masterdata.Site{ID: p.ID, Name: p.Name, Description: p.Description}
}

func siteToPayload(s masterdata.Site) sitePayload {
	return sitePayload{ID: s.ID, Name: s.Name, Description: s.Description}
}

func sitePayloads(sites []masterdata.Site) []sitePayload {
	result := make([]sitePayload, 0, len(sites))
	for _, s := range sites {
		result = append(result, siteToPayload(s))
	}
	return result
}

type devicePayload struct {
	ID                 string `json:"id"`
	SiteID             string `json:"site_id"`
	Name               string `json:"name"`
	Host               string `json:"host,omitempty"`
	Port               int    `json:"port,omitempty"`
	UnitID             uint8  `json:"unit_id"`
	PollEnabled        bool   `json:"poll_enabled"`
	ReadFromAggregator bool   `json:"read_from_aggregator"`
}

func (p devicePayload) toDomain() masterdata.Device {
	return masterdata.Device{
		ID:                 p.ID,
		SiteID:             p.SiteID,
		Name:               p.Name,
		Host:               p.Host,
		Port:               p.Port,
		UnitID:             p.UnitID,
		PollEnabled:        p.PollEnabled,
		ReadFromAggregator: p.ReadFromAggregator,
	}
}

func deviceToPayload(d masterdata.Device) devicePayload {
	return devicePayload{
		ID:                 d.ID,
		SiteID:             d.SiteID,
		Name:               d.Name,
		Host:               d.Host,
		Port:               d.Port,
		UnitID:             d.UnitID,
		PollEnabled:        d.PollEnabled,
		ReadFromAggregator: d.ReadFromAggregator,
	}
}

func devicePayloads(devices []masterdata.Device) []devicePayload {
	result := make([]devicePayload, 0, len(devices))
	for _, d := range devices {
		result = append(result, deviceToPayload(d))
	}
	return result
}

type pointPayload struct {
	ID             string            `json:"id,omitempty"`
	Name           string            `json:"name"`
	Address        *int              `json:"address,omitempty"`
	Size           int               `json:"size"`
	DataType       string            `json:"data_type"`
	ScaleFactor    float64           `json:"scale_factor,omitempty"`
	Unit           string            `json:"unit,omitempty"`
	ByteOrder      string            `json:"byte_order,omitempty"`
	BitfieldDetail map[string]string `json:"bitfield_detail,omitempty"`
	EnumDetail     map[string]string `json:"enum_detail,omitempty"`
	IsDerived      bool              `json:"is_derived,omitempty"`
	BasePointID    string            `json:"base_point_id,omitempty"`
	BitIndex       int               `json:"bit_index,omitempty"`
	EnumValue      int64             `json:"enum_value,omitempty"`
}

func (p pointPayload) toDomain() masterdata.Point {
	point := masterdata.Point{
		ID:             p.ID,
		Name:           p.Name,
		Size:           p.Size,
		DataType:       modbus.DataType(p.DataType),
		ScaleFactor:    p.ScaleFactor,
		Unit:           p.Unit,
		ByteOrder:      modbus.ByteOrder(p.ByteOrder),
		BitfieldDetail: p.BitfieldDetail,
		EnumDetail:     p.EnumDetail,
		IsDerived:      p.IsDerived,
		BasePointID:    p.BasePointID,
		BitIndex:       p.BitIndex,
		EnumValue:      p.EnumValue,
	}
	if p.Address != nil {
		point.Address = *p.Address
	} else {
		point = masterdata.NewUnaddressedPoint(point)
	}
	return point
}

func pointToPayload(p masterdata.Point) pointPayload {
	address := p.Address
	payload := pointPayload{
		ID:             p.ID,
		Name:           p.Name,
		Size:           p.Size,
		DataType:       string(p.DataType),
		ScaleFactor:    p.ScaleFactor,
		Unit:           p.Unit,
		ByteOrder:      string(p.ByteOrder),
		BitfieldDetail: p.BitfieldDetail,
		EnumDetail:     p.EnumDetail,
		IsDerived:      p.IsDerived,
		BasePointID:    p.BasePointID,
		BitIndex:       p.BitIndex,
		EnumValue:      p.EnumValue,
	}
	if p.HasAddress() {
		payload.Address = &address
	}
	return payload
}

type configPayload struct {
	ID             string         `json:"id,omitempty"`
	SiteID         string         `json:"site_id,omitempty"`
	DeviceID       string         `json:"device_id"`
	PollKind       string         `json:"poll_kind"`
	PollStartIndex int            `json:"poll_start_index"`
	PollCount      int            `json:"poll_count"`
	IsActive       bool           `json:"is_active"`
	Points         []pointPayload `json:"points"`
}

func (p configPayload) toDomain() masterdata.Config {
	cfg := masterdata.Config{
		ID:             p.ID,
		SiteID:         p.SiteID,
		DeviceID:       p.DeviceID,
		PollKind:       modbus.Kind(p.PollKind),
		PollStartIndex: p.PollStartIndex,
		PollCount:      p.PollCount,
		IsActive:       p.IsActive,
	}
	for _, point := range p.Points {
		cfg.Points = append(cfg.Points, point.toDomain())
	}
	return cfg
}

func configToPayload(cfg masterdata.Config) configPayload {
	payload := configPayload{
		ID:             cfg.ID,
		SiteID:         cfg.SiteID,
		DeviceID:       cfg.DeviceID,
		PollKind:       string(cfg.PollKind),
		PollStartIndex: cfg.PollStartIndex,
		PollCount:      cfg.PollCount,
		IsActive:       cfg.IsActive,
	}
	for _, point := range cfg.Points {
		payload.Points = append(payload.Points, pointToPayload(point))
	}
	return payload
}
