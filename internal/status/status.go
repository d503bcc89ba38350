// Package status serves a small HTTP API over a Scanner: the current
// scanning state, the device registry, scan and connection commands, and
// Prometheus metrics.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chaz8081/blestate/internal/ble"
)

// maxBodyBytes limits request bodies.
const maxBodyBytes = 1 << 20

// Handler exposes a Scanner over HTTP.
type Handler struct {
	Scanner *ble.Scanner
}

// NewRouter returns the routes of the status API.
func NewRouter(scanner *ble.Scanner) http.Handler {
	h := &Handler{Scanner: scanner}

	r := mux.NewRouter()
	r.HandleFunc("/state", h.HandleState).Methods(http.MethodGet)
	r.HandleFunc("/devices", h.HandleDevices).Methods(http.MethodGet)
	r.HandleFunc("/scan/start", h.HandleStartScan).Methods(http.MethodPost)
	r.HandleFunc("/scan/stop", h.HandleStopScan).Methods(http.MethodPost)
	r.HandleFunc("/enable", h.HandleEnable).Methods(http.MethodPost)
	r.HandleFunc("/disable", h.HandleDisable).Methods(http.MethodPost)
	r.HandleFunc("/devices/{id}/connect", h.HandleConnect).Methods(http.MethodPost)
	r.HandleFunc("/devices/{id}/disconnect", h.HandleDisconnect).Methods(http.MethodPost)
	r.HandleFunc("/devices/{id}/write", h.HandleWrite).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// StateView is the JSON form of a scanning state.
type StateView struct {
	State   string   `json:"state"`
	Filter  []string `json:"filter,omitempty"`
	Devices int      `json:"devices"`
	Error   string   `json:"error,omitempty"`
}

// DeviceView is the JSON form of a registry entry.
type DeviceView struct {
	ID         string   `json:"id"`
	Name       string   `json:"name,omitempty"`
	RSSI       int      `json:"rssi"`
	Connection string   `json:"connection"`
	FoundBy    []string `json:"found_by"`
}

func stateView(s ble.ScanningState) StateView {
	v := StateView{State: s.String()}
	switch c := s.(type) {
	case *ble.Idle:
		v.Filter = c.Filter().Strings()
		v.Devices = c.Devices().Len()
		if c.Err() != nil {
			v.Error = c.Err().Error()
		}
	case *ble.Scanning:
		v.Filter = c.Filter().Strings()
		v.Devices = c.Devices().Len()
		if c.Err() != nil {
			v.Error = c.Err().Error()
		}
	}
	return v
}

func deviceViews(devices ble.Devices) []DeviceView {
	foundBy := make(map[ble.Identifier][]string)
	for _, mode := range devices.Modes() {
		for _, id := range devices.IdentifiersForDiscoveryMode(mode) {
			foundBy[id] = append(foundBy[id], mode.String())
		}
	}
	views := make([]DeviceView, 0, devices.Len())
	for _, d := range devices.All() {
		adv := d.Advertisement()
		views = append(views, DeviceView{
			ID:         string(adv.Identifier),
			Name:       adv.Name,
			RSSI:       adv.RSSI,
			Connection: d.State().String(),
			FoundBy:    foundBy[adv.Identifier],
		})
	}
	return views
}

// HandleState returns the current scanning state.
func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stateView(h.Scanner.State()))
}

// HandleDevices lists the registry. With ?current=true only devices found
// under the current scan filter are listed.
func (h *Handler) HandleDevices(w http.ResponseWriter, r *http.Request) {
	devices, ok := h.Scanner.Devices()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "bluetooth is "+h.Scanner.State().String())
		return
	}
	views := deviceViews(devices)
	if r.URL.Query().Get("current") == "true" {
		current := make(map[ble.Identifier]bool)
		for _, id := range devices.IdentifiersForCurrentScanFilter() {
			current[id] = true
		}
		filtered := views[:0]
		for _, v := range views {
			if current[ble.Identifier(v.ID)] {
				filtered = append(filtered, v)
			}
		}
		views = filtered
	}
	writeJSON(w, http.StatusOK, views)
}

type startScanRequest struct {
	Filter []string `json:"filter"`
}

// HandleStartScan starts scanning under the service UUIDs in the body. An
// empty body scans without a filter.
func (h *Handler) HandleStartScan(w http.ResponseWriter, r *http.Request) {
	var req startScanRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	filter, err := ble.NewFilter(req.Filter...)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.command(w, h.Scanner.StartScanning(filter))
}

func (h *Handler) HandleStopScan(w http.ResponseWriter, r *http.Request) {
	h.command(w, h.Scanner.StopScanning())
}

func (h *Handler) HandleEnable(w http.ResponseWriter, r *http.Request) {
	h.command(w, h.Scanner.Enable())
}

func (h *Handler) HandleDisable(w http.ResponseWriter, r *http.Request) {
	h.command(w, h.Scanner.Disable())
}

type connectRequest struct {
	Reconnect string `json:"reconnect"`
}

// HandleConnect connects a device from the registry.
func (h *Handler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	settings, err := ble.ParseReconnectionSettings(req.Reconnect)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	if err := d.Connect(settings); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": string(d.Identifier()), "connection": d.State().String()})
}

// HandleDisconnect disconnects a device from the registry.
func (h *Handler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	if err := d.Disconnect(); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": string(d.Identifier()), "connection": d.State().String()})
}

type writeRequest struct {
	Service        string `json:"service"`
	Characteristic string `json:"characteristic"`
	Text           string `json:"text"`
}

// HandleWrite queues a text write on a connected device. The text is split
// into MTU-sized packets at word boundaries.
func (h *Handler) HandleWrite(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.Service == "" || req.Characteristic == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "service, characteristic and text are required")
		return
	}
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	err := d.HandleAction(ble.WriteTextAction{
		ServiceUUID:        req.Service,
		CharacteristicUUID: req.Characteristic,
		Text:               req.Text,
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": string(d.Identifier()), "connection": d.State().String()})
}

func (h *Handler) device(w http.ResponseWriter, r *http.Request) (*ble.Device, bool) {
	id := ble.Identifier(mux.Vars(r)["id"])
	devices, ok := h.Scanner.Devices()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "bluetooth is "+h.Scanner.State().String())
		return nil, false
	}
	d, ok := devices.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown device "+string(id))
		return nil, false
	}
	return d, true
}

func (h *Handler) command(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stateView(h.Scanner.State()))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ble.ErrInvalidState), errors.Is(err, ble.ErrStaleState), errors.Is(err, ble.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, ble.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeOptional decodes a JSON body into v. An empty body leaves v as is.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("[STATUS] write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Serve runs the status API on addr until ctx is done.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("[STATUS] listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
