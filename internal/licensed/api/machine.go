package api

import (
	"net/http"
	"strings"
	"time"

	internalerrors "github.com/rcourtman/licensed/internal/errors"
	"github.com/rcourtman/licensed/internal/licensed/auditlog"
	"github.com/rcourtman/licensed/internal/licensed/verify"
)

type deviceBody struct {
	MachineID string `json:"machineId" validate:"omitempty,max=255"`
	Platform  string `json:"platform" validate:"omitempty,max=64"`
	Hostname  string `json:"hostname" validate:"omitempty,max=255"`
}

type activateBody struct {
	LicenseKey string `json:"licenseKey" validate:"required,max=64"`
	MachineID  string `json:"machineId" validate:"omitempty,max=255"`
	Platform   string `json:"platform" validate:"omitempty,max=64"`
	Hostname   string `json:"hostname" validate:"omitempty,max=255"`
}

type verifyBody struct {
	LicenseKey string      `json:"licenseKey" validate:"required,max=64"`
	MachineID  string      `json:"machineId" validate:"omitempty,max=255"`
	Device     *deviceBody `json:"device"`
	AppVersion string      `json:"appVersion" validate:"omitempty,max=64"`
}

type injectBody struct {
	LicenseKey string `json:"licenseKey" validate:"required,max=64"`
	MachineID  string `json:"machineId" validate:"omitempty,max=255"`
}

type licenseData struct {
	Status        string    `json:"status,omitempty"`
	CursorToken   string    `json:"cursorToken"`
	CursorEmail   string    `json:"cursorEmail"`
	ExpiresAt     time.Time `json:"expiresAt"`
	RemainingDays int       `json:"remainingDays"`
}

type activateResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    licenseData `json:"data"`
}

type verifyResponse struct {
	Valid      bool            `json:"valid"`
	Error      string          `json:"error,omitempty"`
	Message    string          `json:"message,omitempty"`
	Data       *licenseData    `json:"data,omitempty"`
	Receipt    *verify.Receipt `json:"receipt,omitempty"`
	Signature  string          `json:"signature"`
	ServerTime time.Time       `json:"serverTime"`
}

type injectResponse struct {
	Success     bool   `json:"success"`
	CursorToken string `json:"cursorToken"`
	CursorEmail string `json:"cursorEmail"`
}

// HandleActivate serves POST /licenses/activate.
func (h *Handler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	var body activateBody
	if err := h.decode(w, r, "api.activate", &body); err != nil {
		writeError(w, r, err, machineSurface)
		return
	}
	res, err := h.verifier.Activate(r.Context(), verify.Request{
		LicenseKey: body.LicenseKey,
		MachineID:  body.MachineID,
		Platform:   body.Platform,
		Hostname:   body.Hostname,
		IP:         auditlog.ClientIP(r),
	})
	if err != nil {
		writeError(w, r, err, machineSurface)
		return
	}
	writeJSON(w, http.StatusOK, activateResponse{
		Success: true,
		Message: "license activated",
		Data: licenseData{
			CursorToken:   res.Secret,
			CursorEmail:   res.Email,
			ExpiresAt:     res.ExpiresAt,
			RemainingDays: res.RemainingDays,
		},
	})
}

// HandleVerify serves POST /licenses/verify. Business failures are reported
// with HTTP 200 and valid=false.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var body verifyBody
	if err := h.decode(w, r, "api.verify", &body); err != nil {
		writeError(w, r, err, machineSurface)
		return
	}
	req := verify.Request{
		LicenseKey: body.LicenseKey,
		MachineID:  body.MachineID,
		IP:         auditlog.ClientIP(r),
	}
	if body.Device != nil {
		if strings.TrimSpace(req.MachineID) == "" {
			req.MachineID = body.Device.MachineID
		}
		req.Platform = body.Device.Platform
		req.Hostname = body.Device.Hostname
	}

	res, err := h.verifier.Verify(r.Context(), req)
	if err != nil {
		le := internalerrors.As(err)
		if le.Kind == internalerrors.KindInternal {
			writeError(w, r, err, machineSurface)
			return
		}
		writeJSON(w, http.StatusOK, verifyResponse{
			Valid:      false,
			Error:      le.Code,
			Message:    clientMessage(le),
			ServerTime: time.Now().UTC(),
		})
		return
	}
	receipt := res.Receipt
	writeJSON(w, http.StatusOK, verifyResponse{
		Valid: true,
		Data: &licenseData{
			Status:        "active",
			CursorToken:   res.Secret,
			CursorEmail:   res.Email,
			ExpiresAt:     res.ExpiresAt,
			RemainingDays: res.RemainingDays,
		},
		Receipt:    &receipt,
		Signature:  res.Signature,
		ServerTime: res.ServerTime,
	})
}

// HandleInject serves POST /licenses/inject.
func (h *Handler) HandleInject(w http.ResponseWriter, r *http.Request) {
	var body injectBody
	if err := h.decode(w, r, "api.inject", &body); err != nil {
		writeError(w, r, err, machineSurface)
		return
	}
	res, err := h.verifier.Inject(r.Context(), verify.Request{
		LicenseKey: body.LicenseKey,
		MachineID:  body.MachineID,
		IP:         auditlog.ClientIP(r),
	})
	if err != nil {
		writeError(w, r, err, machineSurface)
		return
	}
	writeJSON(w, http.StatusOK, injectResponse{Success: true, CursorToken: res.Secret, CursorEmail: res.Email})
}
