package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/rcourtman/licensed/internal/licensed/admin"
	"github.com/rcourtman/licensed/internal/licensed/allocation"
	"github.com/rcourtman/licensed/internal/licensed/auditlog"
	"github.com/rcourtman/licensed/internal/licensed/ledger"
	"github.com/rcourtman/licensed/internal/licensed/lsmetrics"
	"github.com/rcourtman/licensed/internal/licensed/tokenpool"
)

const recentUsageLimit = 50

type generateBody struct {
	Count             int     `json:"count" validate:"required,min=1,max=1000"`
	ValidDays         *int    `json:"validDays" validate:"required,min=0,max=3650"`
	MaxDevices        int     `json:"maxDevices" validate:"omitempty,min=1,max=10"`
	Note              string  `json:"note" validate:"max=255"`
	UseExclusiveToken bool    `json:"useExclusiveToken"`
	SelectedTokenIDs  []int64 `json:"selectedTokenIds" validate:"omitempty,dive,gt=0"`
}

func (b generateBody) mode() allocation.Mode {
	switch {
	case len(b.SelectedTokenIDs) > 0:
		return allocation.ModeManual
	case b.UseExclusiveToken:
		return allocation.ModeExclusive
	default:
		return allocation.ModeShared
	}
}

type licenseStatusBody struct {
	Status string `json:"status" validate:"required,oneof=active revoked"`
}

type unbindBody struct {
	MachineID string `json:"machineId" validate:"required,max=255"`
}

type addTokenBody struct {
	Token          string `json:"token" validate:"required,min=10"`
	Note           string `json:"note" validate:"max=255"`
	MaxAssignments *int   `json:"maxAssignments" validate:"omitempty,gt=0"`
	IsExclusive    bool   `json:"isExclusive"`
}

type tokenStatusBody struct {
	Status string `json:"status" validate:"required,oneof=available disabled"`
}

type successResponse[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

type licenseDetail struct {
	License     *ledger.License     `json:"license"`
	Activations []ledger.Activation `json:"activations"`
	Usage       []ledger.UsageEntry `json:"usage"`
}

type idData struct {
	ID int64 `json:"id"`
}

func (h *Handler) audit(r *http.Request, action, target string, err error, fields map[string]any) {
	auditlog.Record(r, auditlog.Event{
		Action:  action,
		Actor:   admin.Actor(r.Context()),
		Target:  target,
		Outcome: lsmetrics.Outcome(err),
		Fields:  fields,
	})
}

func licenseTarget(id int64) string { return "license:" + strconv.FormatInt(id, 10) }
func tokenTarget(id int64) string   { return "token:" + strconv.FormatInt(id, 10) }

// HandleGenerate serves POST /admin/licenses/generate.
func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	var body generateBody
	if err := h.decode(w, r, "api.generate", &body); err != nil {
		writeError(w, r, err, adminSurface)
		return
	}
	mode := body.mode()
	issued, err := h.engine.GenerateBatch(r.Context(), allocation.BatchRequest{
		Count:      body.Count,
		ValidDays:  *body.ValidDays,
		MaxDevices: body.MaxDevices,
		Note:       body.Note,
		Mode:       mode,
		TokenIDs:   body.SelectedTokenIDs,
		CreatedBy:  admin.Actor(r.Context()),
	})
	h.audit(r, "license.generate", "", err, map[string]any{"count": body.Count, "mode": string(mode)})
	if err != nil {
		writeError(w, r, err, adminSurface)
		return
	}
	writeJSON(w, http.StatusOK, successResponse[[]allocation.Issued]{
		Success: true,
		Data:    issued,
		Message: fmt.Sprintf("generated %d licenses", len(issued)),
	})
}

// HandleGetLicense serves GET /admin/licenses/{id}.
func (h *Handler) HandleGetLicense(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "api.get_license")
	if err != nil {
		writeError(w, r, err, adminSurface)
		return
	}
	ctx, cancel := h.store.WithTimeout(r.Context())
	defer cancel()
	q := h.store.DB()

	l, err := ledger.Get(ctx, q, id)
	if err != nil {
		writeError(w, r, err, adminSurface)
		return
	}
	activations, err := ledger.ListActivations(ctx, q, id)
	if err != nil {
		writeError(w, r, err, adminSurface)
		return
	}
	usage, err := ledger.RecentUsage(ctx, q, id, recentUsageLimit)
	if err != nil {
		writeError(w, r, err, adminSurface)
		return
	}
	writeJSON(w, http.StatusOK, successResponse[licenseDetail]{
		Success: true,
		Data:    licenseDetail{License: l, Activations: activations, Usage: usage},
	})
}

// HandleLicenseStatus serves PUT /admin/licenses/{id}/status.
func (h *Handler) HandleLicenseStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "api.license_status")
	if err == nil {
		var body licenseStatusBody
		if err = h.decode(w, r, "api.license_status", &body); err == nil {
			ctx, cancel := h.store.WithTimeout(r.Context())
			err = ledger.SetStatus(ctx, h.store.DB(), id, ledger.Status(body.Status))
			cancel()
			h.audit(r, "license.set_status", licenseTarget(id), err, map[string]any{"status": body.Status})
		}
	}
	if err != nil {
		writeError(w, r, err, adminSurface)
		return
	}
	writeJSON(w, http.StatusOK, successResponse[any]{Success: true, Message: "license status updated"})
}

// HandleDeleteLicense serves DELETE /admin/licenses/{id}.
func (h *Handler) HandleDeleteLicense(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "api.delete_license")
	if err == nil {
		err = h.engine.DeleteLicense(r.Context(), id)
		h.audit(r, "license.delete", licenseTarget(id), err, nil)
	}
	if err != nil {
		writeError(w, r, err, adminSurface)
		return
	}
	writeJSON(w, http.StatusOK, successResponse[any]{Success: true, Message: "license deleted"})
}

// HandleUnbindDevice serves POST /admin/licenses/{id}/unbind.
func (h *Handler) HandleUnbindDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "api.unbind_device")
	if err == nil {
		var body unbindBody
		if err = h.decode(w, r, "api.unbind_device", &body); err == nil {
			ctx, cancel := h.store.WithTimeout(r.Context())
			err = ledger.UnbindDevice(ctx, h.store.DB(), id, body.MachineID)
			cancel()
			h.audit(r, "license.unbind_device", licenseTarget(id), err, map[string]any{"machine_id": body.MachineID})
		}
	}
	if err != nil {
		writeError(w, r, err, adminSurface)
		return
	}
	writeJSON(w, http.StatusOK, successResponse[any]{Success: true, Message: "device unbound"})
}

// HandleAddToken serves POST /admin/tokens.
func (h *Handler) HandleAddToken(w http.ResponseWriter, r *http.Request) {
	var body addTokenBody
	if err := h.decode(w, r, "api.add_token", &body); err != nil {
		writeError(w, r, err, adminSurface)
		return
	}
	id, err := h.tokens.Add(r.Context(), tokenpool.AddRequest{
		Secret:         body.Token,
		Exclusive:      body.IsExclusive,
		MaxAssignments: body.MaxAssignments,
		Note:           body.Note,
		AddedBy:        admin.Actor(r.Context()),
	})
	target := ""
	if err == nil {
		target = tokenTarget(id)
	}
	h.audit(r, "token.add", target, err, map[string]any{"exclusive": body.IsExclusive})
	if err != nil {
		writeError(w, r, err, adminSurface)
		return
	}
	writeJSON(w, http.StatusOK, successResponse[idData]{Success: true, Data: idData{ID: id}})
}

// HandleDeleteToken serves DELETE /admin/tokens/{id}.
func (h *Handler) HandleDeleteToken(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "api.delete_token")
	if err == nil {
		err = h.tokens.Delete(r.Context(), id)
		h.audit(r, "token.delete", tokenTarget(id), err, nil)
	}
	if err != nil {
		writeError(w, r, err, adminSurface)
		return
	}
	writeJSON(w, http.StatusOK, successResponse[any]{Success: true, Message: "token deleted"})
}

// HandleTokenStatus serves PUT /admin/tokens/{id}/status.
func (h *Handler) HandleTokenStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "api.token_status")
	if err == nil {
		var body tokenStatusBody
		if err = h.decode(w, r, "api.token_status", &body); err == nil {
			err = h.tokens.SetStatus(r.Context(), id, tokenpool.Status(body.Status))
			h.audit(r, "token.set_status", tokenTarget(id), err, map[string]any{"status": body.Status})
		}
	}
	if err != nil {
		writeError(w, r, err, adminSurface)
		return
	}
	writeJSON(w, http.StatusOK, successResponse[any]{Success: true, Message: "token status updated"})
}
