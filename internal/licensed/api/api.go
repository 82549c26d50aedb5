// Package api exposes the machine protocol and the admin surface over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	internalerrors "github.com/rcourtman/licensed/internal/errors"
	"github.com/rcourtman/licensed/internal/logging"
	"github.com/rcourtman/licensed/internal/licensed/allocation"
	"github.com/rcourtman/licensed/internal/licensed/store"
	"github.com/rcourtman/licensed/internal/licensed/tokenpool"
	"github.com/rcourtman/licensed/internal/licensed/verify"
)

const maxBodyBytes = 64 << 10

// Handler serves every licensed HTTP endpoint except probes and metrics.
type Handler struct {
	engine   *allocation.Engine
	tokens   *tokenpool.Manager
	verifier *verify.Service
	store    *store.Store
	validate *validator.Validate
}

// New returns a Handler over the given services.
func New(st *store.Store, engine *allocation.Engine, tokens *tokenpool.Manager, verifier *verify.Service) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json field names in validation errors.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{engine: engine, tokens: tokens, verifier: verifier, store: st, validate: v}
}

// decode reads a JSON body into dst and validates it. The returned error is
// a validation LicenseError.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, op string, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return internalerrors.Invalid(op, "request body is required")
		}
		return internalerrors.Invalid(op, "malformed JSON body")
	}
	if err := h.validate.Struct(dst); err != nil {
		return internalerrors.Invalid(op, validationMessage(err))
	}
	return nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

func pathID(r *http.Request, op string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, internalerrors.Invalid(op, "id must be a positive integer")
	}
	return id, nil
}

// surface selects the status code used for state conflicts.
type surface int

const (
	machineSurface surface = iota
	adminSurface
)

func statusFor(le *internalerrors.LicenseError, s surface) int {
	switch le.Kind {
	case internalerrors.KindNotFound:
		return http.StatusNotFound
	case internalerrors.KindStateConflict:
		if s == adminSurface {
			return http.StatusConflict
		}
		return http.StatusForbidden
	case internalerrors.KindExhausted, internalerrors.KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// clientMessage never exposes the wrapped cause.
func clientMessage(le *internalerrors.LicenseError) string {
	if le.Kind == internalerrors.KindInternal || le.Message == "" {
		return "internal error"
	}
	return le.Message
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("Failed to encode response")
	}
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error, s surface) {
	le := internalerrors.As(err)
	if le.Kind == internalerrors.KindInternal {
		logging.FromContext(r.Context()).Error().Err(err).Str("op", le.Op).Str("path", r.URL.Path).Msg("Request failed with internal error")
	}
	writeJSON(w, statusFor(le, s), errorResponse{Success: false, Error: le.Code, Message: clientMessage(le)})
}
