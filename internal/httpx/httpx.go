// Package httpx holds the JSON and error plumbing shared by the domain handlers.
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mlmledger/internal/errs"
)

// ActorHeader carries the id of the admin performing a transition.
const ActorHeader = "X-Actor-ID"

var (
	ErrInvalidID    = errs.New(errs.Validation, "invalid id")
	ErrInvalidBody  = errs.New(errs.Validation, "invalid request body")
	ErrMissingActor = errs.New(errs.Validation, "missing or invalid "+ActorHeader+" header")
	ErrRateLimited  = errs.New(errs.Validation, "too many requests")
)

var validate = validator.New()

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err onto its kind's status and user message. Internal errors are
// logged and never echoed to the client.
func WriteError(w http.ResponseWriter, logger *zap.Logger, err error) {
	kind := errs.KindOf(err)
	body := errorBody{Error: kind.String(), Message: kind.UserMessage()}

	var e *errs.Error
	if kind != errs.Internal && errors.As(err, &e) {
		body.Message = e.Message
	}
	status := kind.HTTPStatus()
	if errors.Is(err, ErrRateLimited) {
		status = http.StatusTooManyRequests
	}
	if kind == errs.Internal {
		logger.Error("request failed", zap.Error(err))
	}
	WriteJSON(w, status, body)
}

// Decode reads a JSON body into v and validates its struct tags. An empty body
// decodes as an empty object.
func Decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errs.Wrap(errs.Validation, ErrInvalidBody.Message, err)
	}
	if err := validate.Struct(v); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return nil
		}
		return errs.Wrap(errs.Validation, fmt.Sprintf("invalid request: %s", err.Error()), err)
	}
	return nil
}

// IDParam parses a chi URL parameter as a UUID.
func IDParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, ErrInvalidID
	}
	return id, nil
}

// OptionalUUID parses a query parameter, returning nil when absent.
func OptionalUUID(r *http.Request, name string) (*uuid.UUID, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, ErrInvalidID
	}
	return &id, nil
}

// Actor returns the admin id from the actor header.
func Actor(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.Header.Get(ActorHeader))
	if err != nil {
		return uuid.Nil, ErrMissingActor
	}
	return id, nil
}

// IntQuery reads an integer query parameter, falling back to def when absent or malformed.
func IntQuery(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
