package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/John-Robertt/policy-compiler/internal/app"
	"github.com/John-Robertt/policy-compiler/internal/compiler"
	"github.com/John-Robertt/policy-compiler/internal/emit"
	"github.com/John-Robertt/policy-compiler/internal/fetch"
	"github.com/John-Robertt/policy-compiler/internal/model"
	"github.com/John-Robertt/policy-compiler/internal/profile"
	"github.com/John-Robertt/policy-compiler/internal/ruleset"
	"github.com/John-Robertt/policy-compiler/internal/scheduler"
	"github.com/John-Robertt/policy-compiler/internal/sub"
)

const stageRequest = "validate_request"

// APIError is used by the HTTP layer for request validation and a few
// HTTP-specific errors.
type APIError struct {
	Status   int
	AppError model.AppError
	Cause    error
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *APIError) Unwrap() error { return e.Cause }

func apiError(status int, app model.AppError, cause error) error {
	return &APIError{Status: status, AppError: app, Cause: cause}
}

func requestError(code, message, hint string) error {
	return apiError(http.StatusBadRequest, model.AppError{
		Code:    code,
		Message: message,
		Stage:   stageRequest,
		Hint:    hint,
	}, nil)
}

func writeErrorFromErr(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var ae *APIError
	if errors.As(err, &ae) {
		WriteError(w, ae.Status, ae.AppError)
		return
	}

	var ce *compiler.CompileError
	if errors.As(err, &ce) {
		WriteDiagnostics(w, http.StatusUnprocessableEntity, ce.Errors, ce.Warnings)
		return
	}

	var fe *fetch.FetchError
	if errors.As(err, &fe) {
		WriteError(w, fe.Status, fe.AppError)
		return
	}

	// Parse and emit errors are user content errors => 422.
	var se *sub.ParseError
	if errors.As(err, &se) {
		WriteError(w, http.StatusUnprocessableEntity, se.AppError)
		return
	}

	var pe *profile.ParseError
	if errors.As(err, &pe) {
		WriteError(w, http.StatusUnprocessableEntity, pe.AppError)
		return
	}

	var rpe *ruleset.ParseError
	if errors.As(err, &rpe) {
		WriteError(w, http.StatusUnprocessableEntity, rpe.AppError)
		return
	}

	var ee *emit.SerializationError
	if errors.As(err, &ee) {
		WriteError(w, http.StatusUnprocessableEntity, ee.AppError)
		return
	}

	var ke *app.KernelError
	if errors.As(err, &ke) {
		WriteError(w, http.StatusBadGateway, ke.AppError)
		return
	}

	switch {
	case errors.Is(err, app.ErrNotApplied):
		WriteError(w, http.StatusConflict, model.AppError{Code: "NOT_APPLIED", Message: "尚未应用任何 profile", Stage: stageRequest})
		return
	case errors.Is(err, scheduler.ErrUnknownGroup):
		WriteError(w, http.StatusNotFound, model.AppError{Code: "GROUP_NOT_FOUND", Message: "策略组不存在", Stage: stageRequest, Hint: err.Error()})
		return
	case errors.Is(err, scheduler.ErrUnknownMember), errors.Is(err, scheduler.ErrNotSelectable):
		WriteError(w, http.StatusBadRequest, model.AppError{Code: "INVALID_SELECTION", Message: "无法选择该成员", Stage: stageRequest, Hint: err.Error()})
		return
	}

	// Fallback: internal bug.
	WriteError(w, http.StatusInternalServerError, model.AppError{
		Code:    "INTERNAL_ERROR",
		Message: "服务端内部错误",
		Stage:   "internal",
		Hint:    err.Error(),
	})
}
