package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"github.com/gin-gonic/gin"
	"github/martinmaurice/spoolr/internal/server/middleware"
	"github/martinmaurice/spoolr/pkg/reconciler"
	"net/http"
)

type (
	recordsHandlerServicer interface {
		Write(ctx context.Context, req reconciler.Request) (reconciler.Result, error)
	}
	recordRequestDTO struct {
		UserRef string         `json:"user_ref"`
		Scope   string         `json:"scope"`
		Payload json.RawMessage `json:"payload" binding:"required"`
	}
)

// decodePayload keeps numbers as json.Number so integers past 2^53 reach the
// key and the store unchanged.
func decodePayload(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, errors.New("payload must be a JSON object")
	}
	return payload, nil
}

// RecordsHandler writes the body payload as a record of the :kind path param.
// The scope defaults to the user ref so that one user repeating a payload
// maps to one record.
func RecordsHandler(s recordsHandlerServicer) func(ctx *gin.Context) {
	return func(ctx *gin.Context) {
		logger := handlerLogger(ctx, "records")

		var reqDTO recordRequestDTO
		if err := ctx.ShouldBindJSON(&reqDTO); err != nil {
			middleware.AbortWithError(ctx, http.StatusBadRequest, middleware.ErrorBody{
				Code:    badRequestErrorCode,
				Message: err.Error(),
			})
			return
		}

		payload, err := decodePayload(reqDTO.Payload)
		if err != nil {
			middleware.AbortWithError(ctx, http.StatusBadRequest, middleware.ErrorBody{
				Code:    badRequestErrorCode,
				Message: err.Error(),
			})
			return
		}

		scope := reqDTO.Scope
		if scope == "" {
			scope = reqDTO.UserRef
		}

		kind := ctx.Param("kind")
		res, err := s.Write(ctx.Request.Context(), reconciler.Request{
			Kind:    kind,
			Scope:   scope,
			Payload: payload,
		})
		if err != nil {
			logger.Warn("write failed", "kind", kind, "error", err)
			abortWithWriteError(ctx, kind, err)
			return
		}

		logger.Info("write handled", "kind", kind, "status", res.Status, "key", res.IdempotencyKey)
		ctx.JSON(http.StatusOK, res)
	}
}

func abortWithWriteError(ctx *gin.Context, kind string, err error) {
	switch {
	case errors.Is(err, reconciler.ErrUnknownKind):
		middleware.AbortWithError(ctx, http.StatusNotFound, middleware.ErrorBody{
			Code:    unknownKindErrorCode,
			Message: "Unknown record kind.",
			Details: map[string]any{"kind": kind},
		})
	case errors.Is(err, reconciler.ErrRejected):
		middleware.AbortWithError(ctx, http.StatusUnprocessableEntity, middleware.ErrorBody{
			Code:    rejectedErrorCode,
			Message: "The store rejected the record.",
			Details: map[string]any{"cause": err.Error()},
		})
	case errors.Is(err, reconciler.ErrSpoolFailed):
		middleware.AbortWithError(ctx, http.StatusInternalServerError, middleware.ErrorBody{
			Code:      spoolFailedErrorCode,
			Message:   "The record could not be stored nor queued.",
			Details:   map[string]any{"cause": err.Error()},
			Retryable: true,
		})
	default:
		middleware.AbortWithError(ctx, http.StatusInternalServerError, middleware.ErrorBody{
			Code:      internalErrorCode,
			Message:   err.Error(),
			Retryable: true,
		})
	}
}
