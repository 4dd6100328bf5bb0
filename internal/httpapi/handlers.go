// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package httpapi

import (
	"context"
	"errors"
	"net/http"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/valorassist/valor-core/internal/intake"
	"github.com/valorassist/valor-core/internal/rag"
	"github.com/valorassist/valor-core/internal/session"
)

const (
	// maxBodyBytes bounds request bodies. Intake forms are the largest
	// legitimate payload and stay well under this.
	maxBodyBytes = 64 * 1024

	// maxQuestionRunes bounds a single question.
	maxQuestionRunes = 4000
)

// Handler holds the wired services behind the routes.
type Handler struct {
	sessions  Sessions
	asker     QuestionAsker
	evaluator FormEvaluator
	logger    *zap.Logger
}

// Sessions is the slice of the session store the API uses.
type Sessions interface {
	Create(ctx context.Context) (string, error)
	Destroy(ctx context.Context, sessionID string) error
}

// QuestionAsker runs the retrieval pipeline for one question.
type QuestionAsker interface {
	Ask(ctx context.Context, sessionID, question string) (rag.Answer, error)
}

// FormEvaluator runs the stateless intake evaluation.
type FormEvaluator interface {
	Evaluate(ctx context.Context, form *intake.Form) (rag.Answer, error)
}

// NewHandler wires the services into a handler set.
func NewHandler(sessions Sessions, asker QuestionAsker, evaluator FormEvaluator, logger *zap.Logger) *Handler {
	return &Handler{
		sessions:  sessions,
		asker:     asker,
		evaluator: evaluator,
		logger:    logger,
	}
}

// =============================================================================
// HANDLERS
// =============================================================================

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CreateSession opens a new conversation session.
func (h *Handler) CreateSession(c *gin.Context) {
	id, err := h.sessions.Create(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": id})
}

type askRequest struct {
	Question string `json:"question"`
}

// Ask answers a question within an existing session.
func (h *Handler) Ask(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)

	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Question == "" {
		fail(c, http.StatusBadRequest, "question must not be empty")
		return
	}
	if utf8.RuneCountInString(req.Question) > maxQuestionRunes {
		fail(c, http.StatusBadRequest, "question too long")
		return
	}

	answer, err := h.asker.Ask(c.Request.Context(), c.Param("id"), req.Question)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, answer)
}

// DestroySession ends a session and discards its history.
func (h *Handler) DestroySession(c *gin.Context) {
	if err := h.sessions.Destroy(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Evaluate runs a stateless intake-form evaluation.
func (h *Handler) Evaluate(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)

	var form intake.Form
	if err := c.ShouldBindJSON(&form); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}

	answer, err := h.evaluator.Evaluate(c.Request.Context(), &form)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, answer)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// fail maps a service error onto a status code and a generic body. The real
// error is logged; the client only learns the category.
func (h *Handler) fail(c *gin.Context, err error) {
	var status int
	var msg string

	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		status, msg = http.StatusNotFound, "session not found"
	case errors.Is(err, rag.ErrRetrievalUnavailable):
		status, msg = http.StatusServiceUnavailable, "retrieval unavailable"
	case errors.Is(err, rag.ErrGenerationTimeout):
		status, msg = http.StatusGatewayTimeout, "generation timed out"
	default:
		status, msg = http.StatusInternalServerError, "internal error"
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString("request_id")),
			zap.Error(err))
	} else {
		h.logger.Warn("request rejected",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString("request_id")),
			zap.Error(err))
	}
	fail(c, status, msg)
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
