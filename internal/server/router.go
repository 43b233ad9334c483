package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dolgim/dolcanvas/internal/ids"
	"github.com/dolgim/dolcanvas/internal/journal"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultJournalLimit = 50

var (
	errMissingHub = errors.New("hub dependency required")
)

// JournalReader lists recent journal entries. journal.Recorder implements it.
type JournalReader interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

type Dependencies struct {
	Hub     *Hub
	Journal JournalReader
	IDs     ids.Provider
	Peer    PeerConfig
	Logger  *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	provider := deps.IDs
	if provider == nil {
		provider = ids.NewUUIDProvider()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		hub:     deps.Hub,
		journal: deps.Journal,
		logger:  logger,
	}

	router.GET("/ws", serveWebsocket(deps.Hub, provider, deps.Peer, logger))
	router.GET("/healthz", handler.handleHealth)

	api := router.Group("/api")
	api.GET("/stats", handler.handleStats)
	api.GET("/journal", handler.handleJournal)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	hub     *Hub
	journal JournalReader
	logger  *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleStats(c *gin.Context) {
	stats, err := h.hub.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to read hub stats", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "hub_unavailable"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

type journalEntryPayload struct {
	EntryID           int64           `json:"entry_id"`
	Kind              journal.Kind    `json:"kind"`
	ConnectionID      string          `json:"connection_id"`
	UserID            string          `json:"user_id,omitempty"`
	StrokeID          string          `json:"stroke_id,omitempty"`
	Payload           json.RawMessage `json:"payload"`
	RecordedAtSeconds int64           `json:"recorded_at_s"`
}

type journalResponsePayload struct {
	Entries []journalEntryPayload `json:"entries"`
}

func (h *httpHandler) handleJournal(c *gin.Context) {
	if h.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal_disabled"})
		return
	}

	limit := defaultJournalLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	entries, err := h.journal.Recent(c.Request.Context(), limit)
	if err != nil {
		var serviceErr *journal.ServiceError
		if errors.As(err, &serviceErr) && serviceErr.Code() == "journal.recent.invalid_limit" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		h.logger.Error("failed to read journal", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "journal_failed"})
		return
	}

	response := journalResponsePayload{Entries: make([]journalEntryPayload, 0, len(entries))}
	for _, entry := range entries {
		payload := json.RawMessage("{}")
		if json.Valid([]byte(entry.PayloadJSON)) {
			payload = json.RawMessage(entry.PayloadJSON)
		}
		response.Entries = append(response.Entries, journalEntryPayload{
			EntryID:           entry.EntryID,
			Kind:              entry.Kind,
			ConnectionID:      entry.ConnectionID,
			UserID:            entry.UserID,
			StrokeID:          entry.StrokeID,
			Payload:           payload,
			RecordedAtSeconds: entry.RecordedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, response)
}
