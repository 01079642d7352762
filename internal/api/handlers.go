package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quorumtrade/quorum/internal/debate"
	"github.com/quorumtrade/quorum/internal/supervisor"
	"github.com/quorumtrade/quorum/internal/symbols"
	"github.com/quorumtrade/quorum/internal/ws"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"uptime_sec": int64(time.Since(s.started).Seconds()),
	})
}

// handleUpgrade hands the connection to a broadcast hub. Authentication
// happens inside the hub on the first frame.
func (s *Server) handleUpgrade(hub *ws.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
			return
		}
		go func() {
			if err := hub.Serve(conn); err != nil {
				s.logger.Debug().Err(err).Msg("WebSocket session ended")
			}
		}()
	}
}

// handleDebate triggers a manual debate and waits for the verdict
func (s *Server) handleDebate(c *gin.Context) {
	raw := symbols.ToRaw(c.Param("symbol"))
	if !symbols.Valid(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid symbol"})
		return
	}

	sig, err := s.deps.Debater.RunDebate(c.Request.Context(), raw, debate.TriggerManual)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, debate.ErrCooldownActive),
			errors.Is(err, debate.ErrQuotaExhausted),
			errors.Is(err, debate.ErrQuotaCritical):
			status = http.StatusTooManyRequests
		case errors.Is(err, debate.ErrSnapshotUnavailable),
			errors.Is(err, debate.ErrAllRolesFailed):
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sig)
}

func (s *Server) handleSignals(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol != "" {
		symbol = symbols.ToRaw(symbol)
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	sigs, err := s.deps.Signals.Recent(c.Request.Context(), symbol, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": sigs, "count": len(sigs)})
}

func (s *Server) handleSignal(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signal id"})
		return
	}

	sig, err := s.deps.Signals.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sig)
}

func (s *Server) handlePositions(c *gin.Context) {
	events := s.deps.Positions.Snapshot(s.deps.MarkOf)
	if events == nil {
		events = []*supervisor.PositionEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"positions": events, "count": len(events)})
}
