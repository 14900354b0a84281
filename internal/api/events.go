package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lucasbenitezc/servidor-scraping/internal/scraper"
)

// events returns journal facts filtered by predicate, session and a
// since/until window given as RFC3339 times or unix milliseconds.
func (s *Server) events(c *gin.Context) {
	if s.journal == nil || !s.journal.Enabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "journal disabled"})
		return
	}
	since, err := parseTime(c.Query("since"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid since: " + err.Error(), "code": scraper.CodeInvalidRequest})
		return
	}
	until, err := parseTime(c.Query("until"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid until: " + err.Error(), "code": scraper.CodeInvalidRequest})
		return
	}

	facts := s.journal.Events(c.Query("predicate"), c.Query("session"), since, until, 0)
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(facts), "events": facts})
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339, raw)
}
