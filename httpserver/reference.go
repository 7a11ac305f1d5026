package httpserver

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleLanguages lists active languages, or all of them with ?all=true.
func (s *Server) handleLanguages(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Languages(queryBool(c, "all")))
}

func (s *Server) handleLanguage(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "language not found"})
		return
	}
	l, err := s.svc.Language(id)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (s *Server) handleStatuses(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Statuses())
}

func (s *Server) handleConfigInfo(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.ConfigInfo())
}

func (s *Server) handleQueue(c *gin.Context) {
	stats, err := s.svc.QueueStats(c.Request.Context())
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
