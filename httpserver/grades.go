package httpserver

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/isdmx/codegrader/grade"
	"github.com/isdmx/codegrader/language"
	"github.com/isdmx/codegrader/service"
	"github.com/isdmx/codegrader/store"
)

// createRequest is the body of both submission routes. Constraint
// overrides are honoured on plain submissions; problem submissions only
// take callback_url.
type createRequest struct {
	SourceCode     string `json:"source_code"`
	LanguageID     int    `json:"language_id"`
	Stdin          string `json:"stdin"`
	ExpectedOutput string `json:"expected_output"`

	grade.Overrides
}

func (s *Server) handleCreatePlain(c *gin.Context) {
	s.create(c, nil)
}

func (s *Server) handleCreateForProblem(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("problemId"), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "problem not found"})
		return
	}
	s.create(c, &id)
}

func (s *Server) create(c *gin.Context, problemID *int64) {
	wait := queryBool(c, "wait")
	if wait && !s.svc.WaitAllowed() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "wait not allowed"})
		return
	}

	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if queryBool(c, "base64_encoded") {
		if err := decodeFields(&req); err != nil {
			s.abortWithError(c, err)
			return
		}
	}

	sub := service.Submission{
		SourceCode: req.SourceCode,
		LanguageID: req.LanguageID,
		ProblemID:  problemID,
		UserID:     requester(c),
	}
	if problemID == nil {
		sub.Stdin = req.Stdin
		sub.ExpectedOutput = req.ExpectedOutput
		sub.Overrides = &req.Overrides
	} else if req.CallbackURL != nil {
		sub.Overrides = &grade.Overrides{CallbackURL: req.CallbackURL}
	}

	g, err := s.svc.Create(c.Request.Context(), sub)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if wait {
		c.Redirect(http.StatusFound, progressPath(g.Token))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": g.Token})
}

func decodeFields(req *createRequest) error {
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"source_code", &req.SourceCode},
		{"stdin", &req.Stdin},
		{"expected_output", &req.ExpectedOutput},
	} {
		raw, err := base64.StdEncoding.DecodeString(*f.dst)
		if err != nil {
			return &grade.ValidationError{Field: f.name, Reason: "is not valid base64"}
		}
		*f.dst = string(raw)
	}
	return nil
}

func (s *Server) handleShow(c *gin.Context) {
	token := c.Param("token")
	g, err := s.svc.Get(c.Request.Context(), token, requester(c))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if queryBool(c, "progress") && !g.Status.IsTerminal() {
		c.Redirect(http.StatusFound, progressPath(token))
		return
	}
	s.renderGrade(c, http.StatusOK, g, queryBool(c, "base64_encoded"))
}

func (s *Server) handleDelete(c *gin.Context) {
	g, err := s.svc.Delete(c.Request.Context(), c.Param("token"), requester(c))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	s.renderGrade(c, http.StatusOK, g, true)
}

func (s *Server) handleList(c *gin.Context) {
	page := store.Page{
		Number:  queryInt(c, "page", 1),
		PerPage: queryInt(c, "per_page", service.DefaultPerPage),
	}
	var problemID *int64
	if raw := c.Query("problem_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid problem_id"})
			return
		}
		problemID = &id
	}

	grades, total, page, err := s.svc.List(c.Request.Context(), requester(c), problemID, page)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	encode := queryBool(c, "base64_encoded")
	fields := parseFields(c)
	out := make([]map[string]any, 0, len(grades))
	for _, g := range grades {
		v, err := view(g, encode, fields)
		if err != nil {
			s.abortWithError(c, err)
			return
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{
		"grades": out,
		"meta":   paginationMeta(page, total),
	})
}

func paginationMeta(p store.Page, total int) gin.H {
	pages := (total + p.PerPage - 1) / p.PerPage
	meta := gin.H{
		"current_page": p.Number,
		"next_page":    nil,
		"prev_page":    nil,
		"total_pages":  pages,
		"total_count":  total,
		"per_page":     p.PerPage,
	}
	if p.Number < pages {
		meta["next_page"] = p.Number + 1
	}
	if p.Number > 1 {
		meta["prev_page"] = p.Number - 1
	}
	return meta
}

func (s *Server) renderGrade(c *gin.Context, status int, g *grade.Grade, encode bool) {
	v, err := view(g, encode, parseFields(c))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(status, v)
}

func view(g *grade.Grade, encode bool, fields []string) (map[string]any, error) {
	if encode {
		g = g.Encoded()
	}
	return g.Fields(fields)
}

// abortWithError maps service errors onto HTTP statuses.
func (s *Server) abortWithError(c *gin.Context, err error) {
	var verr *grade.ValidationError
	switch {
	case errors.As(err, &verr):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": verr.Error(), "field": verr.Field})
	case errors.Is(err, service.ErrMaintenance), errors.Is(err, service.ErrQueueFull):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrForbidden):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNotFound),
		errors.Is(err, service.ErrProblemNotFound),
		errors.Is(err, language.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrFeatureDisabled), errors.Is(err, service.ErrNotDeletable):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		_ = c.Error(err)
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func progressPath(token string) string {
	return fmt.Sprintf("/grade/%s/progress", token)
}

func queryBool(c *gin.Context, key string) bool {
	v, err := strconv.ParseBool(c.Query(key))
	return err == nil && v
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return v
}

func parseFields(c *gin.Context) []string {
	raw := strings.TrimSpace(c.Query("fields"))
	if raw == "" {
		return nil
	}
	var out []string
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
