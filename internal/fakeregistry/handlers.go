package fakeregistry

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"sunarp-console/internal/analyses"
	"sunarp-console/internal/shared/server/middleware"
	"sunarp-console/internal/shared/server/respond"
	"sunarp-console/internal/shared/util"
)

func writeError(c *gin.Context, status int, code, message string) {
	respond.Error(c, status, code, message)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, analyses.ErrorCodeValidation, "invalid login payload")
		return
	}
	s.mu.Lock()
	u, ok := s.users[util.HashUserKey(req.Email)]
	s.mu.Unlock()
	if !ok || u.password != req.Password {
		writeError(c, http.StatusUnauthorized, analyses.ErrorCodeUnauth, "invalid credentials")
		return
	}
	token, err := s.Token(u.email)
	if err != nil {
		writeError(c, http.StatusInternalServerError, analyses.ErrorCodeInternal, "failed to issue token")
		return
	}
	respond.OK(c, gin.H{"token": token})
}

func (s *Server) me(c *gin.Context) {
	s.mu.Lock()
	u, ok := s.users[middleware.UserIDFromContext(c)]
	s.mu.Unlock()
	if !ok {
		writeError(c, http.StatusUnauthorized, analyses.ErrorCodeUnauth, "unknown user")
		return
	}
	respond.OK(c, gin.H{"id": u.id, "email": u.email, "created_at": u.createdAt})
}

func (s *Server) createAnalysis(c *gin.Context) {
	var body analyses.CreateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, analyses.ErrorCodeValidation, "invalid request payload")
		return
	}
	req, err := analyses.NewCreateRequest(body.Office, body.Folio, body.RegistryArea)
	if err != nil {
		writeError(c, http.StatusBadRequest, analyses.ErrorCodeValidation, err.Error())
		return
	}

	a, err := s.repo.create(middleware.UserIDFromContext(c), analyses.Analysis{
		ID:           uuid.NewString(),
		Office:       req.Office,
		Folio:        req.Folio,
		RegistryArea: req.RegistryArea,
		Status:       analyses.StatusPending,
		CreatedAt:    s.now(),
	})
	if err != nil {
		if errors.Is(err, errDuplicate) {
			writeError(c, http.StatusConflict, analyses.ErrorCodeDuplicate,
				"an analysis for "+req.Office+"/"+req.Folio+" is already in progress")
			return
		}
		writeError(c, http.StatusInternalServerError, analyses.ErrorCodeInternal, "failed to create analysis")
		return
	}

	c.Set("analysisId", a.ID)
	c.Set("statusTransition", "->"+string(a.Status))
	respond.Data(c, http.StatusCreated, analyses.Created{
		ID:        a.ID,
		Status:    a.Status,
		Office:    a.Office,
		Folio:     a.Folio,
		CreatedAt: a.CreatedAt,
	})
}

func (s *Server) getAnalysis(c *gin.Context) {
	a, err := s.repo.get(middleware.UserIDFromContext(c), c.Param("id"))
	if err != nil {
		writeError(c, http.StatusNotFound, analyses.ErrorCodeNotFound, "analysis not found")
		return
	}
	respond.OK(c, a)
}

func (s *Server) listAnalyses(c *gin.Context) {
	var p analyses.ListParams
	if v := c.Query("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(c, http.StatusBadRequest, analyses.ErrorCodeValidation, "page must be a number")
			return
		}
		p.Page = n
	}
	if v := c.Query("per_page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(c, http.StatusBadRequest, analyses.ErrorCodeValidation, "per_page must be a number")
			return
		}
		p.PerPage = n
	}
	if v := c.Query("status"); v != "" {
		st, err := analyses.ParseStatus(v)
		if err != nil {
			writeError(c, http.StatusBadRequest, analyses.ErrorCodeValidation, err.Error())
			return
		}
		p.Status = st
	}

	items, page := s.repo.list(middleware.UserIDFromContext(c), p)
	respond.Page(c, items, page)
}

func (s *Server) cancelAnalysis(c *gin.Context) {
	id := c.Param("id")
	var from analyses.Status
	a, err := s.repo.update(middleware.UserIDFromContext(c), id, func(a *analyses.Analysis) error {
		if !a.Status.CanCancel() {
			return errConflict
		}
		from = a.Status
		msg := cancelledMessage
		a.Status = analyses.StatusFailed
		a.ErrorMessage = &msg
		finish(a, s.now())
		return nil
	})
	switch {
	case errors.Is(err, errNotFound):
		writeError(c, http.StatusNotFound, analyses.ErrorCodeNotFound, "analysis not found")
		return
	case errors.Is(err, errConflict):
		writeError(c, http.StatusConflict, analyses.ErrorCodeConflict, "only pending or processing analyses can be cancelled")
		return
	case err != nil:
		writeError(c, http.StatusInternalServerError, analyses.ErrorCodeInternal, "failed to cancel analysis")
		return
	}
	c.Set("statusTransition", string(from)+"->"+string(a.Status))
	respond.OK(c, a)
}

func (s *Server) deleteAnalysis(c *gin.Context) {
	id := c.Param("id")
	err := s.repo.remove(middleware.UserIDFromContext(c), id)
	switch {
	case errors.Is(err, errNotFound):
		writeError(c, http.StatusNotFound, analyses.ErrorCodeNotFound, "analysis not found")
		return
	case errors.Is(err, errConflict):
		writeError(c, http.StatusConflict, analyses.ErrorCodeConflict, "a processing analysis cannot be deleted")
		return
	case err != nil:
		writeError(c, http.StatusInternalServerError, analyses.ErrorCodeInternal, "failed to delete analysis")
		return
	}
	s.mu.Lock()
	delete(s.artifacts, id)
	s.mu.Unlock()
	respond.NoContent(c)
}

func (s *Server) analysisPDF(c *gin.Context) {
	id := c.Param("id")
	a, err := s.repo.get(middleware.UserIDFromContext(c), id)
	if err != nil {
		writeError(c, http.StatusNotFound, analyses.ErrorCodeNotFound, "analysis not found")
		return
	}
	s.mu.Lock()
	data, ok := s.artifacts[id]
	s.mu.Unlock()
	if !a.HasArtifact() || !ok {
		writeError(c, http.StatusNotFound, analyses.ErrorCodeNotFound, "no document available for this analysis")
		return
	}
	c.Header("Content-Disposition", `attachment; filename="copia_literal_`+id+`.pdf"`)
	c.Data(http.StatusOK, "application/pdf", data)
}
