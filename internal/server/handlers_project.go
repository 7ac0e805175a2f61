package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"agentd/internal/agent"
	"agentd/internal/storage"
)

type projectPayload struct {
	Name            string `json:"name" binding:"required"`
	Description     string `json:"description"`
	RootPath        string `json:"rootPath" binding:"required"`
	PreferredEngine string `json:"preferredCli"`
	SelectedModel   string `json:"selectedModel"`
}

func (s *Server) handleListProjects(c *gin.Context) {
	projects, err := s.store.ListProjects(c.Request.Context())
	if err != nil {
		s.logger.Error("list projects failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if projects == nil {
		projects = []agent.Project{}
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (s *Server) handleCreateProject(c *gin.Context) {
	var payload projectPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	project, err := s.store.CreateProject(c.Request.Context(), agent.Project{
		Name:            payload.Name,
		Description:     payload.Description,
		RootPath:        payload.RootPath,
		PreferredEngine: payload.PreferredEngine,
		SelectedModel:   payload.SelectedModel,
	})
	if err != nil {
		s.logger.Error("create project failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (s *Server) handleGetProject(c *gin.Context) {
	project, err := s.store.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		s.logger.Error("get project failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, project)
}

func (s *Server) handleUpdateProject(c *gin.Context) {
	var payload projectPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	err := s.store.UpdateProject(c.Request.Context(), agent.Project{
		ID:              c.Param("id"),
		Name:            payload.Name,
		Description:     payload.Description,
		RootPath:        payload.RootPath,
		PreferredEngine: payload.PreferredEngine,
		SelectedModel:   payload.SelectedModel,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		s.logger.Error("update project failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

func (s *Server) handleDeleteProject(c *gin.Context) {
	if err := s.store.DeleteProject(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		s.logger.Error("delete project failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) handleListMessages(c *gin.Context) {
	sessionID := c.Param("sessionId")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	page, err := s.store.ListSessionMessages(c.Request.Context(), sessionID, limit, offset)
	if err != nil {
		s.logger.Error("list messages failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if page.Messages == nil {
		page.Messages = []agent.StoredMessage{}
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) handleDeleteMessages(c *gin.Context) {
	sessionID := c.Param("sessionId")
	n, err := s.store.DeleteSessionMessages(c.Request.Context(), sessionID)
	if err != nil {
		s.logger.Error("delete messages failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}
