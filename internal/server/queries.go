package server

import (
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/domain"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/query"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) registerQueries(group *gin.RouterGroup) {
	group.GET("/categories", h.handleRootChildren)
	group.GET("/categories/:id", h.handleCategory)
	group.GET("/categories/:id/children", h.handleChildren)
	group.GET("/categories/:id/categories", h.handleChildCategories)
	group.GET("/categories/:id/notes", h.handleNotesInCategory)
	group.GET("/categories/:id/tasks", h.handleTasksInCategory)

	group.GET("/notes/:id", h.handleNote)
	group.GET("/notes/:id/tasks", h.handleTasksFromDocument)
	group.GET("/documents", h.handleNoteByPath)

	group.GET("/tasks/:id", h.handleTask)

	group.GET("/tags", h.handleTagDefinitions)
	group.GET("/tags/:name/entities", h.handleEntitiesWithTag)
	group.GET("/entities/:type/:id/tags", h.handleTagsOf)
	group.GET("/entities/:type/:id/descendants", h.handleDescendants)

	group.GET("/lists", h.handleSmartLists)
	group.GET("/lists/:name", h.handleSmartList)
}

func (h *httpHandler) handleRootChildren(c *gin.Context) {
	nodes, err := h.queries.Children(c.Request.Context(), "")
	h.respondQuery(c, gin.H{"children": nodes}, err)
}

func (h *httpHandler) handleCategory(c *gin.Context) {
	node, err := h.queries.Category(c.Request.Context(), c.Param("id"))
	h.respondQuery(c, node, err)
}

func (h *httpHandler) handleChildren(c *gin.Context) {
	nodes, err := h.queries.Children(c.Request.Context(), c.Param("id"))
	h.respondQuery(c, gin.H{"children": nodes}, err)
}

func (h *httpHandler) handleChildCategories(c *gin.Context) {
	nodes, err := h.queries.ChildCategories(c.Request.Context(), c.Param("id"))
	h.respondQuery(c, gin.H{"categories": nodes}, err)
}

func (h *httpHandler) handleNotesInCategory(c *gin.Context) {
	nodes, err := h.queries.NotesInCategory(c.Request.Context(), c.Param("id"))
	h.respondQuery(c, gin.H{"notes": nodes}, err)
}

func (h *httpHandler) handleTasksInCategory(c *gin.Context) {
	tasks, err := h.queries.TasksInCategory(c.Request.Context(), c.Param("id"))
	h.respondQuery(c, gin.H{"tasks": tasks}, err)
}

func (h *httpHandler) handleNote(c *gin.Context) {
	node, err := h.queries.Note(c.Request.Context(), c.Param("id"))
	h.respondQuery(c, node, err)
}

func (h *httpHandler) handleNoteByPath(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		badRequest(c, "path query parameter is required")
		return
	}
	node, err := h.queries.NoteByPath(c.Request.Context(), path)
	h.respondQuery(c, node, err)
}

func (h *httpHandler) handleTasksFromDocument(c *gin.Context) {
	tasks, err := h.queries.TasksFromDocument(c.Request.Context(), c.Param("id"))
	h.respondQuery(c, gin.H{"tasks": tasks}, err)
}

func (h *httpHandler) handleTask(c *gin.Context) {
	task, err := h.queries.Task(c.Request.Context(), c.Param("id"))
	h.respondQuery(c, task, err)
}

func (h *httpHandler) handleTagDefinitions(c *gin.Context) {
	includeRetired, _ := strconv.ParseBool(c.Query("include_retired"))
	definitions, err := h.queries.TagDefinitions(c.Request.Context(), includeRetired)
	h.respondQuery(c, gin.H{"tags": definitions}, err)
}

func (h *httpHandler) handleEntitiesWithTag(c *gin.Context) {
	entities, err := h.queries.EntitiesWithTag(c.Request.Context(), c.Param("name"))
	h.respondQuery(c, gin.H{"entities": entities}, err)
}

func (h *httpHandler) handleTagsOf(c *gin.Context) {
	tags, err := h.queries.TagsOf(c.Request.Context(), c.Param("id"))
	h.respondQuery(c, gin.H{"tags": tags}, err)
}

func (h *httpHandler) handleDescendants(c *gin.Context) {
	ref := domain.EntityRef{Type: c.Param("type"), ID: c.Param("id")}
	refs, err := h.queries.Descendants(c.Request.Context(), ref)
	h.respondQuery(c, gin.H{"descendants": refs}, err)
}

func (h *httpHandler) handleSmartLists(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"lists": query.SmartLists()})
}

func (h *httpHandler) handleSmartList(c *gin.Context) {
	tasks, err := h.queries.SmartList(c.Request.Context(), c.Param("name"))
	h.respondQuery(c, gin.H{"name": c.Param("name"), "tasks": tasks}, err)
}

func (h *httpHandler) handleProjectionStatus(c *gin.Context) {
	checkpoints, err := h.projections.Status(c.Request.Context())
	h.respondQuery(c, gin.H{"projections": checkpoints}, err)
}

func (h *httpHandler) handleCatchUp(c *gin.Context) {
	result, err := h.projections.CatchUp(c.Request.Context())
	h.respondQuery(c, result, err)
}

func (h *httpHandler) handleRebuild(c *gin.Context) {
	result, err := h.projections.RebuildAll(c.Request.Context())
	h.respondQuery(c, result, err)
}

func (h *httpHandler) respondQuery(c *gin.Context, payload any, err error) {
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, payload)
}
