package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/commands"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/domain"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/reconcile"
	"github.com/gin-gonic/gin"
)

type renameRequest struct {
	Name string `json:"name"`
}

type moveRequest struct {
	ParentID string `json:"parent_id"`
}

type textRequest struct {
	Text string `json:"text"`
}

type dueDateRequest struct {
	DueDate string `json:"due_date"`
}

type tagRequest struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

type orphanRequest struct {
	Reason string `json:"reason"`
}

func (h *httpHandler) registerCommands(group *gin.RouterGroup) {
	group.POST("/categories", h.handleCreateCategory)
	group.PUT("/categories/:id/name", h.handleRenameCategory)
	group.PUT("/categories/:id/parent", h.handleMoveCategory)
	group.DELETE("/categories/:id", h.handleDeleteCategory)

	group.POST("/notes", h.handleCreateNote)
	group.PUT("/notes/:id/title", h.handleRenameNote)
	group.PUT("/notes/:id/category", h.handleMoveNote)
	group.DELETE("/notes/:id", h.handleDeleteNote)

	group.POST("/tasks", h.handleCreateTask)
	group.PUT("/tasks/:id/text", h.handleUpdateTaskText)
	group.PUT("/tasks/:id/due-date", h.handleSetDueDate)
	group.PUT("/tasks/:id/category", h.handleMoveTask)
	group.POST("/tasks/:id/complete", h.handleCompleteTask)
	group.POST("/tasks/:id/reopen", h.handleReopenTask)
	group.POST("/tasks/:id/orphan", h.handleOrphanTask)
	group.POST("/tasks/:id/restore", h.handleRestoreTask)
	group.DELETE("/tasks/:id", h.handleDeleteTask)

	group.POST("/tags", h.handleDefineTag)
	group.PUT("/tags/:name/color", h.handleRecolorTag)
	group.DELETE("/tags/:name", h.handleRetireTag)

	group.PUT("/entities/:type/:id/tags/:tag", h.handleAttachTag)
	group.DELETE("/entities/:type/:id/tags/:tag", h.handleDetachTag)
}

func (h *httpHandler) handleDocumentSaved(c *gin.Context) {
	var request reconcile.DocumentSaved
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid json payload")
		return
	}
	result, err := h.reconciler.OnDocumentSaved(c.Request.Context(), request)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.respondCommand(c, http.StatusOK, result)
}

func (h *httpHandler) handleCreateCategory(c *gin.Context) {
	var request commands.CreateCategoryInput
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid json payload")
		return
	}
	id, err := h.commands.CreateCategory(c.Request.Context(), request)
	h.respondCreated(c, id, err)
}

func (h *httpHandler) handleRenameCategory(c *gin.Context) {
	var request renameRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid json payload")
		return
	}
	changed, err := h.commands.RenameCategory(c.Request.Context(), c.Param("id"), request.Name)
	h.respondChanged(c, changed, err)
}

func (h *httpHandler) handleMoveCategory(c *gin.Context) {
	var request moveRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid json payload")
		return
	}
	changed, err := h.commands.MoveCategory(c.Request.Context(), c.Param("id"), request.ParentID)
	h.respondChanged(c, changed, err)
}

func (h *httpHandler) handleDeleteCategory(c *gin.Context) {
	if err := h.commands.DeleteCategory(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	h.respondCommand(c, http.StatusOK, gin.H{"id": c.Param("id"), "deleted": true})
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	var request commands.CreateNoteInput
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid json payload")
		return
	}
	id, err := h.commands.CreateNote(c.Request.Context(), request)
	h.respondCreated(c, id, err)
}

func (h *httpHandler) handleRenameNote(c *gin.Context) {
	var request renameRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid json payload")
		return
	}
	changed, err := h.commands.RenameNote(c.Request.Context(), c.Param("id"), request.Name)
	h.respondChanged(c, changed, err)
}

func (h *httpHandler) handleMoveNote(c *gin.Context) {
	var request moveRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid json payload")
		return
	}
	changed, err := h.commands.MoveNote(c.Request.Context(), c.Param("id"), request.ParentID)
	h.respondChanged(c, changed, err)
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	orphaned, err := h.commands.DeleteNote(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.respondCommand(c, http.StatusOK, gin.H{"id": c.Param("id"), "deleted": true, "orphaned_tasks": orphaned})
}

func (h *httpHandler) handleCreateTask(c *gin.Context) {
	var request commands.CreateTaskInput
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid json payload")
		return
	}
	id, err := h.commands.CreateTask(c.Request.Context(), request)
	h.respondCreated(c, id, err)
}

func (h *httpHandler) handleUpdateTaskText(c *gin.Context) {
	var request textRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid json payload")
		return
	}
	changed, err := h.commands.UpdateTaskText(c.Request.Context(), c.Param("id"), request.Text)
	h.respondChanged(c, changed, err)
}

func (h *httpHandler) handleSetDueDate(c *gin.Context) {
	var request dueDateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid json payload")
		return
	}
	changed, err := h.commands.SetTaskDueDate(c.Request.Context(), c.Param("id"), request.DueDate)
	h.respondChanged(c, changed, err)
}

func (h *httpHandler) handleMoveTask(c *gin.Context) {
	var request moveRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid json payload")
		return
	}
	changed, err := h.commands.MoveTask(c.Request.Context(), c.Param("id"), request.ParentID)
	h.respondChanged(c, changed, err)
}

func (h *httpHandler) handleCompleteTask(c *gin.Context) {
	changed, err := h.commands.CompleteTask(c.Request.Context(), c.Param("id"))
	h.respondChanged(c, changed, err)
}

func (h *httpHandler) handleReopenTask(c *gin.Context) {
	changed, err := h.commands.ReopenTask(c.Request.Context(), c.Param("id"))
	h.respondChanged(c, changed, err)
}

func (h *httpHandler) handleOrphanTask(c *gin.Context) {
	var request orphanRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			badRequest(c, "invalid json payload")
			return
		}
	}
	if err := h.commands.OrphanTask(c.Request.Context(), c.Param("id"), request.Reason); err != nil {
		h.writeError(c, err)
		return
	}
	h.respondCommand(c, http.StatusOK, gin.H{"id": c.Param("id"), "orphaned": true})
}

func (h *httpHandler) handleRestoreTask(c *gin.Context) {
	if err := h.commands.RestoreTask(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	h.respondCommand(c, http.StatusOK, gin.H{"id": c.Param("id"), "orphaned": false})
}

func (h *httpHandler) handleDeleteTask(c *gin.Context) {
	outcome, err := h.commands.DeleteTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.respondCommand(c, http.StatusOK, gin.H{"id": c.Param("id"), "outcome": outcome})
}

func (h *httpHandler) handleDefineTag(c *gin.Context) {
	var request tagRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid json payload")
		return
	}
	id, err := h.commands.DefineTag(c.Request.Context(), request.Name, request.Color)
	h.respondCreated(c, id, err)
}

func (h *httpHandler) handleRecolorTag(c *gin.Context) {
	var request tagRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid json payload")
		return
	}
	changed, err := h.commands.RecolorTag(c.Request.Context(), c.Param("name"), request.Color)
	h.respondChanged(c, changed, err)
}

func (h *httpHandler) handleRetireTag(c *gin.Context) {
	if err := h.commands.RetireTag(c.Request.Context(), c.Param("name")); err != nil {
		h.writeError(c, err)
		return
	}
	h.respondCommand(c, http.StatusOK, gin.H{"name": c.Param("name"), "retired": true})
}

func (h *httpHandler) handleAttachTag(c *gin.Context) {
	ref := domain.EntityRef{Type: c.Param("type"), ID: c.Param("id")}
	changed, err := h.commands.AttachTag(c.Request.Context(), ref, c.Param("tag"))
	h.respondChanged(c, changed, err)
}

func (h *httpHandler) handleDetachTag(c *gin.Context) {
	ref := domain.EntityRef{Type: c.Param("type"), ID: c.Param("id")}
	changed, err := h.commands.DetachTag(c.Request.Context(), ref, c.Param("tag"))
	h.respondChanged(c, changed, err)
}

func (h *httpHandler) respondCreated(c *gin.Context, id string, err error) {
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.respondCommand(c, http.StatusCreated, gin.H{"id": id})
}

// respondChanged reports whether the command emitted an event; idempotent no-ops answer changed=false.
func (h *httpHandler) respondChanged(c *gin.Context, changed bool, err error) {
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.respondCommand(c, http.StatusOK, gin.H{"id": c.Param("id"), "changed": changed})
}
