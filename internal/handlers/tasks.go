package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/spoilr/internal/models"
	"github.com/charlesng35/spoilr/internal/services"
	"github.com/charlesng35/spoilr/pkg/response"
)

// TaskHandler serves the handler dashboard task queue.
type TaskHandler struct {
	tasks *services.TaskService
}

func NewTaskHandler(tasks *services.TaskService) *TaskHandler {
	return &TaskHandler{tasks: tasks}
}

// GET /spoilr/tasks
func (h *TaskHandler) List(c *gin.Context) {
	filter := services.TaskFilter{
		Kind:  models.TaskKind(strings.TrimSpace(c.Query("kind"))),
		Limit: parseIntQuery(c, "limit", 0),
	}
	for _, status := range c.QueryArray("status") {
		if status = strings.TrimSpace(status); status != "" {
			filter.Statuses = append(filter.Statuses, models.TaskStatus(status))
		}
	}
	if len(filter.Statuses) == 0 {
		filter.Statuses = []models.TaskStatus{models.TaskPending}
	}
	if truthy(c.Query("mine")) {
		if user := handlerUser(c); user != nil {
			filter.HandlerID = &user.ID
		}
	}
	if raw := strings.TrimSpace(c.Query("team_id")); raw != "" {
		if id, err := strconv.ParseUint(raw, 10, 64); err == nil {
			teamID := uint(id)
			filter.TeamID = &teamID
		}
	}

	tasks, err := h.tasks.List(requestContext(c), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"tasks": tasks})
}

// POST /spoilr/task/claim
func (h *TaskHandler) Claim(c *gin.Context) {
	ids, ok := h.ids(c)
	if !ok {
		return
	}
	opts := services.ClaimOptions{
		Yoink:       truthy(c.PostForm("yoink")),
		ForceReopen: truthy(c.PostForm("force_reopen")),
	}
	if (opts.Yoink || opts.ForceReopen) && !requireConfirm(c) {
		return
	}
	tasks, err := h.tasks.Claim(requestContext(c), ids, handlerUser(c), opts)
	if err != nil {
		response.Error(c, err)
		return
	}
	if len(tasks) == 1 {
		done(c, "Task claimed")
		return
	}
	done(c, fmt.Sprintf("%d tasks claimed", len(tasks)))
}

// POST /spoilr/task/unclaim
func (h *TaskHandler) Unclaim(c *gin.Context) {
	ids, ok := h.ids(c)
	if !ok {
		return
	}
	tasks, err := h.tasks.Unclaim(requestContext(c), ids, handlerUser(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	done(c, fmt.Sprintf("Unclaimed %s", countTasks(len(tasks))))
}

type snoozeRequest struct {
	Hours float64 `form:"snooze_hours" validate:"gt=0,lte=24"`
}

// POST /spoilr/task/snooze
func (h *TaskHandler) Snooze(c *gin.Context) {
	ids, ok := h.ids(c)
	if !ok {
		return
	}
	var body snoozeRequest
	if !bindAndValidate(c, &body) {
		return
	}
	tasks, err := h.tasks.Snooze(requestContext(c), ids, handlerUser(c), body.Hours)
	if err != nil {
		response.Error(c, err)
		return
	}
	done(c, fmt.Sprintf("Snoozed %s for %g hours", countTasks(len(tasks)), body.Hours))
}

// POST /spoilr/task/unsnooze
func (h *TaskHandler) Unsnooze(c *gin.Context) {
	ids, ok := h.ids(c)
	if !ok {
		return
	}
	tasks, err := h.tasks.Unsnooze(requestContext(c), ids, handlerUser(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	done(c, fmt.Sprintf("Unsnoozed %s", countTasks(len(tasks))))
}

// POST /spoilr/task/ignore
func (h *TaskHandler) Ignore(c *gin.Context) {
	ids, ok := h.ids(c)
	if !ok {
		return
	}
	tasks, err := h.tasks.Ignore(requestContext(c), ids, handlerUser(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	done(c, fmt.Sprintf("Ignored %s", countTasks(len(tasks))))
}

func (h *TaskHandler) ids(c *gin.Context) ([]uint, bool) {
	ids, err := parseIDs(c.PostFormArray("task_id"))
	if err != nil {
		response.Error(c, err)
		return nil, false
	}
	return ids, true
}

func countTasks(n int) string {
	if n == 1 {
		return "1 task"
	}
	return fmt.Sprintf("%d tasks", n)
}
