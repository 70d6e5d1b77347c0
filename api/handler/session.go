package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sshcollectorpro/cling/addone/classify"
	"github.com/sshcollectorpro/cling/internal/service"
	"github.com/sshcollectorpro/cling/pkg/logger"
)

// ErrorResponse 错误响应
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SuccessResponse 成功响应
type SuccessResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ClassifierView 分类器及其错误特征
type ClassifierView struct {
	Name     string   `json:"name"`
	Patterns []string `json:"patterns"`
}

// DiscoverRequest SNMP 识别请求
type DiscoverRequest struct {
	Host string `json:"host" binding:"required"`
}

// SessionHandler 会话执行相关接口
type SessionHandler struct {
	runService *service.RunService
}

// NewSessionHandler 创建处理器
func NewSessionHandler(runService *service.RunService) *SessionHandler {
	return &SessionHandler{runService: runService}
}

// Health 健康检查
// @Router /api/v1/health [get]
func (h *SessionHandler) Health(c *gin.Context) {
	if err := h.runService.Health(); err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Code:    "SERVICE_UNAVAILABLE",
			Message: "服务不可用: " + err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "服务正常",
		Data:    h.runService.GetStats(),
	})
}

// ListPersonalities 平台表，按自动识别的匹配顺序
// @Router /api/v1/personalities [get]
func (h *SessionHandler) ListPersonalities(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "ok",
		Data:    h.runService.Table().All(),
	})
}

// ListClassifiers 已注册的错误分类器
// @Router /api/v1/classifiers [get]
func (h *SessionHandler) ListClassifiers(c *gin.Context) {
	views := make([]ClassifierView, 0)
	for _, name := range classify.Names() {
		v := ClassifierView{Name: name, Patterns: []string{}}
		if pc, ok := classify.Get(name).(*classify.PatternClassifier); ok {
			v.Patterns = pc.Patterns()
		}
		views = append(views, v)
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: "SUCCESS", Message: "ok", Data: views})
}

// Run 批量执行；?async=true 时立即返回任务 ID，结果通过任务接口查询
// @Param request body service.BatchRequest true "批量执行请求"
// @Success 200 {object} service.BatchResponse
// @Router /api/v1/run [post]
func (h *SessionHandler) Run(c *gin.Context) {
	var request service.BatchRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		logger.WithField("error", err).Warn("Invalid request parameters")
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_PARAMS",
			Message: "请求参数无效: " + err.Error(),
		})
		return
	}
	if strings.TrimSpace(request.TaskID) == "" {
		request.TaskID = uuid.NewString()
	}

	if c.Query("async") == "true" {
		// 先登记任务再返回，客户端拿到 ID 后即可查询
		run, err := h.runService.Submit(context.Background(), &request)
		if err != nil {
			h.executeFailed(c, request.TaskID, err)
			return
		}
		go run()
		c.JSON(http.StatusAccepted, SuccessResponse{
			Code:    "ACCEPTED",
			Message: "任务已提交",
			Data:    gin.H{"task_id": request.TaskID},
		})
		return
	}

	response, err := h.runService.Execute(c.Request.Context(), &request)
	if err != nil {
		h.executeFailed(c, request.TaskID, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *SessionHandler) executeFailed(c *gin.Context, taskID string, err error) {
	status, code := http.StatusInternalServerError, "EXECUTION_FAILED"
	switch {
	case errors.Is(err, service.ErrNotRunning):
		status, code = http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"
	case errors.Is(err, service.ErrNoDevices):
		status, code = http.StatusBadRequest, "VALIDATION_FAILED"
	}
	logger.WithField("task_id", taskID).Errorf("Failed to execute task: %v", err)
	c.JSON(status, ErrorResponse{Code: code, Message: "任务执行失败: " + err.Error()})
}

// Discover 通过 SNMP sysDescr 识别设备平台
// @Router /api/v1/discover [post]
func (h *SessionHandler) Discover(c *gin.Context) {
	var request DiscoverRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: "INVALID_PARAMS", Message: "请求参数无效: " + err.Error()})
		return
	}
	profile, err := h.runService.Discover(c.Request.Context(), strings.TrimSpace(request.Host))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Code: "DISCOVERY_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: "SUCCESS", Message: "ok", Data: profile})
}

// GetTask 任务详情（含每台设备的结果）
// @Router /api/v1/tasks/{task_id} [get]
func (h *SessionHandler) GetTask(c *gin.Context) {
	taskID := c.Param("task_id")
	task, err := h.runService.GetTask(taskID)
	if err != nil {
		if errors.Is(err, service.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Code: "TASK_NOT_FOUND", Message: "任务不存在: " + taskID})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Code: "QUERY_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: "SUCCESS", Message: "ok", Data: task})
}

// CancelTask 取消运行中的任务
// @Router /api/v1/tasks/{task_id}/cancel [post]
func (h *SessionHandler) CancelTask(c *gin.Context) {
	taskID := c.Param("task_id")
	if err := h.runService.CancelTask(taskID); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Code: "TASK_NOT_FOUND", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: "SUCCESS", Message: "任务已取消"})
}

// GetStats 服务统计
// @Router /api/v1/stats [get]
func (h *SessionHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse{Code: "SUCCESS", Message: "ok", Data: h.runService.GetStats()})
}
