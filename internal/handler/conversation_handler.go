package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"hyperchat-go/internal/model"
	"hyperchat-go/internal/repository"
	"hyperchat-go/internal/service"
	"hyperchat-go/pkg/log"
)

// ConversationHandler 处理与会话列表、新建、切换和重命名相关的 API 请求。
type ConversationHandler struct {
	service service.ConversationService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(service service.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: service}
}

// CreateConversationRequest 定义了新建会话的请求体结构。
type CreateConversationRequest struct {
	Product model.Product `json:"product" binding:"required"`
}

// RenameConversationRequest 定义了重命名会话的请求体结构。
type RenameConversationRequest struct {
	Summary string `json:"summary"`
}

func respond(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, gin.H{
		"code":    status,
		"message": message,
		"data":    data,
	})
}

// productParam 读取 ?product= 参数，缺省为 chat。
func productParam(c *gin.Context) (model.Product, bool) {
	product := model.Product(c.DefaultQuery("product", string(model.ProductChat)))
	if !product.Valid() {
		respond(c, http.StatusBadRequest, "未知的产品类型: "+string(product), nil)
		return "", false
	}
	return product, true
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrConversationNotFound):
		respond(c, http.StatusNotFound, "会话不存在", nil)
	case errors.Is(err, service.ErrBusy):
		respond(c, http.StatusConflict, service.BusyHint, nil)
	default:
		log.Errorf("处理会话请求失败: %v", err)
		respond(c, http.StatusInternalServerError, err.Error(), nil)
	}
}

// GetConversations 按 updatedAt 倒序列出某个产品下的会话。
func (h *ConversationHandler) GetConversations(c *gin.Context) {
	product, ok := productParam(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	list, err := h.service.ListConversations(c.Request.Context(), product, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, "success", list)
}

// CreateConversation 新建一个会话。
func (h *ConversationHandler) CreateConversation(c *gin.Context) {
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Product.Valid() {
		respond(c, http.StatusBadRequest, "无效的请求负载：product 不合法", nil)
		return
	}

	conv, err := h.service.CreateConversation(c.Request.Context(), req.Product)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, "success", conv)
}

// GetConversation 切换到某个会话并返回它的当前状态。
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	product, ok := productParam(c)
	if !ok {
		return
	}
	conv, err := h.service.GetConversation(c.Request.Context(), product, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, "success", conv)
}

// RenameConversation 修改会话的摘要。
func (h *ConversationHandler) RenameConversation(c *gin.Context) {
	product, ok := productParam(c)
	if !ok {
		return
	}
	var req RenameConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "无效的请求负载", nil)
		return
	}

	conv, err := h.service.RenameConversation(c.Request.Context(), product, c.Param("id"), req.Summary)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, "success", conv)
}
