package httptransport

import (
	"mime"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempmail/relay/internal/domain"
	"tempmail/relay/internal/middleware"
	"tempmail/relay/internal/service"
)

// MessageHandler 收件箱相关接口
type MessageHandler struct {
	accounts *service.AccountService
	messages *service.MessageService
	syncer   *service.SyncService
	logger   *zap.Logger
}

// NewMessageHandler 创建邮件处理器
func NewMessageHandler(accounts *service.AccountService, messages *service.MessageService, syncer *service.SyncService, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{accounts: accounts, messages: messages, syncer: syncer, logger: logger}
}

// resolve 取会话当前持有的账号，失败时已写入响应
func (h *MessageHandler) resolve(c *gin.Context) (*domain.Account, *domain.Session, bool) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		Error(c, CodeUnauthorized, MsgSessionMissing)
		return nil, nil, false
	}
	acc, session, err := h.accounts.Resolve(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return nil, nil, false
	}
	return acc, session, true
}

// ListMessages godoc
// @Summary 获取收件箱
// @Description 只返回本次占用期间收到的邮件，同时在后台刷新收件箱
// @Tags Messages
// @Produce json
// @Success 200 {object} Response{data=object{email=string,messages=[]domain.MessageSummary,count=int}}
// @Failure 404 {object} Response
// @Router /v1/messages [get]
func (h *MessageHandler) ListMessages(c *gin.Context) {
	acc, session, ok := h.resolve(c)
	if !ok {
		return
	}

	h.syncer.RefreshAsync(acc)
	list, err := h.messages.List(c.Request.Context(), acc, session)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	Success(c, gin.H{
		"email":    acc.Address,
		"messages": list,
		"count":    len(list),
	})
}

// GetMessage godoc
// @Summary 获取邮件详情
// @Description 标记为已读；内联图片改写为附件下载地址，HTML 已清理
// @Tags Messages
// @Produce json
// @Param id path string true "邮件ID"
// @Success 200 {object} Response{data=domain.Message}
// @Failure 404 {object} Response
// @Router /v1/messages/{id} [get]
func (h *MessageHandler) GetMessage(c *gin.Context) {
	acc, _, ok := h.resolve(c)
	if !ok {
		return
	}

	messageID := c.Param("id")
	msg, err := h.messages.Get(c.Request.Context(), acc, messageID, func(a domain.Attachment) string {
		return "/v1/messages/" + url.PathEscape(messageID) + "/attachments/" + url.PathEscape(a.RemoteID)
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	Success(c, msg)
}

// DownloadSource godoc
// @Summary 下载原始邮件
// @Tags Messages
// @Produce message/rfc822
// @Param id path string true "邮件ID"
// @Success 200 {file} binary
// @Router /v1/messages/{id}/source [get]
func (h *MessageHandler) DownloadSource(c *gin.Context) {
	acc, _, ok := h.resolve(c)
	if !ok {
		return
	}

	messageID := c.Param("id")
	raw, err := h.messages.Source(c.Request.Context(), acc, messageID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": messageID + ".eml"}))
	c.Data(http.StatusOK, "message/rfc822", raw)
}

// DownloadAttachment godoc
// @Summary 下载附件
// @Description 图片等安全类型内联展示，可执行文件一律作为下载
// @Tags Messages
// @Param id path string true "邮件ID"
// @Param attachmentId path string true "附件ID"
// @Success 200 {file} binary
// @Router /v1/messages/{id}/attachments/{attachmentId} [get]
func (h *MessageHandler) DownloadAttachment(c *gin.Context) {
	acc, _, ok := h.resolve(c)
	if !ok {
		return
	}

	content, err := h.messages.Attachment(c.Request.Context(), acc, c.Param("id"), c.Param("attachmentId"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	disposition := "attachment"
	if content.Inline {
		disposition = "inline"
	}
	c.Header("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": content.Filename}))
	c.Header("Cache-Control", "private, max-age=3600")
	c.Data(http.StatusOK, content.ContentType, content.Data)
}
