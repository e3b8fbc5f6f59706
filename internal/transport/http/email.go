package httptransport

import (
	"errors"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempmail/relay/internal/domain"
	"tempmail/relay/internal/middleware"
	"tempmail/relay/internal/service"
)

// EmailHandler 地址分配相关接口
type EmailHandler struct {
	accounts *service.AccountService
	syncer   *service.SyncService
	domains  *service.DomainService
	identity *middleware.SessionIdentity
	limiter  *middleware.AllocationLimiter
	logger   *zap.Logger
}

// NewEmailHandler 创建地址处理器
func NewEmailHandler(
	accounts *service.AccountService,
	syncer *service.SyncService,
	domains *service.DomainService,
	identity *middleware.SessionIdentity,
	limiter *middleware.AllocationLimiter,
	logger *zap.Logger,
) *EmailHandler {
	return &EmailHandler{
		accounts: accounts,
		syncer:   syncer,
		domains:  domains,
		identity: identity,
		limiter:  limiter,
		logger:   logger,
	}
}

type allocateRequest struct {
	Email string `json:"email" binding:"omitempty,max=320"`
}

// GetEmail godoc
// @Summary 获取当前邮箱地址
// @Description 会话还没有地址时自动分配一个随机地址，同时在后台刷新收件箱
// @Tags Email
// @Produce json
// @Success 200 {object} Response{data=domain.AccountView}
// @Failure 429 {object} Response
// @Failure 503 {object} Response
// @Router /v1/email [get]
func (h *EmailHandler) GetEmail(c *gin.Context) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		Error(c, CodeUnauthorized, MsgSessionMissing)
		return
	}
	ctx := c.Request.Context()

	// 只有真的要新建地址时才计入 IP 频率
	if _, _, err := h.accounts.Resolve(ctx, id); errors.Is(err, domain.ErrNoCurrentAccount) && !h.limiter.Allow(id.ClientIP) {
		Error(c, CodeTooManyRequests, MsgTooManyRequests)
		return
	}

	alloc, err := h.accounts.Current(ctx, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.identity.RememberFingerprint(c, alloc.Account.Address)
	h.syncer.RefreshAsync(alloc.Account)
	Success(c, alloc.View(time.Now()))
}

// AllocateEmail godoc
// @Summary 申请邮箱地址
// @Description email 为空时放弃当前地址并生成新的随机地址；否则申请指定地址
// @Tags Email
// @Accept json
// @Produce json
// @Param request body allocateRequest false "指定地址"
// @Success 200 {object} Response{data=domain.AccountView}
// @Failure 400 {object} Response
// @Failure 409 {object} Response
// @Failure 422 {object} Response
// @Failure 423 {object} Response{data=object{wait_seconds=int}}
// @Failure 502 {object} Response
// @Failure 503 {object} Response
// @Router /v1/email [post]
func (h *EmailHandler) AllocateEmail(c *gin.Context) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		Error(c, CodeUnauthorized, MsgSessionMissing)
		return
	}

	// 空请求体等同于 {"email": ""}
	var req allocateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			BadRequest(c, MsgInvalidRequest)
			return
		}
	}

	if !h.limiter.Allow(id.ClientIP) {
		Error(c, CodeTooManyRequests, MsgTooManyRequests)
		return
	}

	ctx := c.Request.Context()
	var (
		alloc *service.Allocation
		err   error
	)
	if req.Email == "" {
		alloc, err = h.accounts.Reset(ctx, id)
	} else {
		alloc, err = h.accounts.Allocate(ctx, id, req.Email)
	}
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.identity.RememberFingerprint(c, alloc.Account.Address)
	h.syncer.RefreshAsync(alloc.Account)
	SuccessWithMsg(c, "邮箱地址已就绪", alloc.View(time.Now()))
}

// ReleaseEmail godoc
// @Summary 释放当前邮箱地址
// @Description 地址进入冷却期，冷却期内只有原会话或同一浏览器可以取回
// @Tags Email
// @Produce json
// @Success 200 {object} Response
// @Failure 404 {object} Response
// @Router /v1/email/release [post]
func (h *EmailHandler) ReleaseEmail(c *gin.Context) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		Error(c, CodeUnauthorized, MsgSessionMissing)
		return
	}
	if err := h.accounts.Release(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, err)
		return
	}
	SuccessWithMsg(c, "邮箱地址已释放", nil)
}

// History godoc
// @Summary 最近使用的邮箱地址
// @Tags Email
// @Produce json
// @Success 200 {object} Response{data=[]domain.HistoryEntry}
// @Router /v1/email/history [get]
func (h *EmailHandler) History(c *gin.Context) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		Error(c, CodeUnauthorized, MsgSessionMissing)
		return
	}
	entries, err := h.accounts.History(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	Success(c, entries)
}

// ListDomains godoc
// @Summary 获取可用域名列表
// @Tags Public
// @Produce json
// @Success 200 {object} Response{data=object{domains=[]string,count=int}}
// @Router /v1/domains [get]
func (h *EmailHandler) ListDomains(c *gin.Context) {
	domains, err := h.domains.List(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	names := make([]string, 0, len(domains))
	for _, d := range domains {
		names = append(names, d.Name)
	}
	Success(c, gin.H{
		"domains": names,
		"count":   len(names),
	})
}
