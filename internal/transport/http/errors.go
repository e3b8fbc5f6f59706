package httptransport

import (
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempmail/relay/internal/domain"
	"tempmail/relay/internal/service"
	"tempmail/relay/internal/storage"
)

type errorMapping struct {
	status int
	msg    string
}

// 错误消息映射表（业务错误 -> 状态码与中文消息）
var errorMessages = []struct {
	err error
	errorMapping
}{
	{domain.ErrInUse, errorMapping{CodeConflict, "该邮箱地址正在被其他用户使用"}},
	{domain.ErrDomainUnsupported, errorMapping{CodeUnprocessableEntity, "不支持该域名"}},
	{domain.ErrRemoteCreateFailed, errorMapping{CodeBadGateway, "创建邮箱失败，请稍后重试"}},
	{domain.ErrExhausted, errorMapping{CodeServiceUnavailable, "暂时无法生成新的邮箱地址，请稍后重试"}},
	{domain.ErrServiceUnavailable, errorMapping{CodeServiceUnavailable, "服务繁忙，请稍后重试"}},
	{domain.ErrNoActiveDomain, errorMapping{CodeServiceUnavailable, "暂无可用域名"}},
	{domain.ErrNoCurrentAccount, errorMapping{CodeNotFound, MsgNoCurrentAddress}},
	{service.ErrAccountGone, errorMapping{CodeGone, "该邮箱已失效，请重新获取"}},
	{storage.ErrMessageNotFound, errorMapping{CodeNotFound, MsgMessageNotFound}},
}

// 通用错误消息
const (
	MsgInvalidRequest    = "请求参数格式错误"
	MsgInvalidAddress    = "邮箱地址格式无效"
	MsgNoCurrentAddress  = "当前没有邮箱地址"
	MsgMessageNotFound   = "邮件不存在"
	MsgAttachmentMissing = "附件不存在"
	MsgTooManyRequests   = "申请过于频繁，请稍后再试"
	MsgInvalidDate       = "日期格式应为 YYYY-MM-DD"
	MsgSessionMissing    = "会话无效，请刷新页面"
	MsgInternalError     = "服务器内部错误，请稍后重试"
)

// respondError 把业务错误转换为响应，服务商的原始错误不会返回给调用方
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	if wait, ok := domain.CooldownWait(err); ok {
		minutes := int(wait.Minutes())
		if minutes < 1 {
			minutes = 1
		}
		ErrorWithData(c, CodeLocked,
			fmt.Sprintf("该邮箱地址处于冷却期，请 %d 分钟后再试", minutes),
			gin.H{"wait_seconds": int64(wait.Seconds())})
		return
	}

	if domain.IsValidation(err) {
		BadRequest(c, MsgInvalidAddress)
		return
	}

	for _, m := range errorMessages {
		if errors.Is(err, m.err) {
			Error(c, m.status, m.msg)
			return
		}
	}

	logger.Error("request failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Error(err))
	_ = c.Error(err)
	InternalError(c, MsgInternalError)
}
