package httptransport

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempmail/relay/internal/service"
)

const (
	dateLayout         = "2006-01-02"
	defaultStatsWindow = 7
)

// AdminHandler 管理接口
type AdminHandler struct {
	admin  *service.AdminService
	logger *zap.Logger
	now    func() time.Time
}

// NewAdminHandler 创建管理处理器
func NewAdminHandler(admin *service.AdminService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{admin: admin, logger: logger, now: time.Now}
}

// GetStatistics godoc
// @Summary 系统统计
// @Description from/to 为闭区间日期（UTC），默认最近 7 天
// @Tags Admin
// @Produce json
// @Param X-Admin-Token header string true "管理令牌"
// @Param from query string false "开始日期 YYYY-MM-DD"
// @Param to query string false "结束日期 YYYY-MM-DD"
// @Param filter query string false "发件域名排行: all, top10, top50"
// @Success 200 {object} Response{data=domain.Statistics}
// @Router /v1/admin/statistics [get]
func (h *AdminHandler) GetStatistics(c *gin.Context) {
	from, to, ok := h.parseRange(c)
	if !ok {
		BadRequest(c, MsgInvalidDate)
		return
	}

	stats, err := h.admin.Statistics(c.Request.Context(), from, to, c.Query("filter"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	Success(c, stats)
}

func (h *AdminHandler) parseRange(c *gin.Context) (time.Time, time.Time, bool) {
	today := h.now().UTC().Truncate(24 * time.Hour)
	from := today.AddDate(0, 0, -(defaultStatsWindow - 1))
	to := today

	if v := c.Query("from"); v != "" {
		d, err := time.Parse(dateLayout, v)
		if err != nil {
			return time.Time{}, time.Time{}, false
		}
		from = d
	}
	if v := c.Query("to"); v != "" {
		d, err := time.Parse(dateLayout, v)
		if err != nil {
			return time.Time{}, time.Time{}, false
		}
		to = d
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, false
	}
	// 结束日期包含当天
	return from, to.Add(24*time.Hour - time.Nanosecond), true
}

// ListAccounts godoc
// @Summary 账号列表
// @Tags Admin
// @Produce json
// @Param X-Admin-Token header string true "管理令牌"
// @Param page query int false "页码，从 1 开始"
// @Param size query int false "每页数量，最大 200"
// @Success 200 {object} Response{data=object{items=[]domain.AccountSummary,total=int,page=int}}
// @Router /v1/admin/accounts [get]
func (h *AdminHandler) ListAccounts(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "50"))

	items, total, err := h.admin.ListAccounts(c.Request.Context(), page, size)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if page < 1 {
		page = 1
	}
	Success(c, gin.H{
		"items": items,
		"total": total,
		"page":  page,
	})
}
