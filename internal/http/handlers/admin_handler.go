// Admin HTTP handlers.
//
// This file exposes read-only endpoints over the activation code pool:
//   - GET /admin/codes/stats   (totals)
//   - GET /admin/codes         (list, paginated, filter by status)
//
// The routes sit behind the bearer-token middleware.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-activation-bot/internal/domain"
	"github.com/tbourn/go-activation-bot/internal/services"
	"github.com/tbourn/go-activation-bot/internal/utils"
)

//
// DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListCodesResponse wraps a page of codes and pagination information.
type ListCodesResponse struct {
	Codes      []domain.ActivationCode `json:"codes"`
	Pagination Pagination              `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	return utils.ClampPage(
		utils.AtoiDefault(c.Query("page"), 1),
		utils.AtoiDefault(c.Query("page_size"), utils.DefaultPageSize),
	)
}

// statusFilter maps ?status= to the repository filter. ok is false for
// unknown values.
func statusFilter(s string) (assigned *bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return nil, true
	case "assigned":
		v := true
		return &v, true
	case "available":
		v := false
		return &v, true
	}
	return nil, false
}

//
// Handlers
//

// CodeStats godoc
// @ID          codeStats
// @Summary     Activation code pool totals
// @Description Returns total, assigned and available counts and refreshes the availability gauge.
// @Tags        Admin
// @Produce     json
// @Security    BearerAuth
//
// @Success     200  {object}  repo.CodeStats
// @Failure     401  {object}  handlers.ErrorResponse "Bad token"
// @Failure     500  {object}  handlers.ErrorResponse "Internal error"
// @Router      /admin/codes/stats [get]
func (h *Handlers) CodeStats(c *gin.Context) {
	stats, err := h.pool.Stats(c.Request.Context())
	if err != nil {
		failErr(c, http.StatusInternalServerError, ErrCodeStatsFailed, "could not read pool stats", err)
		return
	}
	services.SetAvailableCodes(stats.Available)
	ok(c, stats)
}

// ListCodes godoc
// @ID          listCodes
// @Summary     List activation codes (paginated)
// @Description Returns a page of codes ordered by id, optionally filtered by status.
// @Tags        Admin
// @Produce     json
// @Security    BearerAuth
//
// @Param       status     query  string  false "Filter"          Enums(all, available, assigned) default(all)
// @Param       page       query  int     false "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false "Items per page"  minimum(1) maximum(500) default(50)
//
// @Success     200  {object}  handlers.ListCodesResponse
// @Failure     400  {object}  handlers.ErrorResponse "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse "Bad token"
// @Failure     500  {object}  handlers.ErrorResponse "Internal error"
// @Router      /admin/codes [get]
func (h *Handlers) ListCodes(c *gin.Context) {
	assigned, valid := statusFilter(c.Query("status"))
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "status must be one of: all, available, assigned")
		return
	}
	page, pageSize := clampPagination(c)

	items, total, err := h.pool.ListPage(c.Request.Context(), assigned, page, pageSize)
	if err != nil {
		failErr(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list codes", err)
		return
	}
	if items == nil {
		items = []domain.ActivationCode{}
	}

	totalPages := utils.TotalPages(total, pageSize)
	ok(c, ListCodesResponse{
		Codes: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}
