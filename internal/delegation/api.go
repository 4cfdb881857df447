package delegation

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/principal"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/response"
	"github.com/ThorodanBrom/iudx-aaa-server-1/pkg/middleware"
)

// HTTPHandler exposes the delegation manager over HTTP.
type HTTPHandler struct {
	svc    Service
	logger *zap.Logger
}

// NewHTTPHandler creates the delegation handler.
func NewHTTPHandler(svc Service, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, logger: logger}
}

// RegisterRoutes registers the delegation routes on an authenticated group.
func (h *HTTPHandler) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("/delegations", h.list)
	group.POST("/delegations", h.create)
	group.DELETE("/delegations", h.delete)
}

type createBody struct {
	Request []CreateRequest `json:"request" binding:"required,min=1,dive"`
}

func (h *HTTPHandler) create(c *gin.Context) {
	user, delegation, ok := h.caller(c)
	if !ok {
		return
	}
	var body createBody
	if err := c.ShouldBindJSON(&body); err != nil {
		render(c, response.Invalid("invalid request body", err.Error()))
		return
	}

	created, err := h.svc.CreateDelegations(c.Request.Context(), body.Request, user, delegation)
	if err != nil {
		render(c, response.From(err))
		return
	}
	render(c, response.Success("added delegations", created))
}

func (h *HTTPHandler) list(c *gin.Context) {
	user, delegation, ok := h.caller(c)
	if !ok {
		return
	}
	delegations, err := h.svc.ListDelegations(c.Request.Context(), user, delegation)
	if err != nil {
		render(c, response.From(err))
		return
	}
	render(c, response.Success("delegations", delegations))
}

type deleteBody struct {
	Request []struct {
		ID uuid.UUID `json:"id" binding:"required"`
	} `json:"request" binding:"required,min=1,dive"`
}

func (h *HTTPHandler) delete(c *gin.Context) {
	user, delegation, ok := h.caller(c)
	if !ok {
		return
	}
	var body deleteBody
	if err := c.ShouldBindJSON(&body); err != nil {
		render(c, response.Invalid("invalid request body", err.Error()))
		return
	}
	ids := make([]uuid.UUID, 0, len(body.Request))
	for _, entry := range body.Request {
		ids = append(ids, entry.ID)
	}

	if err := h.svc.DeleteDelegations(c.Request.Context(), ids, user, delegation); err != nil {
		render(c, response.From(err))
		return
	}
	render(c, response.Success("deleted delegations", nil))
}

func (h *HTTPHandler) caller(c *gin.Context) (principal.User, *principal.Delegation, bool) {
	user, err := middleware.UserFromGinContext(c)
	if err != nil {
		render(c, response.New(http.StatusUnauthorized, response.URNMissingInfo, "unauthenticated", ""))
		return principal.User{}, nil, false
	}
	delegation, err := middleware.DelegationFromRequest(c)
	if err != nil {
		render(c, response.Invalid("invalid provider header", err.Error()))
		return principal.User{}, nil, false
	}
	return user, delegation, true
}

func render(c *gin.Context, r *response.Response) {
	c.JSON(r.Status, r)
}
