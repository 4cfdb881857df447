package notification

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/principal"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/response"
	"github.com/ThorodanBrom/iudx-aaa-server-1/pkg/middleware"
)

// HTTPHandler exposes the access-request workflow over HTTP.
type HTTPHandler struct {
	svc    Service
	logger *zap.Logger
}

// NewHTTPHandler creates the notification handler.
func NewHTTPHandler(svc Service, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, logger: logger}
}

// RegisterRoutes registers the notification routes on an authenticated
// group.
func (h *HTTPHandler) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("/notifications", h.list)
	group.POST("/notifications", h.create)
	group.PUT("/notifications", h.update)
	group.DELETE("/notifications", h.delete)
}

type createBody struct {
	Request []CreateRequest `json:"request" binding:"required,min=1,dive"`
}

func (h *HTTPHandler) create(c *gin.Context) {
	user, _, ok := h.caller(c)
	if !ok {
		return
	}
	var body createBody
	if err := c.ShouldBindJSON(&body); err != nil {
		render(c, response.Invalid("invalid request body", err.Error()))
		return
	}

	created, err := h.svc.CreateRequests(c.Request.Context(), body.Request, user)
	if err != nil {
		render(c, response.From(err))
		return
	}
	render(c, response.Success("added requests", created))
}

func (h *HTTPHandler) list(c *gin.Context) {
	user, delegation, ok := h.caller(c)
	if !ok {
		return
	}
	requests, err := h.svc.ListRequests(c.Request.Context(), user, delegation)
	if err != nil {
		render(c, response.From(err))
		return
	}
	render(c, response.Success("requests", requests))
}

type updateBody struct {
	Request []UpdateRequest `json:"request" binding:"required,min=1,dive"`
}

func (h *HTTPHandler) update(c *gin.Context) {
	user, delegation, ok := h.caller(c)
	if !ok {
		return
	}
	var body updateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		render(c, response.Invalid("invalid request body", err.Error()))
		return
	}

	updated, err := h.svc.UpdateRequests(c.Request.Context(), body.Request, user, delegation)
	if err != nil {
		render(c, response.From(err))
		return
	}
	render(c, response.Success("updated requests", updated))
}

type deleteBody struct {
	Request []struct {
		ID uuid.UUID `json:"id" binding:"required"`
	} `json:"request" binding:"required,min=1,dive"`
}

func (h *HTTPHandler) delete(c *gin.Context) {
	user, _, ok := h.caller(c)
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

	withdrawn, err := h.svc.DeleteRequests(c.Request.Context(), ids, user)
	if err != nil {
		render(c, response.From(err))
		return
	}
	render(c, response.Success("withdrawn requests", withdrawn))
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
