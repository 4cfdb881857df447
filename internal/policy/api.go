package policy

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/catalogue"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/principal"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/response"
	"github.com/ThorodanBrom/iudx-aaa-server-1/pkg/middleware"
)

// HTTPHandler exposes the policy engine over HTTP.
type HTTPHandler struct {
	svc    Service
	logger *zap.Logger
}

// NewHTTPHandler creates the policy handler.
func NewHTTPHandler(svc Service, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, logger: logger}
}

// RegisterRoutes registers the policy routes on an authenticated group.
func (h *HTTPHandler) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("/policies", h.listPolicies)
	group.POST("/policies", h.createPolicies)
	group.DELETE("/policies", h.deletePolicies)
	group.POST("/policies/verify", h.verify)
}

type createPoliciesBody struct {
	Request []CreateRequest `json:"request" binding:"required,min=1,dive"`
}

func (h *HTTPHandler) createPolicies(c *gin.Context) {
	user, delegation, ok := h.caller(c)
	if !ok {
		return
	}
	var body createPoliciesBody
	if err := c.ShouldBindJSON(&body); err != nil {
		render(c, response.Invalid("invalid request body", err.Error()))
		return
	}

	created, err := h.svc.CreatePolicies(c.Request.Context(), body.Request, user, delegation)
	if err != nil {
		render(c, response.From(err))
		return
	}
	render(c, response.Success("added policies", created))
}

func (h *HTTPHandler) listPolicies(c *gin.Context) {
	user, delegation, ok := h.caller(c)
	if !ok {
		return
	}
	policies, err := h.svc.ListPolicies(c.Request.Context(), user, delegation)
	if err != nil {
		render(c, response.From(err))
		return
	}
	render(c, response.Success("policies", policies))
}

type deletePoliciesBody struct {
	Request []struct {
		ID uuid.UUID `json:"id" binding:"required"`
	} `json:"request" binding:"required,min=1,dive"`
}

func (h *HTTPHandler) deletePolicies(c *gin.Context) {
	user, delegation, ok := h.caller(c)
	if !ok {
		return
	}
	var body deletePoliciesBody
	if err := c.ShouldBindJSON(&body); err != nil {
		render(c, response.Invalid("invalid request body", err.Error()))
		return
	}
	ids := make([]uuid.UUID, 0, len(body.Request))
	for _, entry := range body.Request {
		ids = append(ids, entry.ID)
	}

	if err := h.svc.DeletePolicies(c.Request.Context(), ids, user, delegation); err != nil {
		render(c, response.From(err))
		return
	}
	render(c, response.Success("deleted policies", nil))
}

type verifyBody struct {
	UserID   uuid.UUID `json:"userId" binding:"required"`
	ItemID   string    `json:"itemId" binding:"required"`
	ItemType string    `json:"itemType" binding:"required"`
	Role     string    `json:"role" binding:"required"`
}

// verify serves the token service. The subject of the decision comes from
// the body, not the bearer token, since the token service calls on the
// subject's behalf.
func (h *HTTPHandler) verify(c *gin.Context) {
	var body verifyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		render(c, response.Invalid("invalid request body", err.Error()))
		return
	}
	itemType, ok := catalogue.ParseItemType(body.ItemType)
	if !ok {
		render(c, response.Invalid(titleIncorrectItemType, body.ItemType))
		return
	}
	role, ok := principal.ParseRole(body.Role)
	if !ok {
		render(c, response.Forbidden(response.URNInvalidRole, titleInvalidRole, body.Role))
		return
	}

	grant, err := h.svc.Verify(c.Request.Context(), VerifyRequest{
		UserID:   body.UserID,
		ItemID:   body.ItemID,
		ItemType: itemType,
		Role:     role,
	})
	if err != nil {
		render(c, response.From(err))
		return
	}
	render(c, response.Success("verified", grant))
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

// render writes the structured envelope with its status hint.
func render(c *gin.Context, r *response.Response) {
	c.JSON(r.Status, r)
}
