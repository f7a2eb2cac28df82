package handlers

import (
	"errors"
	"strings"

	"media-pipeline/internal/auth"
	service "media-pipeline/internal/services"
	utils "media-pipeline/internal/utils"

	"github.com/gofiber/fiber/v2"
)

type Handler struct {
	verifier *auth.JWTVerifier
	svc      *service.VariantService
}

func NewHandler(v *auth.JWTVerifier, svc *service.VariantService) *Handler {
	return &Handler{verifier: v, svc: svc}
}

// authorize writes the 401 response itself and reports whether the request
// may proceed.
func (h *Handler) authorize(c *fiber.Ctx) bool {
	token := c.Get("Authorization")
	if token == "" {
		_ = utils.JSONError(c, fiber.StatusUnauthorized, "missing auth")
		return false
	}
	token = strings.TrimPrefix(token, "Bearer ")
	if _, err := h.verifier.VerifyToken(token); err != nil {
		_ = utils.JSONError(c, fiber.StatusUnauthorized, "invalid token")
		return false
	}
	return true
}

// POST /assets/:id/variants — run the full generation pipeline for one asset.
func (h *Handler) GenerateVariants(c *fiber.Ctx) error {
	if !h.authorize(c) {
		return nil
	}
	id := c.Params("id")
	if err := h.svc.GenerateVariants(c.UserContext(), id); err != nil {
		return serviceError(c, err)
	}
	return utils.JSONSuccess(c, fiber.StatusAccepted, fiber.Map{"asset": id})
}

// POST /assets/:id/variants/:type — regenerate one missing variant.
func (h *Handler) EnsureVariant(c *fiber.Ctx) error {
	if !h.authorize(c) {
		return nil
	}
	id := c.Params("id")
	variantType := c.Params("type")
	if err := h.svc.EnsureVariant(c.UserContext(), id, variantType); err != nil {
		return serviceError(c, err)
	}
	return utils.JSONSuccess(c, fiber.StatusAccepted, fiber.Map{"asset": id, "type": variantType})
}

// GET /assets/:id/variants
func (h *Handler) GetVariants(c *fiber.Ctx) error {
	if !h.authorize(c) {
		return nil
	}
	id := c.Params("id")
	variants, err := h.svc.GetVariants(c.UserContext(), id)
	if err != nil {
		return serviceError(c, err)
	}
	return utils.JSONSuccess(c, fiber.StatusOK, variants)
}

func serviceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, utils.ErrAssetNotFound):
		return utils.JSONError(c, fiber.StatusNotFound, "asset not found")
	case errors.Is(err, utils.ErrTranscodeFailed):
		return utils.JSONError(c, fiber.StatusBadGateway, err.Error())
	case errors.Is(err, utils.ErrVersionConflict):
		return utils.JSONError(c, fiber.StatusConflict, err.Error())
	default:
		return utils.JSONError(c, fiber.StatusInternalServerError, err.Error())
	}
}
