package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// HeaderTenantID carries the calling tenant. Authentication happens upstream.
const HeaderTenantID = "X-Tenant-ID"

const tenantLocal = "tenant_id"

func tenantScope(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Get(HeaderTenantID))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "missing or invalid "+HeaderTenantID+" header")
	}
	ctx.Locals(tenantLocal, id)
	return ctx.Next()
}

func tenantID(ctx *fiber.Ctx) uuid.UUID {
	id, _ := ctx.Locals(tenantLocal).(uuid.UUID)
	return id
}

func pathUUID(ctx *fiber.Ctx, name, label string) (uuid.UUID, error) {
	id, err := uuid.Parse(ctx.Params(name))
	if err != nil {
		return uuid.Nil, fiber.NewError(http.StatusBadRequest, "invalid "+label+" id")
	}
	return id, nil
}
