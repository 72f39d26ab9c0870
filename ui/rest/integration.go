package rest

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/medlink-ai/wa-courier/domains/integration"
	pkgError "github.com/medlink-ai/wa-courier/pkg/error"
	"github.com/medlink-ai/wa-courier/pkg/utils"
	"github.com/medlink-ai/wa-courier/validations"
)

type Integration struct {
	Service integration.IIntegrationUsecase
}

func InitRestIntegration(app fiber.Router, service integration.IIntegrationUsecase) Integration {
	rest := Integration{Service: service}

	group := app.Group("/integrations/evolution")
	group.Post("/create", rest.Create)
	group.Get("/", rest.List)
	group.Delete("/:instance", rest.Delete)

	return rest
}

func (h *Integration) Create(c *fiber.Ctx) error {
	var request integration.CreateRequest
	err := c.BodyParser(&request)
	utils.PanicIfNeeded(err)

	err = validations.ValidateCreateIntegration(c.UserContext(), request)
	utils.PanicIfNeeded(err)

	response, err := h.Service.Create(c.UserContext(), request)
	if errors.Is(err, integration.ErrAlreadyExists) {
		panic(pkgError.ConflictError(err.Error()))
	}
	utils.PanicIfNeeded(err)

	status := fiber.StatusCreated
	if response.Reused {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(utils.ResponseData{
		Status:  status,
		Code:    "SUCCESS",
		Message: "WhatsApp integration ready",
		Results: response,
	})
}

func (h *Integration) List(c *fiber.Ctx) error {
	records, err := h.Service.List(c.UserContext())
	utils.PanicIfNeeded(err)

	// Webhook tokens are credentials, they never leave through the list.
	for i := range records {
		records[i].WebhookToken = ""
	}

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Integrations retrieved",
		Results: records,
	})
}

func (h *Integration) Delete(c *fiber.Ctx) error {
	instance := c.Params("instance")

	steps, err := h.Service.Delete(c.UserContext(), instance)
	if errors.Is(err, integration.ErrNotFound) {
		panic(pkgError.NotFoundError("integration not found"))
	}
	if err != nil {
		// Partial teardown: report which steps ran so the caller can retry.
		return c.Status(fiber.StatusBadGateway).JSON(utils.ResponseData{
			Status:  502,
			Code:    "PARTIAL_DELETE",
			Message: err.Error(),
			Results: steps,
		})
	}

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Integration deleted",
		Results: steps,
	})
}
