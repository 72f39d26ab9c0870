package rest

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	domainDelivery "github.com/medlink-ai/wa-courier/domains/delivery"
	"github.com/medlink-ai/wa-courier/pkg/utils"
	"github.com/medlink-ai/wa-courier/validations"
)

// MessageProducer is the enqueue gate the handler writes through.
type MessageProducer interface {
	Enqueue(ctx context.Context, msg *domainDelivery.OutboundMessage) (entryID string, duplicate bool, err error)
}

type Message struct {
	Producer MessageProducer
}

func InitRestMessage(app fiber.Router, producer MessageProducer) Message {
	rest := Message{Producer: producer}
	app.Post("/messages/send", rest.Send)
	return rest
}

// Send accepts an outbound message and answers 202 once it is durably
// queued. Delivery happens asynchronously; a repeated message_id is answered
// 200 with the duplicate flag instead of queueing twice.
func (h *Message) Send(c *fiber.Ctx) error {
	var request domainDelivery.SendRequest
	err := c.BodyParser(&request)
	utils.PanicIfNeeded(err)

	err = validations.ValidateSendMessage(c.UserContext(), request)
	utils.PanicIfNeeded(err)

	if request.MessageID == "" {
		request.MessageID = uuid.New().String()
	}

	msg := domainDelivery.NewOutboundMessage(request.MessageID, request.Instance, request.To, request.Text, request.Metadata)
	entryID, duplicate, err := h.Producer.Enqueue(c.UserContext(), msg)
	utils.PanicIfNeeded(err)

	status := fiber.StatusAccepted
	message := "Message queued for delivery"
	if duplicate {
		status = fiber.StatusOK
		message = "Message already queued"
	}
	return c.Status(status).JSON(utils.ResponseData{
		Status:  status,
		Code:    "SUCCESS",
		Message: message,
		Results: domainDelivery.SendResponse{
			MessageID: request.MessageID,
			EntryID:   entryID,
			Duplicate: duplicate,
		},
	})
}
