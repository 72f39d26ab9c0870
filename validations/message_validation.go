package validations

import (
	"context"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	domainDelivery "github.com/medlink-ai/wa-courier/domains/delivery"
	pkgError "github.com/medlink-ai/wa-courier/pkg/error"
)

func ValidateSendMessage(ctx context.Context, request domainDelivery.SendRequest) error {
	err := validation.ValidateStructWithContext(ctx, &request,
		validation.Field(&request.Instance, validation.Required),
		validation.Field(&request.To, validation.Required),
		validation.Field(&request.Text, validation.Required, validation.Length(1, 4096)),
	)

	if err != nil {
		return pkgError.ValidationError(err.Error())
	}

	return nil
}
