package validations

import (
	"context"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/medlink-ai/wa-courier/domains/integration"
	pkgError "github.com/medlink-ai/wa-courier/pkg/error"
)

func ValidateCreateIntegration(ctx context.Context, request integration.CreateRequest) error {
	err := validation.ValidateStructWithContext(ctx, &request,
		validation.Field(&request.OrganizationID, validation.Required),
		validation.Field(&request.InstanceName, validation.Length(0, 64)),
	)

	if err != nil {
		return pkgError.ValidationError(err.Error())
	}

	return nil
}
