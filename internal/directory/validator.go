package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/messaging"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/pkg/id"
)

// Validator returns the validation verdict for a provider.
type Validator interface {
	Validate(ctx context.Context, p domain.ProviderSnapshot, timeout time.Duration) (approved bool, declinedReason string, err error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, p domain.ProviderSnapshot, timeout time.Duration) (bool, string, error)

func (f ValidatorFunc) Validate(ctx context.Context, p domain.ProviderSnapshot, timeout time.Duration) (bool, string, error) {
	return f(ctx, p, timeout)
}

// ChannelValidator asks the validation service over the message channel and
// awaits the verdict.
type ChannelValidator struct {
	requester *messaging.Requester
}

// NewChannelValidator creates a validator on top of a requester listening on
// messaging.SubjectValidateReply.
func NewChannelValidator(r *messaging.Requester) *ChannelValidator {
	return &ChannelValidator{requester: r}
}

// Validate sends a ValidateProviderRequest. No reply within timeout means
// not approved.
func (v *ChannelValidator) Validate(ctx context.Context, p domain.ProviderSnapshot, timeout time.Duration) (bool, string, error) {
	corr := id.Generate()
	reply, err := v.requester.Request(ctx, messaging.SubjectValidate, messaging.KindValidateProvider, corr,
		messaging.ValidateProviderRequest{CorrelationID: corr, Provider: p}, timeout)
	if errors.Is(err, messaging.ErrRequestTimeout) {
		return false, fmt.Sprintf("validation timed out after %s", timeout), nil
	}
	if err != nil {
		return false, "", err
	}
	resp, err := messaging.Decode[messaging.ValidateProviderResponse](reply, messaging.KindProviderValidated)
	if err != nil {
		return false, "", err
	}
	if resp.ProviderID != "" && resp.ProviderID != p.ID {
		return false, "", fmt.Errorf("%w: verdict for %s answered request for %s", domain.ErrInvalidArgument, resp.ProviderID, p.ID)
	}
	return resp.Approved, resp.DeclinedReason, nil
}
