package twilio

import (
	"context"
	"errors"
	"fmt"

	"github.com/DifinityDigital/ElevenLabs-Calling/internal/domain"
	"github.com/DifinityDigital/ElevenLabs-Calling/pkg/logger"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

const providerName = "twilio"

// Status callback events requested for every outbound call
var defaultStatusCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

// CallRequest describes an outbound call to place
type CallRequest struct {
	To             string
	URL            string
	StatusCallback string
}

// CallCreator places outbound calls
type CallCreator interface {
	CreateCall(ctx context.Context, req CallRequest) (string, error)
}

// CallClient places outbound calls through the Twilio REST API
type CallClient struct {
	from       string
	createCall func(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// NewCallClient creates a Twilio call client dialing from the given number
func NewCallClient(accountSID, authToken, from string) *CallClient {
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &CallClient{
		from:       from,
		createCall: rest.Api.CreateCall,
	}
}

// CreateCall places the call and returns the SID Twilio assigned to it.
// Twilio failures are returned as *domain.ProviderError.
func (c *CallClient) CreateCall(ctx context.Context, req CallRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &domain.ProviderError{Provider: providerName, Err: err}
	}

	params := &api.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(c.from)
	params.SetUrl(req.URL)
	if req.StatusCallback != "" {
		params.SetStatusCallback(req.StatusCallback)
		params.SetStatusCallbackEvent(defaultStatusCallbackEvents)
		params.SetStatusCallbackMethod("POST")
	}

	resp, err := c.createCall(params)
	if err != nil {
		logger.Base().Error("Failed to create Twilio call", zap.String("to", req.To), zap.Error(err))
		return "", toProviderError(err)
	}
	if resp == nil || resp.Sid == nil || *resp.Sid == "" {
		return "", &domain.ProviderError{Provider: providerName, Err: errors.New("response carried no call sid")}
	}

	logger.Base().Info("Twilio call created", zap.String("call_sid", *resp.Sid), zap.String("to", req.To))
	return *resp.Sid, nil
}

func toProviderError(err error) error {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		return &domain.ProviderError{
			Provider: providerName,
			Code:     restErr.Code,
			Status:   restErr.Status,
			Err:      fmt.Errorf("%s", restErr.Message),
		}
	}
	return &domain.ProviderError{Provider: providerName, Err: err}
}

// SignatureValidator checks the X-Twilio-Signature header of webhook requests
type SignatureValidator struct {
	validator twilioclient.RequestValidator
}

// NewSignatureValidator creates a validator for requests signed with authToken
func NewSignatureValidator(authToken string) *SignatureValidator {
	return &SignatureValidator{validator: twilioclient.NewRequestValidator(authToken)}
}

// Validate reports whether signature matches the full request URL and its form parameters
func (v *SignatureValidator) Validate(url string, params map[string]string, signature string) bool {
	if signature == "" {
		return false
	}
	return v.validator.Validate(url, params, signature)
}
