// Package pinpoint implements an SMS provider on AWS Pinpoint.
package pinpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint/types"
	"github.com/knadh/twofagateway/internal/phone"
	"github.com/knadh/twofagateway/pkg/models"
)

const (
	providerID  = "pinpoint"
	channelName = "SMS"
	maxBodyLen  = 140
)

// sender is the subset of the Pinpoint client used by the provider.
type sender interface {
	SendMessages(ctx context.Context, in *pinpoint.SendMessagesInput, optFns ...func(*pinpoint.Options)) (*pinpoint.SendMessagesOutput, error)
}

// Pinpoint implements the AWS Pinpoint SMS provider.
type Pinpoint struct {
	cfg Config
	p   sender
}

// Config contains the Pinpoint provider configuration.
type Config struct {
	ApplicationID  string `json:"application_id" validate:"required"`
	AccessKey      string `json:"access_key" validate:"required"`
	SecretKey      string `json:"secret_key" validate:"required"`
	Region         string `json:"region" validate:"required"`
	SMSSenderID    string `json:"sms_sender_id"`
	SMSMessageType string `json:"sms_message_type" validate:"omitempty,oneof=TRANSACTIONAL PROMOTIONAL"`
	SMSEntityID    string `json:"sms_entity_id"`
	SMSTemplateID  string `json:"sms_template_id"`
}

// New returns an instance of the Pinpoint SMS provider.
func New(cfg Config) (*Pinpoint, error) {
	if cfg.ApplicationID == "" {
		return nil, errors.New("invalid application_id")
	}
	if cfg.Region == "" {
		return nil, errors.New("invalid region")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("invalid access_key or secret_key")
	}
	if cfg.SMSMessageType == "" {
		cfg.SMSMessageType = string(types.MessageTypeTransactional)
	}
	if cfg.SMSMessageType != string(types.MessageTypeTransactional) && cfg.SMSMessageType != string(types.MessageTypePromotional) {
		return nil, errors.New("invalid sms_message_type: must be TRANSACTIONAL or PROMOTIONAL")
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, err
	}

	return &Pinpoint{cfg: cfg, p: pinpoint.NewFromConfig(awsCfg)}, nil
}

// ID returns the Provider's ID.
func (p *Pinpoint) ID() string {
	return providerID
}

// Channel returns the channel the Provider delivers on.
func (p *Pinpoint) Channel() string {
	return models.ChannelSMS
}

// ChannelName returns the Provider's channel name.
func (p *Pinpoint) ChannelName() string {
	return channelName
}

// ValidateAddress validates a phone number.
func (p *Pinpoint) ValidateAddress(to string) error {
	_, err := phone.Validate(to)
	return err
}

// Push sends an SMS. Pinpoint reports per-address delivery status in the
// response which is checked as well.
func (p *Pinpoint) Push(ctx context.Context, to, subject string, body []byte) error {
	num := phone.Clean(to)

	out, err := p.p.SendMessages(ctx, &pinpoint.SendMessagesInput{
		ApplicationId: aws.String(p.cfg.ApplicationID),
		MessageRequest: &types.MessageRequest{
			Addresses: map[string]types.AddressConfiguration{
				num: {ChannelType: types.ChannelTypeSms},
			},
			MessageConfiguration: &types.DirectMessageConfiguration{
				SMSMessage: &types.SMSMessage{
					Body:        aws.String(string(body)),
					MessageType: types.MessageType(p.cfg.SMSMessageType),
					SenderId:    optString(p.cfg.SMSSenderID),
					EntityId:    optString(p.cfg.SMSEntityID),
					TemplateId:  optString(p.cfg.SMSTemplateID),
				},
			},
		},
	})
	if err != nil {
		return err
	}

	if out.MessageResponse != nil {
		if r, ok := out.MessageResponse.Result[num]; ok && r.DeliveryStatus != types.DeliveryStatusSuccessful {
			return fmt.Errorf("delivery failed: %s: %s", r.DeliveryStatus, aws.ToString(r.StatusMessage))
		}
	}

	return nil
}

// MaxBodyLen returns the max permitted body size.
func (p *Pinpoint) MaxBodyLen() int {
	return maxBodyLen
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}
