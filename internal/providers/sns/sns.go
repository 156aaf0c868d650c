// Package sns implements an SMS provider on AWS SNS direct publishing.
package sns

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/knadh/twofagateway/internal/phone"
	"github.com/knadh/twofagateway/pkg/models"
)

const (
	providerID  = "sns"
	channelName = "SMS"
	maxBodyLen  = 140

	attrSMSType  = "AWS.SNS.SMS.SMSType"
	attrSenderID = "AWS.SNS.SMS.SenderID"
)

type publisher interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Config contains the SNS provider configuration. If the keys are empty,
// the default AWS credential chain (env, shared config, instance role) is used.
type Config struct {
	Region    string `json:"region" validate:"required"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	SenderID  string `json:"sender_id"`
	SMSType   string `json:"sms_type" validate:"omitempty,oneof=Transactional Promotional"`
}

// SNS sends SMS messages via AWS SNS.
type SNS struct {
	cfg    Config
	client publisher
}

// New returns an SNS SMS provider.
func New(cfg Config) (*SNS, error) {
	if cfg.Region == "" {
		return nil, errors.New("invalid region")
	}
	if cfg.SMSType == "" {
		cfg.SMSType = "Transactional"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, err
	}

	return &SNS{cfg: cfg, client: sns.NewFromConfig(awsCfg)}, nil
}

// ID returns the Provider's ID.
func (s *SNS) ID() string {
	return providerID
}

// Channel returns the channel the Provider delivers on.
func (s *SNS) Channel() string {
	return models.ChannelSMS
}

// ChannelName returns the Provider's channel name.
func (s *SNS) ChannelName() string {
	return channelName
}

// ValidateAddress validates a phone number.
func (s *SNS) ValidateAddress(to string) error {
	_, err := phone.Validate(to)
	return err
}

// Push publishes an SMS to a phone number.
func (s *SNS) Push(ctx context.Context, to, subject string, body []byte) error {
	attrs := map[string]types.MessageAttributeValue{
		attrSMSType: {
			DataType:    aws.String("String"),
			StringValue: aws.String(s.cfg.SMSType),
		},
	}
	if s.cfg.SenderID != "" {
		attrs[attrSenderID] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(s.cfg.SenderID),
		}
	}

	_, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(phone.Clean(to)),
		Message:           aws.String(string(body)),
		MessageAttributes: attrs,
	})
	return err
}

// MaxBodyLen returns the max permitted body size.
func (s *SNS) MaxBodyLen() int {
	return maxBodyLen
}
