package mail

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	sestypes "github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// SESConfig configures the SES-backed notifier.
type SESConfig struct {
	Region string

	// Source is the verified sender address.
	Source string
}

// SESNotifier delivers mail through Amazon SES.
type SESNotifier struct {
	client *ses.Client
	source string
}

var _ Notifier = (*SESNotifier)(nil)

// NewSES creates an SES-backed notifier using the default credential chain.
func NewSES(ctx context.Context, cfg SESConfig) (*SESNotifier, error) {
	if cfg.Source == "" {
		return nil, errors.New("mail source address is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SESNotifier{
		client: ses.NewFromConfig(awsCfg),
		source: cfg.Source,
	}, nil
}

func (n *SESNotifier) Send(ctx context.Context, msg Message) error {
	destination := &sestypes.Destination{
		ToAddresses: []string{msg.To},
	}
	if msg.CC != "" {
		destination.CcAddresses = []string{msg.CC}
	}

	_, err := n.client.SendEmail(ctx, &ses.SendEmailInput{
		Source:      aws.String(n.source),
		Destination: destination,
		Message: &sestypes.Message{
			Subject: &sestypes.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &sestypes.Body{
				Text: &sestypes.Content{
					Data:    aws.String(msg.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send to %s: %w", msg.To, err)
	}
	return nil
}
