package infrastructure

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/pkg/errors"
)

// AWSConfig holds the settings needed to build SNS/SQS clients. Endpoints are
// only set when targeting LocalStack or another emulator.
type AWSConfig struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	EndpointSNS     string
	EndpointSQS     string
}

func loadConfig(ctx context.Context, cfg AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}

	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, errors.Wrap(err, "failed to load AWS config")
	}

	return awsCfg, nil
}

// NewSNSClient creates an SNS client from config
func NewSNSClient(ctx context.Context, cfg AWSConfig) (*sns.Client, error) {
	awsCfg, err := loadConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.EndpointSNS != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointSNS)
		}
	}), nil
}

// NewSQSClient creates an SQS client from config
func NewSQSClient(ctx context.Context, cfg AWSConfig) (*sqs.Client, error) {
	awsCfg, err := loadConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.EndpointSQS != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointSQS)
		}
	}), nil
}
