package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"market-change-alerts/internal/market"
)

// S3Options locate the market data object.
type S3Options struct {
	Bucket          string
	Key             string
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
	Timeout         time.Duration
}

type objectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Market reads the market data document from an S3 object.
type S3Market struct {
	opts   S3Options
	client objectGetter
	logger zerolog.Logger
}

// NewS3Market loads AWS configuration and builds the S3 client.
func NewS3Market(ctx context.Context, opts S3Options, logger zerolog.Logger) (*S3Market, error) {
	if opts.Bucket == "" || opts.Key == "" {
		return nil, errors.New("market.s3 bucket and key are required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})

	return newS3Market(opts, client, logger), nil
}

func newS3Market(opts S3Options, client objectGetter, logger zerolog.Logger) *S3Market {
	return &S3Market{
		opts:   opts,
		client: client,
		logger: logger.With().Str("component", "market_s3").Logger(),
	}
}

// FetchMarket downloads and decodes the object.
func (m *S3Market) FetchMarket(ctx context.Context) (market.MarketSnapshot, error) {
	timeout := m.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.opts.Bucket),
		Key:    aws.String(m.opts.Key),
	})
	if err != nil {
		return market.MarketSnapshot{}, fmt.Errorf("get s3://%s/%s: %w", m.opts.Bucket, m.opts.Key, err)
	}
	defer out.Body.Close()

	return DecodeMarket(out.Body, m.logger)
}

var _ MarketSource = (*S3Market)(nil)
