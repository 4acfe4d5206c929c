package aws_s3

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/IliaW/css-inline-worker/config"
	"github.com/IliaW/css-inline-worker/internal/cache"
	"github.com/IliaW/css-inline-worker/internal/model"
	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	crd "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type BucketClient interface {
	WriteOutput(*model.Extraction) string
}

type S3BucketClient struct {
	client *s3.Client
	cfg    *config.S3Config
	log    *slog.Logger
}

func NewS3BucketClient(cfg *config.S3Config, log *slog.Logger) *S3BucketClient {
	log.Info("connecting to s3...")
	ctx := context.Background()

	s3Config, err := awsCfg.LoadDefaultConfig(ctx,
		awsCfg.WithCredentialsProvider(crd.NewStaticCredentialsProvider(cfg.AwsAccessKey, cfg.AwsSecretKey, "")),
		awsCfg.WithRegion(cfg.Region),
		awsCfg.WithBaseEndpoint(cfg.AwsBaseEndpoint))
	if err != nil {
		log.Error("failed to load s3 config.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	// LocalStack does not support `virtual host addressing style` that uses s3 by default.
	// For test purposes use configuration with disabled 'virtual hosted bucket addressing'.
	var s3client *s3.Client
	if cfg.AwsAccessKey == "test" {
		log.Warn("test configuration for s3")
		s3client = s3.NewFromConfig(s3Config, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	} else {
		s3client = s3.NewFromConfig(s3Config)
	}
	log.Info("connected to s3")

	return &S3BucketClient{
		client: s3client,
		cfg:    cfg,
		log:    log,
	}
}

// ObjectKey is the key the rendered document of url is stored under.
func ObjectKey(prefix, url string, cssOnly bool) string {
	name := "inlined.html"
	if cssOnly {
		name = "extracted.css"
	}
	return fmt.Sprintf("%s/%s/%s", prefix, cache.HashURL(url), name)
}

// WriteOutput stores the run output and returns its public link. An empty link means the write failed.
func (bc *S3BucketClient) WriteOutput(extraction *model.Extraction) string {
	s3Key := ObjectKey(bc.cfg.KeyPrefix, extraction.URL, extraction.CSSOnly)
	contentType := "text/html; charset=utf-8"
	if extraction.CSSOnly {
		contentType = "text/css; charset=utf-8"
	}

	_, err := bc.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket:      &bc.cfg.BucketName,
		Key:         &s3Key,
		Body:        bytes.NewReader([]byte(extraction.Output)),
		ContentType: &contentType,
	})
	if err != nil {
		bc.log.Error("failed to save output to s3.", slog.String("err", err.Error()))
		return ""
	}
	bc.log.Debug("output saved to s3.")

	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bc.cfg.BucketName, bc.cfg.Region, s3Key)
}
