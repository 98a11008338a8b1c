package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/rendis/keymat/pkg/schema"
)

// SecretsManagerAPI is the part of the Secrets Manager client AWSStore uses.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSConfig configures AWS authentication for the Secrets Manager backend.
// With RoleARN set the role is assumed; with static keys set they are used;
// otherwise the default credential chain applies.
type AWSConfig struct {
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	RoleARN         string `yaml:"role_arn"`
	RoleRegion      string `yaml:"role_region"`
	RoleExternalID  string `yaml:"role_external_id"`
	RoleSessionName string `yaml:"role_session_name"`
	// Endpoint overrides the service endpoint (LocalStack, VPC endpoints).
	Endpoint string `yaml:"endpoint"`
}

// ClientFactory builds a Secrets Manager client for a region.
type ClientFactory func(ctx context.Context, region string) (SecretsManagerAPI, error)

// AWSStore reads secrets from AWS Secrets Manager. SecretRef.Location is
// the region. One client is built per region and reused; secret values are
// never cached.
type AWSStore struct {
	newClient ClientFactory

	mu      sync.Mutex
	clients map[string]SecretsManagerAPI
}

// NewAWSStore creates an AWSStore authenticating as cfg describes.
func NewAWSStore(cfg AWSConfig) *AWSStore {
	return NewAWSStoreWithFactory(func(ctx context.Context, region string) (SecretsManagerAPI, error) {
		awsCfg, err := LoadAWSConfig(ctx, cfg, region)
		if err != nil {
			return nil, err
		}
		return secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		}), nil
	})
}

// NewAWSStoreWithFactory creates an AWSStore that builds clients with f.
func NewAWSStoreWithFactory(f ClientFactory) *AWSStore {
	return &AWSStore{
		newClient: f,
		clients:   make(map[string]SecretsManagerAPI),
	}
}

func (s *AWSStore) client(ctx context.Context, region string) (SecretsManagerAPI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[region]; ok {
		return c, nil
	}
	c, err := s.newClient(ctx, region)
	if err != nil {
		return nil, err
	}
	s.clients[region] = c
	return c, nil
}

// GetSecret issues a single GetSecretValue call. SecretString comes back as
// text; SecretBinary comes back as a binary payload whose bytes are the
// base64 transport encoding written by the secret's producer.
func (s *AWSStore) GetSecret(ctx context.Context, ref schema.SecretRef) (*Payload, error) {
	c, err := s.client(ctx, ref.Location)
	if err != nil {
		return nil, schema.SecretUnavailable(ref, err, "build secrets manager client")
	}

	in := &secretsmanager.GetSecretValueInput{SecretId: aws.String(ref.Name)}
	if ref.Version != "" {
		if _, err := uuid.Parse(ref.Version); err == nil {
			in.VersionId = aws.String(ref.Version)
		} else {
			in.VersionStage = aws.String(ref.Version)
		}
	}

	out, err := c.GetSecretValue(ctx, in)
	if err != nil {
		e := schema.SecretUnavailable(ref, err, "get secret value")
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			e.WithDetails(map[string]any{"aws_error_code": apiErr.ErrorCode()})
		}
		return nil, e
	}

	switch {
	case out.SecretString != nil:
		return TextPayload(*out.SecretString), nil
	case out.SecretBinary != nil:
		return EncodedBinaryPayload(out.SecretBinary), nil
	default:
		return nil, schema.SecretUnavailable(ref, nil, "secret version has neither string nor binary value")
	}
}

// LoadAWSConfig builds an aws.Config for region. SDK retries are disabled:
// a lookup is a single attempt that fails fast.
func LoadAWSConfig(ctx context.Context, c AWSConfig, region string) (aws.Config, error) {
	noRetry := config.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} })

	if c.RoleARN != "" {
		return loadAWSConfigWithAssumeRole(ctx, c, region, noRetry)
	}
	if c.AccessKeyID != "" && c.SecretAccessKey != "" {
		cfg, err := config.LoadDefaultConfig(ctx,
			config.WithRegion(region),
			config.WithCredentialsProvider(staticCredentials(c)),
			noRetry,
		)
		if err != nil {
			return aws.Config{}, fmt.Errorf("load AWS config with static credentials: %w", err)
		}
		return cfg, nil
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region), noRetry)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load default AWS config: %w", err)
	}
	return cfg, nil
}

func staticCredentials(c AWSConfig) aws.CredentialsProvider {
	return credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, c.SessionToken)
}

func loadAWSConfigWithAssumeRole(ctx context.Context, c AWSConfig, region string, noRetry config.LoadOptionsFunc) (aws.Config, error) {
	roleRegion := c.RoleRegion
	if roleRegion == "" {
		roleRegion = region
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(roleRegion)}
	if c.AccessKeyID != "" && c.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(staticCredentials(c)))
	}
	baseCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load base AWS config for role assumption: %w", err)
	}

	sessionName := c.RoleSessionName
	if sessionName == "" {
		sessionName = "keymat"
	}
	provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(baseCfg), c.RoleARN, func(o *stscreds.AssumeRoleOptions) {
		if c.RoleExternalID != "" {
			o.ExternalID = aws.String(c.RoleExternalID)
		}
		o.RoleSessionName = sessionName
	})

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.NewCredentialsCache(provider)),
		noRetry,
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config with assumed role: %w", err)
	}
	return cfg, nil
}

var _ Store = (*AWSStore)(nil)
