package cfg

import (
	"context"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

// SSMPrefix marks a value that names an SSM parameter instead of holding
// the value itself.
const SSMPrefix = "ssm:"

// SSMAPI is the subset of the SSM client used to resolve parameters.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// NeedsSSM reports whether any indirectable field references SSM.
func (c *App) NeedsSSM() bool {
	for _, f := range c.indirect() {
		if strings.HasPrefix(*f.val, SSMPrefix) {
			return true
		}
	}
	return false
}

type indirectField struct {
	name string
	val  *string
}

func (c *App) indirect() []indirectField {
	return []indirectField{
		{"bucket-name", &c.BucketName},
		{"distribution-id", &c.DistributionID},
		{"topic-arn", &c.TopicARN},
		{"github-token", &c.GitHubToken},
		{"webhook-secret", &c.WebhookSecret},
		{"sync-token", &c.SyncToken},
		{"minio-secret-key", &c.MinioSecretKey},
	}
}

// ResolveSSM replaces every "ssm:<name>" value with the decrypted parameter.
func ResolveSSM(ctx context.Context, api SSMAPI, c *App) error {
	for _, f := range c.indirect() {
		name, ok := strings.CutPrefix(*f.val, SSMPrefix)
		if !ok {
			continue
		}
		if name == "" {
			return xerrors.Newf("%s: empty ssm parameter name", f.name)
		}
		out, err := api.GetParameter(ctx, &ssm.GetParameterInput{
			Name:           aws.String(name),
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return xerrors.Wrapf(err, "%s: get ssm parameter %s", f.name, name)
		}
		if out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
			return xerrors.Newf("%s: ssm parameter %s has no value", f.name, name)
		}
		*f.val = strings.TrimSpace(aws.ToString(out.Parameter.Value))
	}
	return nil
}

// LoadEnvFile loads KEY=value pairs from path into the process environment.
// Variables already set are not overridden. A missing file is an error only
// when it was asked for explicitly.
func LoadEnvFile(path string, required bool) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return xerrors.Wrapf(err, "env file %s", path)
	}
	if err := godotenv.Load(path); err != nil {
		return xerrors.Wrapf(err, "load env file %s", path)
	}
	return nil
}
