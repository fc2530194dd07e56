package cfg

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

type fakeSSM struct {
	params map[string]string
	names  []string
	err    error
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	name := aws.ToString(in.Name)
	f.names = append(f.names, name)
	if f.err != nil {
		return nil, f.err
	}
	if !aws.ToBool(in.WithDecryption) {
		return nil, errors.New("decryption not requested")
	}
	v, ok := f.params[name]
	if !ok {
		return nil, &types.ParameterNotFound{}
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: in.Name, Value: aws.String(v)}}, nil
}

func TestResolveSSM(t *testing.T) {
	api := &fakeSSM{params: map[string]string{
		"/sitesync/bucket": "site-bucket\n",
		"/sitesync/token":  "ghp_secret",
	}}
	c := App{
		BucketName:     "ssm:/sitesync/bucket",
		GitHubToken:    "ssm:/sitesync/token",
		DistributionID: "E2EXAMPLE",
	}
	if !c.NeedsSSM() {
		t.Fatal("NeedsSSM() = false")
	}
	if err := ResolveSSM(t.Context(), api, &c); err != nil {
		t.Fatalf("ResolveSSM: %v", err)
	}
	if c.BucketName != "site-bucket" || c.GitHubToken != "ghp_secret" {
		t.Fatalf("resolved bucket=%q token=%q", c.BucketName, c.GitHubToken)
	}
	if c.DistributionID != "E2EXAMPLE" {
		t.Fatal("plain values must be left alone")
	}
	if len(api.names) != 2 {
		t.Fatalf("GetParameter calls = %v", api.names)
	}
	if c.NeedsSSM() {
		t.Fatal("NeedsSSM() after resolve should be false")
	}
}

func TestResolveSSM_Errors(t *testing.T) {
	tests := []struct {
		name string
		app  App
		api  *fakeSSM
		want string
	}{
		{"missing parameter", App{TopicARN: "ssm:/nope"}, &fakeSSM{}, "topic-arn"},
		{"empty name", App{BucketName: "ssm:"}, &fakeSSM{}, "empty ssm parameter name"},
		{"api failure", App{WebhookSecret: "ssm:/hook"}, &fakeSSM{err: errors.New("throttled")}, "webhook-secret"},
		{"empty value", App{MinioSecretKey: "ssm:/k"}, &fakeSSM{params: map[string]string{"/k": ""}}, "has no value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := tt.app
			wantErrContains(t, ResolveSSM(t.Context(), tt.api, &app), tt.want)
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "SITESYNC_TEST_BUCKET=from-file\nSITESYNC_TEST_KEEP=from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SITESYNC_TEST_KEEP", "from-env")
	// registered so t.Setenv restores it after godotenv sets it
	t.Setenv("SITESYNC_TEST_BUCKET", "")
	os.Unsetenv("SITESYNC_TEST_BUCKET")

	if err := LoadEnvFile(path, true); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	if got := os.Getenv("SITESYNC_TEST_BUCKET"); got != "from-file" {
		t.Fatalf("SITESYNC_TEST_BUCKET = %q", got)
	}
	if got := os.Getenv("SITESYNC_TEST_KEEP"); got != "from-env" {
		t.Fatalf("existing env must win, got %q", got)
	}
}

func TestLoadEnvFile_Missing(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.env")
	if err := LoadEnvFile(missing, false); err != nil {
		t.Fatalf("optional missing file: %v", err)
	}
	if err := LoadEnvFile(missing, true); err == nil {
		t.Fatal("required missing file should fail")
	}
	if err := LoadEnvFile("", true); err != nil {
		t.Fatalf("empty path: %v", err)
	}
}
