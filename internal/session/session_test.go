package session

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w-gao/nodeforge/internal/config"
)

func applyOptions(t *testing.T, cfg config.AWSConfig) awsconfig.LoadOptions {
	t.Helper()
	var o awsconfig.LoadOptions
	for _, opt := range loadOptions(cfg) {
		require.NoError(t, opt(&o))
	}
	return o
}

func TestLoadOptions_StaticCredentials(t *testing.T) {
	o := applyOptions(t, config.AWSConfig{
		Region:          "us-west-2",
		Profile:         "ignored",
		AccessKeyID:     "AKIAEXAMPLE",
		SecretAccessKey: "secret",
		MaxAttempts:     7,
	})

	assert.Equal(t, "us-west-2", o.Region)
	assert.Empty(t, o.SharedConfigProfile)
	require.NotNil(t, o.Credentials)
	creds, err := o.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKIAEXAMPLE", creds.AccessKeyID)
	assert.Equal(t, "secret", creds.SecretAccessKey)

	require.NotNil(t, o.Retryer)
	assert.Equal(t, 7, o.Retryer().MaxAttempts())
}

func TestLoadOptions_Profile(t *testing.T) {
	o := applyOptions(t, config.AWSConfig{Profile: "ops"})

	assert.Equal(t, "ops", o.SharedConfigProfile)
	assert.Nil(t, o.Credentials)
	assert.Nil(t, o.Retryer)
	assert.Empty(t, o.Region)
}

func TestNewClients(t *testing.T) {
	c := NewClients(aws.Config{Region: "us-east-1"})

	assert.NotNil(t, c.EC2)
	assert.NotNil(t, c.AutoScaling)
	assert.NotNil(t, c.IAM)
	assert.NotNil(t, c.S3)
}
