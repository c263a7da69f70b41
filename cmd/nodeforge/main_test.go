package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w-gao/nodeforge/internal/compute"
	"github.com/w-gao/nodeforge/internal/config"
	"github.com/w-gao/nodeforge/internal/fleet"
	"github.com/w-gao/nodeforge/internal/telemetry"
)

func TestHandleHealthz(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	handleHealthz(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
}

func TestNewMux(t *testing.T) {
	ctx := context.Background()
	tp, err := telemetry.NewProvider(ctx, config.Default().Telemetry)
	require.NoError(t, err)
	defer func() { _ = tp.Shutdown(ctx) }()

	srv := httptest.NewServer(newMux(&app{telemetry: tp}))
	defer srv.Close()

	for _, path := range []string{"/metrics", "/healthz"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "nodeforge.yaml")

	c, err := loadConfig(missing, false)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), c)

	_, err = loadConfig(missing, true)
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(missing, []byte("aws:\n  region: eu-west-1\n"), 0o600))
	c, err = loadConfig(missing, false)
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", c.AWS.Region)
}

func TestMergeTags(t *testing.T) {
	assert.Nil(t, mergeTags(nil, nil))
	assert.Equal(t,
		map[string]string{"owner": "ops", "cluster": "c2"},
		mergeTags(map[string]string{"owner": "ops", "cluster": "c1"}, map[string]string{"cluster": "c2"}))
}

func TestLaunchSpec(t *testing.T) {
	c := config.Default()
	c.Launch.ImageID = "ami-config"
	c.Launch.InstanceType = "m5.large"
	c.Launch.Tags = map[string]string{"owner": "ops"}
	a := &app{cfg: c}

	spec, tags, err := a.launchSpec(&launchFlags{
		instanceType:   "c5.xlarge",
		zone:           "us-west-2a",
		securityGroups: []string{"sg-1"},
		tags:           map[string]string{"job": "j1"},
	})

	require.NoError(t, err)
	assert.Equal(t, "ami-config", spec.ImageID)
	assert.Equal(t, "c5.xlarge", spec.InstanceType)
	assert.Equal(t, "us-west-2a", spec.AvailabilityZone)
	assert.Equal(t, []string{"sg-1"}, spec.SecurityGroupIDs)
	assert.Equal(t, map[string]string{"owner": "ops", "job": "j1"}, tags)
}

func TestGroupPolicyInput(t *testing.T) {
	in := groupPolicyInput(fleet.Group{Name: "g", MaxSize: 4, SubnetIDs: []string{"subnet-1"}})
	assert.Equal(t, compute.MarketOnDemand, in.Market)
	assert.Equal(t, int32(4), in.Count)
	assert.Zero(t, in.SpotPrice)

	in = groupPolicyInput(fleet.Group{Name: "g", SpotBid: 0.3})
	assert.Equal(t, compute.MarketSpot, in.Market)
	assert.Equal(t, 0.3, in.SpotPrice)
}

func TestRegionCommand(t *testing.T) {
	t.Chdir(t.TempDir())

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"region", "us-west-2c"})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "us-west-2\n", out.String())

	rootCmd.SetArgs([]string{"region", "us-west-2"})
	err := rootCmd.Execute()
	assert.ErrorIs(t, err, compute.ErrInvalidZone)
}
