package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/ledgerchat/entitlements/internal/entitlements"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func setOperatorEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("ENTITLEMENTS_SERVICE_KEY", "test-key")
	t.Setenv("ENTITLEMENTS_TIMEZONE", "UTC")
	t.Setenv("ENTITLEMENTS_DATA_DIR", dir)
	return dir
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuildTime, oldGitCommit := Version, BuildTime, GitCommit
	defer func() {
		Version, BuildTime, GitCommit = oldVersion, oldBuildTime, oldGitCommit
	}()

	Version = "1.2.3"
	BuildTime = "2024-05-01"
	GitCommit = "abcdef"
	out, err := runCmd(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "entitlementd 1.2.3")
	assert.Contains(t, out, "Built: 2024-05-01")
	assert.Contains(t, out, "Commit: abcdef")

	BuildTime = "unknown"
	GitCommit = "unknown"
	out, err = runCmd(t, "version")
	require.NoError(t, err)
	assert.NotContains(t, out, "Built:")
	assert.NotContains(t, out, "Commit:")
}

func TestSubscribeThenStatus(t *testing.T) {
	setOperatorEnv(t)

	out, err := runCmd(t, "subscribe", "user-1", "gold_tier", "--payment-id", "pay_1", "--amount", "999", "--currency", "usd")
	require.NoError(t, err)
	var rec entitlements.SubscriptionRecord
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, entitlements.PlanGold, rec.PlanID)
	assert.Equal(t, "pay_1", rec.PaymentID)
	assert.Equal(t, int64(999), rec.Amount)
	require.NotNil(t, rec.EndDate)

	out, err = runCmd(t, "status", "--user", "user-1")
	require.NoError(t, err)
	var ent entitlements.Entitlement
	require.NoError(t, json.Unmarshal([]byte(out), &ent))
	assert.Equal(t, entitlements.PlanGold, ent.Plan)
	assert.True(t, ent.HasActiveSubscription)

	out, err = runCmd(t, "status")
	require.NoError(t, err)
	var counts struct {
		ByPlan map[entitlements.PlanID]int `json:"subscriptions_by_plan"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &counts))
	assert.Equal(t, 1, counts.ByPlan[entitlements.PlanGold])
}

func TestSubscribeRejectsUnknownPlan(t *testing.T) {
	setOperatorEnv(t)
	_, err := runCmd(t, "subscribe", "user-1", "platinum")
	require.Error(t, err)
	assert.ErrorIs(t, err, entitlements.ErrInvalidPlan)
}

func TestUsageCmdForNewUser(t *testing.T) {
	setOperatorEnv(t)

	out, err := runCmd(t, "usage", "user-9", "--events", "5")
	require.NoError(t, err)
	var resp struct {
		Summary entitlements.UsageSummary `json:"summary"`
		Events  []entitlements.UsageEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, entitlements.PlanFree, resp.Summary.Plan)
	assert.Equal(t, int64(0), resp.Summary.CurrentUsage)
	assert.Equal(t, int64(5000), resp.Summary.Limit)
	assert.Empty(t, resp.Events)
}

func TestSweepCmd(t *testing.T) {
	setOperatorEnv(t)
	out, err := runCmd(t, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "Downgraded 0 lapsed subscription(s)")
}

func TestDataDirFlagOverridesEnv(t *testing.T) {
	setOperatorEnv(t)
	other := t.TempDir()

	_, err := runCmd(t, "--data-dir", other, "subscribe", "user-1", "diamond_tier")
	require.NoError(t, err)

	out, err := runCmd(t, "status")
	require.NoError(t, err)
	assert.NotContains(t, out, "diamond_tier")

	out, err = runCmd(t, "--data-dir", other, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "diamond_tier")
}

func TestOperatorCommandsNeedConfig(t *testing.T) {
	t.Setenv("ENTITLEMENTS_SERVICE_KEY", "")
	t.Setenv("ENTITLEMENTS_DATA_DIR", t.TempDir())
	_, err := runCmd(t, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENTITLEMENTS_SERVICE_KEY")
}
