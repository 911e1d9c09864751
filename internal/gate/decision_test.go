package gate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelOf(t *testing.T) {
	assert.Equal(t, RiskLow, LevelOf(0))
	assert.Equal(t, RiskLow, LevelOf(0.29))
	assert.Equal(t, RiskMedium, LevelOf(0.3))
	assert.Equal(t, RiskHigh, LevelOf(0.7))
	assert.Equal(t, RiskHigh, LevelOf(1))
}

func TestPublic_HidesDiagnostics(t *testing.T) {
	d := Decision{
		ReasonCode:  ReasonFingerprintSuspicious,
		RiskLevel:   RiskHigh,
		Diagnostics: Diagnostics{FingerprintRisk: 0.93, FingerprintReasons: []string{"WebDriver detected"}},
	}
	data, err := json.Marshal(d.Public())
	require.NoError(t, err)
	assert.JSONEq(t, `{"allowed": false, "reasonCode": "FINGERPRINT_SUSPICIOUS", "riskLevel": "high"}`, string(data))
}

func TestPublic_RetryAfterRoundsUp(t *testing.T) {
	d := Decision{ReasonCode: ReasonCooldownActive, RetryAfter: 2100 * time.Millisecond, RiskLevel: RiskLow}
	p := d.Public()
	assert.Equal(t, 3, p.RetryAfterSeconds)
	assert.Empty(t, p.RiskLevel, "risk is only shown for risk rejections")
}

func TestPublic_MasksHoneypot(t *testing.T) {
	d := Decision{ReasonCode: ReasonHoneypot, RiskLevel: RiskHigh, BlockedReasons: []string{"website"}}
	data, err := json.Marshal(d.Public())
	require.NoError(t, err)
	assert.JSONEq(t, `{"allowed": false, "reasonCode": "REJECTED"}`, string(data))
}

func TestPublic_Allowed(t *testing.T) {
	d := Decision{Allowed: true, ReasonCode: ReasonAllowed, RiskLevel: RiskLow}
	data, err := json.Marshal(d.Public())
	require.NoError(t, err)
	assert.JSONEq(t, `{"allowed": true, "reasonCode": "ALLOWED"}`, string(data))
}
