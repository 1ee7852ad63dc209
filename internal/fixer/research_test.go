package fixer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDiagnosis(t *testing.T) {
	raw := `DIAGNOSIS: unit crashes because its config references a removed socket
CONFIDENCE: 85%
FIX_1: restart_service | bounce the unit | systemctl restart api
FIX_2: update_config | point the socket path at /run/api.sock | sed -i ...
`
	d := ParseDiagnosis(raw)
	assert.Equal(t, "unit crashes because its config references a removed socket", d.Diagnosis)
	assert.InDelta(t, 0.85, d.Confidence, 0.001)
	require.Len(t, d.SuggestedFixes, 2)
	assert.Equal(t, "restart_service", d.SuggestedFixes[0].Strategy)
	assert.Equal(t, "bounce the unit", d.SuggestedFixes[0].Description)
	assert.Equal(t, "systemctl restart api", d.SuggestedFixes[0].Commands)
	assert.Equal(t, 1, d.SuggestedFixes[0].Priority)
	assert.Equal(t, 2, d.SuggestedFixes[1].Priority)
}

func TestParseDiagnosisUnparseableFallsBack(t *testing.T) {
	d := ParseDiagnosis("I am not sure what is wrong here.")
	assert.Equal(t, "I am not sure what is wrong here.", d.Diagnosis)
	assert.InDelta(t, 0.3, d.Confidence, 0.001)
	assert.Empty(t, d.SuggestedFixes)
}

func TestParseDiagnosisClampsConfidence(t *testing.T) {
	d := ParseDiagnosis("DIAGNOSIS: fine\nCONFIDENCE: 400%")
	assert.InDelta(t, 1.0, d.Confidence, 0.001)
}

func TestParseDiagnosisMissingConfidenceKeepsFallback(t *testing.T) {
	d := ParseDiagnosis("DIAGNOSIS: flaky network\nFIX_1: wait")
	assert.Equal(t, "flaky network", d.Diagnosis)
	assert.InDelta(t, 0.3, d.Confidence, 0.001)
	require.Len(t, d.SuggestedFixes, 1)
	assert.Equal(t, "wait", d.SuggestedFixes[0].Strategy)
	assert.Empty(t, d.SuggestedFixes[0].Commands)
}

func TestRestartLike(t *testing.T) {
	assert.True(t, restartLike("restart_service"))
	assert.True(t, restartLike("Reboot host"))
	assert.False(t, restartLike("free_disk_space"))
}
