package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/campaignops/pipeline-engine/pkg/core"
)

func TestValidatePipelineName(t *testing.T) {
	valid := []string{"audience-export", "campaign.launch", "sync:crm", "A1_b2"}
	for _, name := range valid {
		assert.NoError(t, ValidatePipelineName(name), name)
	}

	assert.ErrorIs(t, ValidatePipelineName(""), core.ErrInvalidPipelineName)
	assert.ErrorIs(t, ValidatePipelineName("1starts-with-digit"), core.ErrInvalidPipelineName)
	assert.ErrorIs(t, ValidatePipelineName("has space"), core.ErrInvalidPipelineName)
	assert.ErrorIs(t, ValidatePipelineName("semi;colon"), core.ErrInvalidPipelineName)
	assert.ErrorIs(t, ValidatePipelineName(strings.Repeat("a", MaxPipelineNameLength+1)), core.ErrPipelineNameTooLong)
}

func TestValidateScope(t *testing.T) {
	assert.NoError(t, ValidateScope("campaign-launch:42"))
	assert.ErrorIs(t, ValidateScope(""), core.ErrInvalidScope)
	assert.ErrorIs(t, ValidateScope("drop table"), core.ErrInvalidScope)
	assert.ErrorIs(t, ValidateScope(strings.Repeat("s", MaxScopeLength+1)), core.ErrInvalidScope)
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, ValidateKey("req-8f14e45f"))
	// Keys are opaque, anything non-empty within the limit passes.
	assert.NoError(t, ValidateKey("spaces and $ymbols ok"))
	assert.ErrorIs(t, ValidateKey(""), core.ErrInvalidKey)
	assert.ErrorIs(t, ValidateKey(strings.Repeat("k", MaxKeyLength+1)), core.ErrKeyTooLong)
}

func TestClampRecoveryAttempts(t *testing.T) {
	assert.Equal(t, 0, ClampRecoveryAttempts(-5))
	assert.Equal(t, 3, ClampRecoveryAttempts(3))
	assert.Equal(t, MaxRecoveryAttempts, ClampRecoveryAttempts(100))
}

func TestSanitizeErrorMessage(t *testing.T) {
	assert.Equal(t, "", SanitizeErrorMessage(""))
	assert.Equal(t, "plain message", SanitizeErrorMessage("plain message"))
	assert.Equal(t, "keep\nnewlines\tand tabs", SanitizeErrorMessage("keep\nnewlines\tand tabs"))
	assert.Equal(t, "nulsgone", SanitizeErrorMessage("nuls\x00gone\x01"))

	long := SanitizeErrorMessage(strings.Repeat("x", MaxErrorMessageLength*2))
	assert.Equal(t, MaxErrorMessageLength, len([]rune(long)))
	assert.True(t, strings.HasSuffix(long, "..."))
}
