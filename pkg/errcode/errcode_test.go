package errcode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_AssignsClassAndHint(t *testing.T) {
	err := New(RemoteUnreachable, "dial tcp: refused")
	assert.Equal(t, ClassTransport, err.Class)
	assert.NotEmpty(t, err.Hint, "transport errors carry a remediation hint")

	v := New(EmptyManifest, "no artifacts")
	assert.Equal(t, ClassValidation, v.Class)
	assert.Empty(t, v.Hint)
}

func TestCodeOf_WrappedChain(t *testing.T) {
	base := New(VerificationFailed, "hash mismatch")
	wrapped := fmt.Errorf("apply: %w", base)

	assert.Equal(t, VerificationFailed, CodeOf(wrapped))
	assert.Equal(t, ClassVerification, ClassOf(wrapped))
	assert.True(t, errors.Is(wrapped, New(VerificationFailed, "")))
	assert.False(t, errors.Is(wrapped, New(RestoreMissing, "")))
}

func TestCodeOf_ForeignAndNil(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(nil))
	assert.Equal(t, Internal, CodeOf(errors.New("boom")))
	assert.Equal(t, ClassInternal, ClassOf(errors.New("boom")))
}

func TestWrap_Unwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(EntityApplyFailed, cause, "write entity 7")
	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "entity_apply_failed")
	assert.Contains(t, err.Error(), "disk full")
}

func TestWithDetail(t *testing.T) {
	err := New(TargetSiteInvalid, "bad targets").WithDetail("invalid", []string{"s9"})
	assert.Equal(t, []string{"s9"}, err.Details["invalid"])
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(RemoteStatus, "502")))
	assert.False(t, IsRetryable(New(DestructiveBlocked, "delete")))
	assert.False(t, IsRetryable(nil))
}
