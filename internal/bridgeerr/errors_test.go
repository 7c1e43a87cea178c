package bridgeerr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIs_MatchesDirectKind(t *testing.T) {
	err := New(KindInvalidSignature, "bad signature")
	require.True(t, Is(err, KindInvalidSignature))
	require.False(t, Is(err, KindTimeout))
}

func TestIs_MatchesThroughWrap(t *testing.T) {
	cause := fmt.Errorf("dial tcp: timeout")
	err := Wrap(KindUpstreamTransient, "post issue failed", cause)
	require.True(t, Is(err, KindUpstreamTransient))
}

func TestIs_MatchesThroughFmtErrorfWrapping(t *testing.T) {
	base := New(KindMappingOrphaned, "page 404")
	wrapped := fmt.Errorf("orchestrator: %w", base)
	require.True(t, Is(wrapped, KindMappingOrphaned))
}

func TestIs_FalseForNilOrUnrelatedError(t *testing.T) {
	require.False(t, Is(nil, KindInternal))
	require.False(t, Is(fmt.Errorf("plain error"), KindInternal))
}

func TestWithField_Chains(t *testing.T) {
	err := New(KindRateLimited, "too many requests").
		WithField("provider", "SRC").
		WithField("retry_after", 30)
	require.Equal(t, "SRC", err.Fields["provider"])
	require.Equal(t, 30, err.Fields["retry_after"])
}

func TestError_MessageIncludesCause(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := Wrap(KindUpstreamTransient, "get_issue failed", cause)
	require.Contains(t, err.Error(), "connection reset")
	require.Contains(t, err.Error(), "get_issue failed")
}

func TestHTTPStatus_CoversEveryKind(t *testing.T) {
	cases := map[Kind]int{
		KindInvalidPayload:    400,
		KindInvalidSignature:  403,
		KindRequestTooLarge:   413,
		KindRateLimited:       429,
		KindDuplicateInFlight: 202,
		KindAlreadyProcessed:  202,
		KindMappingMissing:    500,
		KindMappingOrphaned:   500,
		KindUpstreamTransient: 500,
		KindUpstreamPermanent: 500,
		KindTimeout:           500,
		KindInternal:          500,
	}
	for kind, want := range cases {
		require.Equal(t, want, HTTPStatus(kind), "kind=%s", kind)
	}
}
