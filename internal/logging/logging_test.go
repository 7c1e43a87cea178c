package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

func TestNew_FallsBackToInfoOnInvalidLevel(t *testing.T) {
	log, err := New("not-a-level", "test")
	require.NoError(t, err)
	require.NotNil(t, log)
	require.True(t, log.Core().Enabled(zap.InfoLevel))
	require.False(t, log.Core().Enabled(zap.DebugLevel))
}

func TestNew_EnablesRequestedLevel(t *testing.T) {
	log, err := New("info", "staging")
	require.NoError(t, err)
	require.True(t, log.Core().Enabled(zap.InfoLevel))
}

func TestAdmission_EmitsExpectedFields(t *testing.T) {
	log, logs := observedLogger()
	Admission(log, "SRC", "issues", "ok", "10.0.0.1")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	fields := entry.ContextMap()
	require.Equal(t, "webhook_admission", fields["event"])
	require.Equal(t, "SRC", fields["provider"])
	require.Equal(t, "ok", fields["outcome"])
}

func TestOutboundCall_EmitsExpectedFields(t *testing.T) {
	log, logs := observedLogger()
	OutboundCall(log, "TGT", "create_page", "200")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	require.Equal(t, "outbound_call", fields["event"])
	require.Equal(t, "create_page", fields["op"])
}

func TestSecurityEvent_EmitsWarnWithEventName(t *testing.T) {
	log, logs := observedLogger()
	SecurityEvent(log, "bad_signature", "10.0.0.2")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	require.Equal(t, zap.WarnLevel, entry.Level)
	require.Equal(t, "security_bad_signature", entry.ContextMap()["event"])
}
