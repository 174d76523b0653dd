package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "registry-adapter", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	ctx, done := p.TrackOperation(context.Background(), "test.op", attribute.String("k", "v"))
	require.NotNil(t, ctx)
	done(errors.New("boom"))

	p.RecordLedgerAttempt(ctx, "issue", "success")
	p.RecordReceiptFinalized(ctx, "ISSUE", "MINED")
	p.RecordReplay(ctx, "ISSUE")
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNilProviderIsSafe(t *testing.T) {
	var p *Provider

	ctx, done := p.TrackOperation(context.Background(), "nil.op")
	done(nil)
	p.RecordLedgerAttempt(ctx, "anchor", "reverted")
	p.RecordReceiptFinalized(ctx, "ANCHOR", "FAILED")
	p.RecordReplay(ctx, "ANCHOR")
	require.NotNil(t, p.Tracer())
	require.NoError(t, p.Shutdown(context.Background()))
}
