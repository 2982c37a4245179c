package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWaitAdmitsWithinBurst(t *testing.T) {
	m := New(Config{GlobalRate: 100, GlobalBurst: 5, DefaultRate: 100, DefaultBurst: 5})
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Wait(context.Background(), "example.com"))
	}
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	m := New(Config{GlobalRate: 0.001, GlobalBurst: 1, DefaultRate: 0.001, DefaultBurst: 1})
	require.NoError(t, m.Wait(context.Background(), "example.com"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Wait(ctx, "example.com")
	require.Error(t, err)
}

func TestDefaultDomainLimitsSeeded(t *testing.T) {
	m := New(DefaultConfig())
	require.Contains(t, m.DescribeRate("gmail.com"), "2.0")
	require.Contains(t, m.DescribeRate("unknown-mailbox-provider.example"), "default")
}
