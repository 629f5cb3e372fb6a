package natsbus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/messaging"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/pkg/id"
)

func TestConsumerName(t *testing.T) {
	assert.Equal(t, "mfgopt-provider-propose-any", consumerName("mfgopt", "provider.propose.*"))
	assert.Equal(t, "orch-estimates", consumerName("orch", "estimates"))
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.setDefaults()
	assert.Equal(t, "MFGOPT", cfg.Stream)
	assert.Equal(t, DefaultSubjects, cfg.Subjects)
	assert.Equal(t, 5, cfg.MaxDeliver)
}

// TestJetStreamRoundTrip needs a JetStream-enabled server, e.g.
// NATS_URL=nats://127.0.0.1:4222 with `nats-server -js`.
func TestJetStreamRoundTrip(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch, err := Connect(ctx, Config{
		URL:            url,
		Stream:         "MFGOPT_TEST_" + id.GenerateShort(),
		ConsumerPrefix: "test",
		Subjects:       []string{"test-" + id.GenerateShort() + ".>"},
	}, nil)
	require.NoError(t, err)
	defer ch.Close()

	subject := ch.cfg.Subjects[0][:len(ch.cfg.Subjects[0])-1] + "estimate"
	got := make(chan messaging.Envelope, 2)
	_, err = ch.Subscribe(ctx, subject, "", func(_ context.Context, _ string, env messaging.Envelope) error {
		got <- env
		return nil
	})
	require.NoError(t, err)

	env, err := messaging.NewEnvelope(messaging.KindPlanFailed, "req-1", messaging.PlanFailedEvent{RequestID: "req-1"})
	require.NoError(t, err)
	require.NoError(t, ch.Publish(ctx, subject, env))
	// Same message id: deduplicated by the stream.
	require.NoError(t, ch.Publish(ctx, subject, env))

	select {
	case recv := <-got:
		assert.Equal(t, env.MessageID, recv.MessageID)
	case <-ctx.Done():
		t.Fatal("no delivery")
	}
	select {
	case <-got:
		t.Fatal("duplicate delivered")
	case <-time.After(300 * time.Millisecond):
	}
}
