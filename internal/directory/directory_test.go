package directory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/messaging"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/storage/sqlite"
)

func newStore(t *testing.T) *sqlite.SQLiteStorage {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "dir.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func provider(id string) domain.ProviderSnapshot {
	return domain.ProviderSnapshot{
		ID:           id,
		Name:         "Provider " + id,
		Type:         "Workshop",
		Capabilities: []domain.Capability{domain.CapabilityCleaning},
	}
}

func TestStaticDirectoryReturnsCopies(t *testing.T) {
	d := NewStatic(provider("p1"))
	list, err := d.GetAll(context.Background())
	require.NoError(t, err)
	list[0].Capabilities[0] = domain.CapabilityGrinding

	again, err := d.GetAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.CapabilityCleaning, again[0].Capabilities[0])

	d.Set(nil)
	again, err = d.GetAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRegistryRegisterConsultsValidator(t *testing.T) {
	ctx := context.Background()
	validator := ValidatorFunc(func(_ context.Context, p domain.ProviderSnapshot, _ time.Duration) (bool, string, error) {
		switch p.ID {
		case "declined":
			return false, "insufficient certification", nil
		case "broken":
			return false, "", errors.New("rpc down")
		}
		return true, "", nil
	})
	r := NewRegistry(newStore(t), WithValidator(validator, time.Second))

	ok, err := r.Register(ctx, provider("ok"))
	require.NoError(t, err)
	assert.True(t, ok.Enabled)
	assert.False(t, ok.RegisteredAt.IsZero())

	declined, err := r.Register(ctx, provider("declined"))
	require.NoError(t, err)
	assert.False(t, declined.Enabled)
	assert.Equal(t, "insufficient certification", declined.DeclinedReason)

	broken, err := r.Register(ctx, provider("broken"))
	require.NoError(t, err)
	assert.False(t, broken.Enabled)
	assert.Contains(t, broken.DeclinedReason, "rpc down")

	all, err := r.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "ok", all[0].ID)

	require.NoError(t, r.Disable(ctx, "ok", "maintenance"))
	all, err = r.GetAll(ctx)
	require.NoError(t, err)
	assert.False(t, all[0].Enabled)
	assert.ErrorIs(t, r.Disable(ctx, "missing", ""), domain.ErrNotFound)
}

func TestRegistryRejectsIncompleteEntries(t *testing.T) {
	r := NewRegistry(newStore(t))
	_, err := r.Register(context.Background(), domain.ProviderSnapshot{ID: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestChannelValidator(t *testing.T) {
	ctx := context.Background()
	ch := messaging.NewMemoryChannel()
	defer ch.Close()

	_, err := ch.Subscribe(ctx, messaging.SubjectValidate, "validation-service", func(ctx context.Context, _ string, env messaging.Envelope) error {
		req, err := messaging.Decode[messaging.ValidateProviderRequest](env, messaging.KindValidateProvider)
		if err != nil {
			return err
		}
		if req.Provider.ID == "silent" {
			return nil
		}
		return messaging.PublishPayload(ctx, ch, messaging.SubjectValidateReply, messaging.KindProviderValidated, env.CorrelationID,
			messaging.ValidateProviderResponse{
				CorrelationID:  req.CorrelationID,
				ProviderID:     req.Provider.ID,
				Approved:       req.Provider.ID != "declined",
				DeclinedReason: "no ISO 9001",
			})
	})
	require.NoError(t, err)

	requester, err := messaging.NewRequester(ctx, ch, messaging.SubjectValidateReply, "directory")
	require.NoError(t, err)
	defer requester.Close()
	v := NewChannelValidator(requester)

	approved, _, err := v.Validate(ctx, provider("good"), time.Second)
	require.NoError(t, err)
	assert.True(t, approved)

	approved, reason, err := v.Validate(ctx, provider("declined"), time.Second)
	require.NoError(t, err)
	assert.False(t, approved)
	assert.Equal(t, "no ISO 9001", reason)

	approved, reason, err = v.Validate(ctx, provider("silent"), 30*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, approved)
	assert.Contains(t, reason, "timed out")
}
