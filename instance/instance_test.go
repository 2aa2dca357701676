package instance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EvolutionAPI/evolution-gateway/config"
	"github.com/EvolutionAPI/evolution-gateway/errors"
	"github.com/EvolutionAPI/evolution-gateway/protocol"
)

func TestNewInstanceDefaults(t *testing.T) {
	inst := New("acme", config.Snapshot{Token: "secret"})

	assert.Equal(t, "acme", inst.Name)
	assert.NotEmpty(t, inst.ID)

	state, _ := inst.State()
	assert.Equal(t, protocol.StateClose, state)

	snap := inst.Snapshot()
	assert.Equal(t, "acme", snap.InstanceName)
	assert.Equal(t, "secret", snap.Token)
}

func TestQRLifecycle(t *testing.T) {
	inst := New("acme", config.Snapshot{})

	assert.Equal(t, 1, inst.IssueQR("qr-1"))
	assert.Equal(t, 2, inst.IssueQR("qr-2"))
	inst.SetPairingCode("ABCD1234")

	qr := inst.QR()
	assert.Equal(t, "qr-2", qr.Code)
	assert.Equal(t, "ABCD1234", qr.PairingCode)
	assert.Equal(t, 2, qr.Count)

	inst.ResetQR()
	assert.Zero(t, inst.QR().Count)
	assert.Empty(t, inst.QR().Code)
}

func TestSetProfileKeepsPreviousValues(t *testing.T) {
	inst := New("acme", config.Snapshot{})

	inst.SetProfile("5511999@s.net", "Ada", "https://pic")
	inst.SetProfile("", "", "")

	jid, name, pic := inst.Profile()
	assert.Equal(t, "5511999@s.net", jid)
	assert.Equal(t, "Ada", name)
	assert.Equal(t, "https://pic", pic)
}

func TestSnapshotIsIsolatedCopy(t *testing.T) {
	inst := New("acme", config.Snapshot{
		Webhook: config.WebhookSettings{
			Enabled: true,
			Events:  []string{"messages.upsert"},
		},
	})

	snap := inst.Snapshot()
	snap.Webhook.Events[0] = "mutated"

	assert.Equal(t, "messages.upsert", inst.Snapshot().Webhook.Events[0])
}

func TestRegistryPutGetDelete(t *testing.T) {
	reg := NewRegistry()
	inst := New("acme", config.Snapshot{})

	require.NoError(t, reg.Put(inst))
	assert.ErrorIs(t, reg.Put(New("acme", config.Snapshot{})), errors.ErrInstanceExists)

	got, err := reg.Get("acme")
	require.NoError(t, err)
	assert.Same(t, inst, got)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, errors.ErrInstanceNotFound)

	require.NoError(t, reg.Delete("acme"))
	assert.True(t, inst.Deleted())
	_, err = reg.Get("acme")
	assert.ErrorIs(t, err, errors.ErrInstanceNotFound)
}

func TestRegistryRefusesDeleteWhileOpen(t *testing.T) {
	reg := NewRegistry()
	inst := New("acme", config.Snapshot{})
	require.NoError(t, reg.Put(inst))

	inst.SetState(protocol.StateOpen, 0)
	assert.ErrorIs(t, reg.Delete("acme"), errors.ErrInstanceConnected)

	inst.SetState(protocol.StateClose, protocol.ReasonLoggedOut)
	assert.NoError(t, reg.Delete("acme"))
}

func TestRegistryNames(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Put(New("beta", config.Snapshot{})))
	require.NoError(t, reg.Put(New("alpha", config.Snapshot{})))

	assert.Equal(t, []string{"alpha", "beta"}, reg.Names())
	assert.Equal(t, 2, reg.Len())

	all := reg.All()
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Name)
}
