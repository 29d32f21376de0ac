package cat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTransactionDefaults(t *testing.T) {
	tx := NewTransaction(PatternTCC, RoleStart)

	require.NotEmpty(t, tx.TransID)
	assert.Equal(t, PatternTCC, tx.Pattern)
	assert.Equal(t, RoleStart, tx.Role)
	assert.Equal(t, ActionPreTry, tx.Status)
	assert.EqualValues(t, 1, tx.Version)
	assert.False(t, tx.CreateTime.IsZero())
	assert.Empty(t, tx.Participants)

	other := NewTransaction(PatternTCC, RoleStart)
	assert.NotEqual(t, tx.TransID, other.TransID)
}

func TestNewParticipantTransactionInheritsTransID(t *testing.T) {
	tx := NewParticipantTransaction("trans-abc", PatternSAGA)

	assert.Equal(t, "trans-abc", tx.TransID)
	assert.Equal(t, RoleProvider, tx.Role)
	assert.Equal(t, PatternSAGA, tx.Pattern)
}

func TestRegisterParticipantValidation(t *testing.T) {
	tx := NewTransaction(PatternTCC, RoleStart)
	confirm, err := NewInvocation("PaymentService", "confirm", nil)
	require.NoError(t, err)
	cancel, err := NewInvocation("PaymentService", "cancel", nil)
	require.NoError(t, err)
	notice, err := NewInvocation("MailService", "send", nil)
	require.NoError(t, err)

	require.NoError(t, tx.RegisterParticipant(NewParticipant(tx.TransID, confirm, cancel)))
	require.NoError(t, tx.RegisterParticipant(NewNoticeParticipant(tx.TransID, notice)))
	require.Len(t, tx.Participants, 2)

	// Both compensation and notice on one participant is rejected.
	err = tx.RegisterParticipant(&Participant{
		TransID: tx.TransID,
		Confirm: confirm,
		Notice:  notice,
	})
	require.Error(t, err)

	// So is a participant with no invocations at all.
	err = tx.RegisterParticipant(&Participant{TransID: tx.TransID})
	require.Error(t, err)

	// A nil participant is silently ignored.
	require.NoError(t, tx.RegisterParticipant(nil))
	assert.Len(t, tx.Participants, 2)
}

func TestInvocationKeyAndArgs(t *testing.T) {
	inv, err := NewInvocation("OrderService", "confirmOrder", map[string]string{"orderId": "o-1"})
	require.NoError(t, err)

	assert.Equal(t, "OrderService#confirmOrder", inv.Key())
	assert.JSONEq(t, `{"orderId":"o-1"}`, string(inv.Args))

	empty, err := NewInvocation("OrderService", "confirmOrder", nil)
	require.NoError(t, err)
	assert.Nil(t, empty.Args)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	tx := NewTransaction(PatternTCC, RoleStart)
	confirm, err := NewInvocation("StockService", "confirm", nil)
	require.NoError(t, err)
	cancel, err := NewInvocation("StockService", "cancel", nil)
	require.NoError(t, err)
	require.NoError(t, tx.RegisterParticipant(NewParticipant(tx.TransID, confirm, cancel)))

	snap := tx.Snapshot()
	snap.Status = ActionConfirming
	snap.Participants[0].Confirm = nil
	snap.Participants = append(snap.Participants, NewNoticeParticipant(tx.TransID, confirm))

	assert.Equal(t, ActionPreTry, tx.Status)
	require.Len(t, tx.Participants, 1)
	assert.NotNil(t, tx.Participants[0].Confirm)
}

func TestParticipantsRoundTripThroughEncoding(t *testing.T) {
	tx := NewTransaction(PatternNotice, RoleStart)
	tx.Timeout = 2 * time.Second
	notice, err := NewInvocation("SmsService", "send", map[string]any{"to": "13800000000"})
	require.NoError(t, err)
	require.NoError(t, tx.RegisterParticipant(NewNoticeParticipant(tx.TransID, notice)))

	data, err := tx.EncodeParticipants()
	require.NoError(t, err)

	restored, err := DecodeParticipants(data)
	require.NoError(t, err)
	require.Len(t, restored, 1)
	assert.Equal(t, "SmsService#send", restored[0].Notice.Key())
	assert.Nil(t, restored[0].Confirm)
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "tcc", PatternTCC.String())
	assert.Equal(t, "notice", PatternNotice.String())
	assert.Equal(t, "start", RoleStart.String())
	assert.Equal(t, "provider", RoleProvider.String())
	assert.Equal(t, "pre_try", ActionPreTry.String())
	assert.Equal(t, "canceling", ActionCanceling.String())
}
