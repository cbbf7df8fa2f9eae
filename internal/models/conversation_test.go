package models

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentLookups(t *testing.T) {
	db := setupDeskTestDB(t)

	agent := &Agent{Name: "Front Desk", ProviderAgentID: "agent_42", PhoneNumber: "+15550001111", BookingEnabled: true, Active: true}
	require.NoError(t, CreateAgent(db, agent))
	assert.NotEmpty(t, agent.ID)

	got, err := GetAgentByProviderAgentID(db, "agent_42")
	require.NoError(t, err)
	assert.Equal(t, agent.ID, got.ID)

	got, err = GetAgentByPhoneNumber(db, "+15550001111")
	require.NoError(t, err)
	assert.Equal(t, "Front Desk", got.Name)

	_, err = GetAgentByID(db, "missing")
	assert.ErrorIs(t, err, ErrAgentNotFound)
	_, err = GetAgentByProviderAgentID(db, "")
	assert.ErrorIs(t, err, ErrAgentNotFound)

	require.NoError(t, UpdateAgentVoice(db, agent.ID, map[string]any{"provider_agent_id": "agent_43"}))
	got, err = GetAgentByID(db, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent_43", got.ProviderAgentID)
}

func TestAgentFeaturesAndDefaults(t *testing.T) {
	a := &Agent{BookingEnabled: true}
	assert.True(t, a.FeatureEnabled(FeatureBookingEnabled))
	assert.True(t, a.FeatureEnabled(""))
	assert.False(t, a.FeatureEnabled("sms_enabled"))
	assert.Equal(t, DefaultFallbackMessage, a.Fallback())
	assert.Equal(t, float32(DefaultFAQThreshold), a.FAQMinScore())
	assert.Equal(t, float32(DefaultDocumentThreshold), a.DocumentMinScore())

	a = &Agent{FallbackMessage: "Please call back later.", FAQThreshold: 0.9}
	assert.False(t, a.FeatureEnabled(FeatureBookingEnabled))
	assert.Equal(t, "Please call back later.", a.Fallback())
	assert.Equal(t, float32(0.9), a.FAQMinScore())

	var nilAgent *Agent
	assert.False(t, nilAgent.FeatureEnabled(FeatureBookingEnabled))
	assert.Equal(t, DefaultFallbackMessage, nilAgent.Fallback())
}

func TestMarkConversationEscalatedOnlyOnce(t *testing.T) {
	db := setupDeskTestDB(t)
	conv := &Conversation{AgentID: "a1", Channel: ChannelChat, VisitorID: "v1"}
	require.NoError(t, CreateConversation(db, conv))
	assert.Equal(t, ConversationStatusActive, conv.Status)

	first, err := MarkConversationEscalated(db, conv.ID, "human_requested")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := MarkConversationEscalated(db, conv.ID, "complaint")
	require.NoError(t, err)
	assert.False(t, second)

	got, err := GetConversation(db, conv.ID)
	require.NoError(t, err)
	assert.True(t, got.Escalated)
	assert.Equal(t, "human_requested", got.EscalationReason)
	assert.NotNil(t, got.EscalatedAt)
}

func TestMarkConversationEscalatedConcurrent(t *testing.T) {
	db := setupDeskTestDB(t)
	conv := &Conversation{AgentID: "a1", Channel: ChannelVoice}
	require.NoError(t, CreateConversation(db, conv))

	var wg sync.WaitGroup
	var mu sync.Mutex
	flipped := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := MarkConversationEscalated(db, conv.ID, "emergency")
			if err == nil && ok {
				mu.Lock()
				flipped++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, flipped)
}

func TestCallLifecycle(t *testing.T) {
	db := setupDeskTestDB(t)
	callID := "c1"
	conv := &Conversation{AgentID: "a1", Channel: ChannelVoice, CallID: &callID, FromNumber: "+15551230000"}
	require.NoError(t, CreateConversation(db, conv))

	dup := &Conversation{AgentID: "a1", Channel: ChannelVoice, CallID: &callID}
	assert.Error(t, CreateConversation(db, dup))

	got, err := GetConversationByCallID(db, "c1")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, "c1", got.CallIDValue())
	assert.Equal(t, "+15551230000", got.ContactPhone())

	require.NoError(t, MarkCallInProgress(db, conv.ID))
	require.NoError(t, CompleteCall(db, conv.ID, CallCompletion{DurationSeconds: 42, RecordingURL: "https://rec/1.wav", Transcript: "Agent: hi"}))

	got, err = GetConversation(db, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, CallStatusCompleted, got.CallStatus)
	assert.Equal(t, 42, got.DurationSeconds)
	assert.Equal(t, ConversationStatusClosed, got.Status)
	assert.NotNil(t, got.ClosedAt)

	closed, err := CloseConversation(db, conv.ID)
	require.NoError(t, err)
	assert.False(t, closed)

	_, err = GetConversationByCallID(db, "")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestArchiveConversation(t *testing.T) {
	db := setupDeskTestDB(t)
	conv := &Conversation{AgentID: "a1", Channel: ChannelChat, VisitorID: "v1"}
	require.NoError(t, CreateConversation(db, conv))

	// 进行中的会话不能直接归档
	archived, err := ArchiveConversation(db, conv.ID)
	require.NoError(t, err)
	assert.False(t, archived)

	closed, err := CloseConversation(db, conv.ID)
	require.NoError(t, err)
	assert.True(t, closed)

	archived, err = ArchiveConversation(db, conv.ID)
	require.NoError(t, err)
	assert.True(t, archived)

	// 归档后不会被重新关闭，也不会被当作进行中会话复用
	closed, err = CloseConversation(db, conv.ID)
	require.NoError(t, err)
	assert.False(t, closed)

	got, err := GetConversation(db, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, ConversationStatusArchived, got.Status)

	_, err = FindActiveConversation(db, "a1", ChannelChat, "v1")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestChatConversationsWithoutCallID(t *testing.T) {
	db := setupDeskTestDB(t)
	require.NoError(t, CreateConversation(db, &Conversation{AgentID: "a1", Channel: ChannelChat, VisitorID: "v1"}))
	require.NoError(t, CreateConversation(db, &Conversation{AgentID: "a1", Channel: ChannelSMS, VisitorID: "+1555"}))

	conv, err := FindActiveConversation(db, "a1", ChannelSMS, "+1555")
	require.NoError(t, err)
	assert.Equal(t, ChannelSMS, conv.Channel)
	assert.Equal(t, "", conv.CallIDValue())

	closed, err := CloseConversation(db, conv.ID)
	require.NoError(t, err)
	assert.True(t, closed)
	_, err = FindActiveConversation(db, "a1", ChannelSMS, "+1555")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestCustomerContactAndStatus(t *testing.T) {
	db := setupDeskTestDB(t)
	conv := &Conversation{AgentID: "a1", Channel: ChannelChat}
	require.NoError(t, CreateConversation(db, conv))

	require.NoError(t, UpdateCustomerContact(db, conv.ID, "Ana", "ana@example.com", ""))
	require.NoError(t, UpdateCustomerContact(db, conv.ID, "", "", ""))
	require.NoError(t, SetPostProcessingStatus(db, conv.ID, PostProcessingCompleted))
	require.NoError(t, SetConversationSummary(db, conv.ID, "Booked a cleaning"))

	got, err := GetConversation(db, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ana", got.CustomerName)
	assert.Equal(t, "ana@example.com", got.CustomerEmail)
	assert.Equal(t, "", got.ContactPhone())
	assert.Equal(t, PostProcessingCompleted, got.PostProcessingStatus)
	assert.Equal(t, "Booked a cleaning", got.Summary)
}

func TestRecentMessagesOrdering(t *testing.T) {
	db := setupDeskTestDB(t)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 12; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		msg := &Message{ConversationID: "conv", Role: role, Content: string(rune('a' + i)), CreatedAt: base.Add(time.Duration(i) * time.Second)}
		require.NoError(t, db.Create(msg).Error)
	}

	recent, err := RecentMessages(db, "conv", 10)
	require.NoError(t, err)
	require.Len(t, recent, 10)
	assert.Equal(t, "c", recent[0].Content)
	assert.Equal(t, "l", recent[9].Content)

	all, err := ListMessages(db, "conv")
	require.NoError(t, err)
	assert.Len(t, all, 12)
	assert.Equal(t, "a", all[0].Content)

	n, err := CountMessages(db, "conv", RoleAssistant)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
}

func TestMessageMetadataRoundTrip(t *testing.T) {
	db := setupDeskTestDB(t)
	msg, err := CreateMessage(db, "conv", RoleAssistant, "hello", JSONMap{"latencyMs": 120, "sources": []string{"faq:1"}})
	require.NoError(t, err)

	var got Message
	require.NoError(t, db.First(&got, msg.ID).Error)
	assert.EqualValues(t, 120, got.Metadata["latencyMs"])
	assert.Len(t, got.Metadata["sources"], 1)

	plain, err := CreateMessage(db, "conv", RoleUser, "hi", nil)
	require.NoError(t, err)
	var gotPlain Message
	require.NoError(t, db.First(&gotPlain, plain.ID).Error)
	assert.Empty(t, gotPlain.Metadata)
}
