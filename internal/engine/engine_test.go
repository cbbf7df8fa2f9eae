package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/code-100-precent/LingDesk/pkg/knowledge"
	"github.com/code-100-precent/LingDesk/pkg/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setup(t *testing.T, booking bool) (*gorm.DB, *models.Agent, *models.Conversation) {
	db := models.SetupTestDB(t)
	agent := &models.Agent{
		Name:            "Riley",
		BusinessName:    "Bright Smile Dental",
		Vertical:        "dental",
		FallbackMessage: "Sorry, please call us back.",
		BookingEnabled:  booking,
		Active:          true,
	}
	require.NoError(t, models.CreateAgent(db, agent))
	conv := &models.Conversation{AgentID: agent.ID, Channel: models.ChannelChat, VisitorID: "v_1"}
	require.NoError(t, models.CreateConversation(db, conv))
	return db, agent, conv
}

func bookingDefs() []llm.ToolDefinition {
	return []llm.ToolDefinition{{Name: "check_availability"}}
}

func TestSeedMessagesSkipsDuplicateUser(t *testing.T) {
	history := []llm.Message{
		{Role: llm.RoleUser, Content: "hi"},
		{Role: llm.RoleAssistant, Content: "hello"},
		{Role: llm.RoleUser, Content: "What are your hours?"},
	}
	msgs := SeedMessages("sys", history, "What are your hours? ")
	require.Len(t, msgs, 4)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, "What are your hours?", msgs[3].Content)

	msgs = SeedMessages("sys", history[:2], "What are your hours?")
	assert.Len(t, msgs, 4)
}

func TestSeedMessagesKeepsLastTen(t *testing.T) {
	var history []llm.Message
	for i := 0; i < 25; i++ {
		history = append(history, llm.Message{Role: llm.RoleUser, Content: string(rune('a' + i))})
	}
	msgs := SeedMessages("sys", history, "new")
	assert.Len(t, msgs, 1+MaxHistory+1)
	assert.Equal(t, string(rune('a'+15)), msgs[1].Content)
}

func TestRespondWithoutTools(t *testing.T) {
	db, agent, conv := setup(t, false)
	model := &scriptedModel{completions: []*llm.Completion{{Content: "We open at 9am.", Usage: llm.Usage{TotalTokens: 42}}}}
	retriever := staticRetriever{ctx: &knowledge.Context{FAQs: []knowledge.FAQ{{ID: "f1", Question: "hours?", Answer: "9-5"}}}}
	exec := &countingExecutor{defs: bookingDefs()}
	e := New(Options{DB: db, Model: model, Retriever: retriever, Tools: exec})

	reply, err := e.Respond(context.Background(), Turn{Agent: agent, ConversationID: conv.ID, Channel: "chat", UserMessage: "hours?"})
	require.NoError(t, err)
	assert.Equal(t, "We open at 9am.", reply.Text)
	assert.Equal(t, []string{"faq:f1"}, reply.Sources)
	assert.Equal(t, 1, reply.Rounds)
	assert.False(t, reply.Degraded)
	assert.Empty(t, model.requests[0].Tools)
	assert.Contains(t, model.requests[0].Messages[0].Content, "9-5")

	msgs, err := models.ListMessages(db, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "We open at 9am.", msgs[0].Content)
	assert.EqualValues(t, 42, msgs[0].Metadata["tokens"])
	assert.Equal(t, false, msgs[0].Metadata["degraded"])
}

func TestToolLoopIsBounded(t *testing.T) {
	db, agent, conv := setup(t, true)
	model := &scriptedModel{completions: []*llm.Completion{toolCall("1")}}
	exec := &countingExecutor{defs: bookingDefs()}
	e := New(Options{DB: db, Model: model, Tools: exec})

	reply, err := e.Respond(context.Background(), Turn{Agent: agent, ConversationID: conv.ID, Channel: "chat", UserMessage: "book me"})
	require.NoError(t, err)
	assert.Equal(t, MaxToolRounds, reply.Rounds)
	assert.Equal(t, MaxToolRounds, model.completeCalls())
	assert.Len(t, exec.calls, MaxToolRounds)
	assert.Equal(t, agent.FallbackMessage, reply.Text)

	n, err := models.CountMessages(db, conv.ID, models.RoleAssistant)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestToolResultsFedBack(t *testing.T) {
	db, agent, conv := setup(t, true)
	model := &scriptedModel{completions: []*llm.Completion{toolCall("call-1"), {Content: "Tuesday at 10 works."}}}
	exec := &countingExecutor{defs: bookingDefs()}
	e := New(Options{DB: db, Model: model, Tools: exec})

	reply, err := e.Respond(context.Background(), Turn{Agent: agent, ConversationID: conv.ID, Channel: "chat", UserMessage: "any time tuesday?"})
	require.NoError(t, err)
	assert.Equal(t, "Tuesday at 10 works.", reply.Text)
	assert.Equal(t, []string{"check_availability"}, reply.ToolCalls)

	second := model.requests[1].Messages
	toolMsg := second[len(second)-1]
	assert.Equal(t, llm.RoleTool, toolMsg.Role)
	assert.Equal(t, "call-1", toolMsg.ToolCallID)
	assert.Contains(t, toolMsg.Content, `"success":true`)
	assert.Equal(t, llm.RoleAssistant, second[len(second)-2].Role)
	assert.Len(t, second[len(second)-2].ToolCalls, 1)
}

func TestRespondUpstreamFailureUsesFallback(t *testing.T) {
	db, agent, conv := setup(t, false)
	model := &scriptedModel{completeErr: errProvider}
	e := New(Options{DB: db, Model: model})

	reply, err := e.Respond(context.Background(), Turn{Agent: agent, ConversationID: conv.ID, Channel: "sms", UserMessage: "hi"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpstream))
	require.NotNil(t, reply)
	assert.True(t, reply.Degraded)
	assert.Equal(t, agent.FallbackMessage, reply.Text)
	assert.NotContains(t, reply.Text, "503")

	msgs, _ := models.ListMessages(db, conv.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, agent.FallbackMessage, msgs[0].Content)
}

func TestRetrievalFailureDoesNotBlock(t *testing.T) {
	_, agent, _ := setup(t, false)
	model := &scriptedModel{completions: []*llm.Completion{{Content: "Hello!"}}}
	e := New(Options{Model: model, Retriever: staticRetriever{err: errors.New("qdrant down")}})

	reply, err := e.Respond(context.Background(), Turn{Agent: agent, Channel: "chat", UserMessage: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "Hello!", reply.Text)
	assert.Empty(t, reply.Sources)
}

func TestStreamConcatenationMatchesPersisted(t *testing.T) {
	cases := []struct {
		name  string
		parts []string
	}{
		{"plain", []string{"We ", "open ", "at 9."}},
		{"surrounding whitespace", []string{"\n", "We open at 9.", " "}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db, agent, conv := setup(t, false)
			model := &scriptedModel{streamText: tc.parts}
			e := New(Options{DB: db, Model: model})

			var deltas []string
			reply, err := e.Stream(context.Background(), Turn{Agent: agent, ConversationID: conv.ID, Channel: "chat", UserMessage: "hours?"}, StreamHooks{
				OnDelta: func(d string) error { deltas = append(deltas, d); return nil },
			})
			require.NoError(t, err)
			assert.Equal(t, tc.parts, deltas)
			assert.False(t, reply.Degraded)

			msgs, _ := models.ListMessages(db, conv.ID)
			require.Len(t, msgs, 1)
			assert.Equal(t, strings.Join(deltas, ""), msgs[0].Content)
			assert.Equal(t, reply.Text, msgs[0].Content)
		})
	}
}

func TestStreamWhitespaceOnlyFallsBack(t *testing.T) {
	db, agent, conv := setup(t, false)
	model := &scriptedModel{streamText: []string{" ", "\n"}}
	e := New(Options{DB: db, Model: model})

	var deltas []string
	reply, err := e.Stream(context.Background(), Turn{Agent: agent, ConversationID: conv.ID, Channel: "chat", UserMessage: "hours?"}, StreamHooks{
		OnDelta: func(d string) error { deltas = append(deltas, d); return nil },
	})
	require.NoError(t, err)
	assert.True(t, reply.Degraded)
	assert.Equal(t, agent.Fallback(), deltas[len(deltas)-1])

	msgs, _ := models.ListMessages(db, conv.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, strings.Join(deltas, ""), msgs[0].Content)
}

func TestStreamRunsToolsBeforeStreaming(t *testing.T) {
	db, agent, conv := setup(t, true)
	model := &scriptedModel{
		completions: []*llm.Completion{toolCall("1"), {Content: "unused"}},
		streamText:  []string{"Tuesday ", "at 10."},
	}
	exec := &countingExecutor{defs: bookingDefs()}
	e := New(Options{DB: db, Model: model, Tools: exec})

	var events []string
	_, err := e.Stream(context.Background(), Turn{Agent: agent, ConversationID: conv.ID, Channel: "voice", UserMessage: "tuesday?"}, StreamHooks{
		OnDelta:     func(d string) error { events = append(events, "delta:"+d); return nil },
		OnToolPhase: func() { events = append(events, "hold") },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"hold", "delta:Tuesday ", "delta:at 10."}, events)
	assert.Equal(t, 1, model.streamCalls)
	last := model.requests[len(model.requests)-1]
	assert.Empty(t, last.Tools)

	msgs, _ := models.ListMessages(db, conv.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Tuesday at 10.", msgs[0].Content)
}

func TestStreamFirstRoundAnswerDeliveredOnce(t *testing.T) {
	_, agent, _ := setup(t, true)
	model := &scriptedModel{completions: []*llm.Completion{{Content: "We are open."}}}
	e := New(Options{Model: model, Tools: &countingExecutor{defs: bookingDefs()}})

	var deltas []string
	reply, err := e.Stream(context.Background(), Turn{Agent: agent, Channel: "chat", UserMessage: "open?"}, StreamHooks{
		OnDelta: func(d string) error { deltas = append(deltas, d); return nil },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"We are open."}, deltas)
	assert.Equal(t, 0, model.streamCalls)
	assert.Equal(t, "We are open.", reply.Text)
}

func TestStreamFailureEmitsFallback(t *testing.T) {
	db, agent, conv := setup(t, false)
	model := &scriptedModel{streamErr: errProvider}
	e := New(Options{DB: db, Model: model})

	var deltas []string
	reply, err := e.Stream(context.Background(), Turn{Agent: agent, ConversationID: conv.ID, Channel: "chat", UserMessage: "hi"}, StreamHooks{
		OnDelta: func(d string) error { deltas = append(deltas, d); return nil },
	})
	require.ErrorIs(t, err, ErrUpstream)
	assert.True(t, reply.Degraded)
	assert.Equal(t, []string{agent.FallbackMessage}, deltas)

	msgs, _ := models.ListMessages(db, conv.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, agent.FallbackMessage, msgs[0].Content)
}

func TestStreamTimeoutKeepsPartial(t *testing.T) {
	_, agent, _ := setup(t, false)
	model := &scriptedModel{streamText: []string{"Partial"}, streamErr: context.DeadlineExceeded}
	e := New(Options{Model: model, StreamTimeout: 50 * time.Millisecond})

	var got strings.Builder
	reply, err := e.Stream(context.Background(), Turn{Agent: agent, Channel: "chat", UserMessage: "hi"}, StreamHooks{
		OnDelta: func(d string) error { got.WriteString(d); return nil },
	})
	require.Error(t, err)
	assert.Equal(t, "Partial", reply.Text)
	assert.Equal(t, "Partial", got.String())
}
