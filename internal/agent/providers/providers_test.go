package providers

import (
	"encoding/json"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fablekit/fable/pkg/models"
)

func TestConvertAnthropicMessages_FiltersSystemAndEmpty(t *testing.T) {
	msgs, err := convertAnthropicMessages([]models.Message{
		{Role: models.RoleSystem, Content: "ignored"},
		{Role: models.RoleUser, Content: "hello"},
		{Role: models.RoleAssistant},
	})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestConvertAnthropicMessages_InvalidToolInput(t *testing.T) {
	_, err := convertAnthropicMessages([]models.Message{{
		Role:      models.RoleAssistant,
		ToolCalls: []models.ToolCall{{ID: "c1", Name: "t", Input: json.RawMessage(`{broken`)}},
	}})
	require.Error(t, err)
}

func TestMapAnthropicStopReason(t *testing.T) {
	assert.Equal(t, "tool-use", mapAnthropicStopReason("tool_use"))
	assert.Equal(t, "length", mapAnthropicStopReason("max_tokens"))
	assert.Equal(t, "stop", mapAnthropicStopReason("end_turn"))
}

func TestConvertOpenAIMessages_SystemInjectedFirst(t *testing.T) {
	msgs := convertOpenAIMessages([]models.Message{
		{Role: models.RoleUser, Content: "hi"},
	}, "be terse")
	require.Len(t, msgs, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
	assert.Equal(t, "be terse", msgs[0].Content)
}

func TestConvertOpenAIMessages_ToolResultsFanOut(t *testing.T) {
	msgs := convertOpenAIMessages([]models.Message{
		{Role: models.RoleTool, ToolResults: []models.ToolResult{
			{ToolCallID: "c1", Content: "one"},
			{ToolCallID: "c2", Content: "two"},
		}},
	}, "")
	require.Len(t, msgs, 2)
	assert.Equal(t, openai.ChatMessageRoleTool, msgs[0].Role)
	assert.Equal(t, "c1", msgs[0].ToolCallID)
	assert.Equal(t, "c2", msgs[1].ToolCallID)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(errors.New("429 too many requests")))
	assert.True(t, isRetryable(errors.New("connection reset by peer")))
	assert.True(t, isRetryable(&ProviderError{StatusCode: 503}))
	assert.False(t, isRetryable(&ProviderError{StatusCode: 401}))
	assert.False(t, isRetryable(errors.New("invalid api key")))
	assert.False(t, isRetryable(nil))
}
