package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/backend"
	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/config"
	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/conversation"
)

func TestNewCharacterValidation(t *testing.T) {
	_, err := NewCharacter(nil, &fakeClient{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collaborator config")

	_, err = NewCharacter(&config.CollaboratorConfig{SystemPrompt: "Be Dana."}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "completion client")
}

func TestCharacterBuildMessagesFlipsSides(t *testing.T) {
	character, err := NewCharacter(&config.CollaboratorConfig{SystemPrompt: "You are Dana."}, &fakeClient{}, nil)
	require.NoError(t, err)

	messages := character.BuildMessages(testObservation())

	// Own prompt first; scripted system narration dropped; sides swapped.
	require.Len(t, messages, 4)
	assert.Equal(t, conversation.RoleSystem, messages[0].Role)
	assert.Equal(t, "You are Dana.", messages[0].Content)

	assert.Equal(t, conversation.RoleAgent, messages[1].Role)
	assert.Equal(t, "I need advice.", messages[1].Content)
	assert.Equal(t, conversation.RoleUser, messages[2].Role)
	assert.Equal(t, "Tell me more.", messages[2].Content)
	assert.Equal(t, conversation.RoleAgent, messages[3].Role)
	assert.Equal(t, "It's urgent.", messages[3].Content)
}

func TestCharacterRespond(t *testing.T) {
	client := &fakeClient{completion: &backend.Completion{Content: "I guess so.", Attempts: 1}}
	character, err := NewCharacter(&config.CollaboratorConfig{SystemPrompt: "You are Dana.", MaxTokens: 64}, client, nil)
	require.NoError(t, err)

	completion, err := character.Respond(context.Background(), testObservation())
	require.NoError(t, err)
	assert.Equal(t, "I guess so.", completion.Content)

	require.Len(t, client.dispatches, 1)
	call := client.dispatches[0]
	assert.Equal(t, backend.CallRoleEnvironment, call.role)
	assert.Equal(t, 64, call.maxTokens)
}

func TestCharacterRespondError(t *testing.T) {
	client := &fakeClient{dispatchErr: backend.NewTransientServiceError("chat_completion", "boom", nil)}
	logger := &MockLogger{}
	character, err := NewCharacter(&config.CollaboratorConfig{SystemPrompt: "You are Dana."}, client, logger)
	require.NoError(t, err)

	_, err = character.Respond(context.Background(), testObservation())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "character response failed")
	assert.Contains(t, logger.errorCalls, "character_response_failed")
}
