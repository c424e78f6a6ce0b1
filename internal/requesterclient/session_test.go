package requesterclient

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"iprpc/internal/wire"
)

func TestInternalErrorReply(t *testing.T) {
	reply := internalErrorReply()
	assert.Equal(t, wire.CodeInternalError, reply["code"])
	assert.NotEmpty(t, reply["error"])
}

func TestSession_IsAliveFalseWhenClosed(t *testing.T) {
	s := &Session{}
	assert.False(t, s.IsAlive(), "a session with no live connection must report not alive")
}

func TestSession_RequestFallsBackToInternalErrorWhenDisconnected(t *testing.T) {
	s := &Session{}
	reply, err := s.Request("ping", map[string]any{}, true)
	assert.NoError(t, err)
	assert.Equal(t, wire.CodeInternalError, reply["code"])
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	s := &Session{}
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
