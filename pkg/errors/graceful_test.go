package errors

import (
	stderrors "errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGracefulErrorUnwraps(t *testing.T) {
	cause := stderrors.New("dial tcp: connection refused")
	err := NewGracefulError("connect database", cause)

	assert.Equal(t, "operation 'connect database' failed: dial tcp: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestErrorHandlerKeepsFirstCode(t *testing.T) {
	eh := NewErrorHandler()
	eh.ValidationError("http_api.api_key", stderrors.New("required"))
	eh.FatalError("start", stderrors.New("late"))

	assert.Equal(t, ExitConfig, eh.WaitForExit())

	_, ok := eh.WaitForExitWithTimeout(10 * time.Millisecond)
	assert.False(t, ok)
}

func TestConfigErrorCode(t *testing.T) {
	eh := NewErrorHandler()
	eh.ConfigError("/etc/roster/missing.toml", os.ErrNotExist)

	code, ok := eh.WaitForExitWithTimeout(time.Second)
	assert.True(t, ok)
	assert.Equal(t, ExitConfig, code)
}
