package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	err := InvalidTransitionError("Ringing", "negotiation.answer")
	assert.Equal(t, "INVALID_TRANSITION: event negotiation.answer not allowed in state Ringing", err.Error())
	assert.Equal(t, http.StatusConflict, err.StatusCode)

	cause := stderrors.New("camera busy")
	wrapped := MediaAcquisitionError(cause)
	assert.Contains(t, wrapped.Error(), "caused by: camera busy")
	assert.ErrorIs(t, wrapped, cause)
}

func TestGetAppError(t *testing.T) {
	appErr := UnknownSessionError("abc")
	wrapped := fmt.Errorf("handle: %w", appErr)

	assert.True(t, IsAppError(wrapped))
	assert.Same(t, appErr, GetAppError(wrapped))

	plain := GetAppError(stderrors.New("boom"))
	assert.Equal(t, ErrCodeInternal, plain.Code)
}

func TestIsUserFacing(t *testing.T) {
	assert.True(t, IsUserFacing(CapacityExceededError(10)))
	assert.True(t, IsUserFacing(fmt.Errorf("start: %w", MediaAcquisitionError(stderrors.New("no mic")))))

	assert.False(t, IsUserFacing(InvalidTransitionError("Ended", "call.end")))
	assert.False(t, IsUserFacing(UnknownSessionError("abc")))
	assert.False(t, IsUserFacing(UnknownPeerError("abc")))
	assert.False(t, IsUserFacing(stderrors.New("plain")))
	assert.False(t, IsUserFacing(nil))
}

func TestHasCode(t *testing.T) {
	err := MalformedPayloadError("offer is not an offer", nil)
	assert.True(t, HasCode(err, ErrCodeMalformedPayload))
	assert.False(t, HasCode(err, ErrCodeUnknownPeer))
}
