package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := Unsupportedf("no video stream in %s", "clip.mp3")

	assert.True(t, Is(err, ErrUnsupported))
	assert.False(t, Is(err, ErrNotFound))
	assert.Equal(t, "no video stream in clip.mp3", err.Error())
}

func TestWrap_KeepsCause(t *testing.T) {
	cause := fmt.Errorf("exit status 1")
	err := Wrap(cause, CodeTranscode, "ffmpeg failed")

	assert.True(t, Is(err, ErrTranscode))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "ffmpeg failed: exit status 1", err.Error())
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"domain error", Validation("bad"), CodeValidation},
		{"wrapped domain error", fmt.Errorf("context: %w", ErrConflict), CodeConflict},
		{"foreign error", fmt.Errorf("boom"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestCode_Retryable(t *testing.T) {
	assert.True(t, CodeTranscode.Retryable())
	assert.True(t, CodeInternal.Retryable())
	assert.False(t, CodeUnsupported.Retryable())
	assert.False(t, CodeValidation.Retryable())
}

func TestWithDetails_DoesNotMutateSentinel(t *testing.T) {
	detailed := ErrValidation.WithDetails(map[string]string{"resolution": "is invalid"})

	assert.Nil(t, ErrValidation.Details)
	assert.NotNil(t, detailed.Details)
	assert.True(t, Is(detailed, ErrValidation))
}

func TestCode_HTTPStatus(t *testing.T) {
	assert.Equal(t, 404, NotFoundf("media %s", "med-1").HTTPStatus())
	assert.Equal(t, 409, ErrConflict.HTTPStatus())
	assert.Equal(t, 409, ErrAlreadyExists.HTTPStatus())
	assert.Equal(t, 400, Validationf("bad profile").HTTPStatus())
	assert.Equal(t, 422, ErrUnsupported.HTTPStatus())
	assert.Equal(t, 500, ErrTranscode.HTTPStatus())
}
