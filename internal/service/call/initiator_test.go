package call

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldInitiate(t *testing.T) {
	low := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	high := uuid.MustParse("99999999-9999-9999-9999-999999999999")

	assert.True(t, ShouldInitiate(high, low))
	assert.False(t, ShouldInitiate(low, high))
	assert.False(t, ShouldInitiate(low, low))
}

func TestShouldInitiate_Symmetric(t *testing.T) {
	for i := 0; i < 50; i++ {
		a, b := uuid.New(), uuid.New()
		assert.NotEqual(t, ShouldInitiate(a, b), ShouldInitiate(b, a))
	}
}

func TestSelectInitiator(t *testing.T) {
	a := uuid.MustParse("00000000-0000-0000-0000-0000000000ff")
	b := uuid.MustParse("00000000-0000-0000-0000-000000000100")

	got, err := SelectInitiator(a, b)
	require.NoError(t, err)
	assert.Equal(t, b, got, "byte order, not string length, decides")

	got, err = SelectInitiator(b, a)
	require.NoError(t, err)
	assert.Equal(t, b, got)

	_, err = SelectInitiator(a, a)
	assert.Error(t, err)
}
