package shared

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTraceID(t *testing.T) {
	t.Parallel()

	a, b := NewTraceID(), NewTraceID()
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)

	ctx := context.Background()
	assert.Empty(t, GetTraceID(ctx))
	assert.Equal(t, a, GetTraceID(WithTraceID(ctx, a)))
}

func TestSubject(t *testing.T) {
	t.Parallel()

	_, ok := GetSubject(context.Background())
	assert.False(t, ok)

	_, ok = GetSubject(WithSubject(context.Background(), ""))
	assert.False(t, ok)

	sub, ok := GetSubject(WithSubject(context.Background(), "dashboard"))
	assert.True(t, ok)
	assert.Equal(t, "dashboard", sub)
}
