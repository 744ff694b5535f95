package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildSpansInheritTrace(t *testing.T) {
	ctx, root := StartSpan(context.Background(), "write", "w-1")
	_, child := StartChildSpan(ctx, "dispatch")
	child.SetAttr("tasks", 3)
	child.End(errors.New("queue down"))
	root.End(nil)

	require.Len(t, root.Children, 1)
	assert.Equal(t, "w-1", child.TraceID)
	assert.EqualError(t, child.Err, "queue down")
	assert.Equal(t, 3, child.Attrs["tasks"])
}

func TestChildWithoutParent(t *testing.T) {
	ctx, span := StartChildSpan(context.Background(), "orphan")
	assert.Same(t, span, SpanFromContext(ctx))
	assert.Empty(t, span.TraceID)
}
