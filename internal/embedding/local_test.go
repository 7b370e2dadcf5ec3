package embedding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLocalClient struct {
	vec []float32
	err error
}

func (f *fakeLocalClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, f.err
}

func TestLocalEmbedDimensionMatch(t *testing.T) {
	client := &fakeLocalClient{vec: make([]float32, 768)}
	l := NewLocal(client, 768)

	v, err := l.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Len(t, v, 768)
	assert.Equal(t, 768, l.Dimensions())
}

func TestLocalEmbedDimensionMismatchIsInvalid(t *testing.T) {
	client := &fakeLocalClient{vec: make([]float32, 42)}
	l := NewLocal(client, 768)

	_, err := l.Embed(context.Background(), "hello")
	require.Error(t, err)
}

func TestLocalEmbedUnavailableOnClientError(t *testing.T) {
	client := &fakeLocalClient{err: errors.New("connection refused")}
	l := NewLocal(client, 768)

	_, err := l.Embed(context.Background(), "hello")
	require.Error(t, err)
}

func TestLocalEmbedCancelledContext(t *testing.T) {
	client := &fakeLocalClient{vec: make([]float32, 768)}
	l := NewLocal(client, 768)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Embed(ctx, "hello")
	require.Error(t, err)
}

func TestLocalEmbedBatchSequential(t *testing.T) {
	client := &fakeLocalClient{vec: make([]float32, 8)}
	l := NewLocal(client, 8)

	vs, err := l.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, vs, 3)
	for _, v := range vs {
		assert.Len(t, v, 8)
	}
}

func TestLocalEmbedBatchStopsOnFirstError(t *testing.T) {
	client := &fakeLocalClient{err: errors.New("boom")}
	l := NewLocal(client, 8)

	_, err := l.EmbedBatch(context.Background(), []string{"a", "b"})
	require.Error(t, err)
}

func TestCtxErrTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	err := ctxErr(ctx)
	require.Error(t, err)
}
