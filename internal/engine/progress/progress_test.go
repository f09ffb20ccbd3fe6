package progress

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriter_CountsAndReports(t *testing.T) {
	var (
		buf       bytes.Buffer
		written   int
		reportsAt []int64
	)

	w := NewWriter(&buf, 1000, 10, func(n int) { written += n }, func(pos int64) { reportsAt = append(reportsAt, pos) })

	for i := 0; i < 5; i++ {
		n, err := w.Write([]byte("abcdef"))
		assert.NoError(t, err)
		assert.Equal(t, 6, n)
	}

	assert.Equal(t, 30, written)
	assert.Equal(t, int64(1030), w.Position())
	assert.Equal(t, []int64{1012, 1024}, reportsAt)
	assert.Equal(t, 30, buf.Len())
}

func TestWriter_IntervalDisabled(t *testing.T) {
	called := false
	w := NewWriter(&bytes.Buffer{}, 0, 0, nil, func(int64) { called = true })

	_, _ = w.Write(make([]byte, 100))

	assert.False(t, called)
	assert.Equal(t, int64(100), w.Position())
}

type shortWriter struct{ limit int }

func (s *shortWriter) Write(p []byte) (int, error) {
	if len(p) > s.limit {
		return s.limit, errors.New("disk full")
	}
	return len(p), nil
}

func TestWriter_PartialWriteCountsAcceptedBytes(t *testing.T) {
	var written int
	w := NewWriter(&shortWriter{limit: 3}, 0, 0, func(n int) { written += n }, nil)

	n, err := w.Write([]byte("abcdef"))
	assert.Error(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, written)
	assert.Equal(t, int64(3), w.Position())
}
