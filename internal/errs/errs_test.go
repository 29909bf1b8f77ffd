package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDowngrade(t *testing.T) {
	e := Fatal("upstream down", "start.gg", errors.New("503"))
	wrapped := fmt.Errorf("fetch meta: %w", e)

	got, ok := Downgrade(wrapped)
	assert.True(t, ok)
	assert.Same(t, wrapped, got)
	assert.False(t, e.Fatal)
	assert.Equal(t, "start.gg: upstream down", e.Error())

	_, ok = Downgrade(errors.New("plain"))
	assert.False(t, ok)
}

func TestSink_HoldsBacklogUntilSubscribed(t *testing.T) {
	s := NewSink()
	s.Report(errors.New("one"))
	s.Report(nil)

	var got []string
	s.Subscribe(func(err error) { got = append(got, err.Error()) })
	s.Report(errors.New("two"))

	assert.Equal(t, []string{"one", "two"}, got)
}
