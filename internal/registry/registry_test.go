package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type service struct{ name string }

func constant(name string, calls *int) Constructor {
	return func(Deps) (any, error) {
		*calls++
		return &service{name: name}, nil
	}
}

func TestRegistry_ResolveReturnsSameInstance(t *testing.T) {
	r := New()
	calls := 0
	require.NoError(t, r.Register("status", nil, constant("status", &calls)))

	a, err := Get[*service](r, "status")
	require.NoError(t, err)
	b, err := Get[*service](r, "status")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 1, calls)
}

func TestRegistry_DuplicateKeepsFirstBinding(t *testing.T) {
	r := New()
	first, second := 0, 0
	require.NoError(t, r.Register("ticker", nil, constant("first", &first)))
	err := r.Register("ticker", nil, constant("second", &second))
	assert.ErrorIs(t, err, ErrDuplicateRegistration)

	s, err := Get[*service](r, "ticker")
	require.NoError(t, err)
	assert.Equal(t, "first", s.name)
	assert.Zero(t, second)
}

func TestRegistry_BuildConstructsDependenciesFirst(t *testing.T) {
	r := New()
	var built []string
	ctor := func(name string) Constructor {
		return func(deps Deps) (any, error) {
			for id := range deps {
				require.NotNil(t, deps[id], "%s needs %s constructed", name, id)
			}
			built = append(built, name)
			return &service{name: name}, nil
		}
	}
	require.NoError(t, r.Register("tournament", []string{"startgg", "output"}, ctor("tournament")))
	require.NoError(t, r.Register("output", nil, ctor("output")))
	require.NoError(t, r.Register("startgg", []string{"status"}, ctor("startgg")))
	require.NoError(t, r.Register("status", nil, ctor("status")))

	order, err := r.Order()
	require.NoError(t, err)
	assert.Equal(t, []string{"status", "startgg", "output", "tournament"}, order)

	require.NoError(t, r.Build())
	assert.Equal(t, order, built)
	assert.Len(t, r.Instances(), 4)

	// Already built: nothing runs again.
	require.NoError(t, r.Build())
	assert.Len(t, built, 4)
}

func TestRegistry_CycleRejectedBeforeConstruction(t *testing.T) {
	r := New()
	calls := 0
	require.NoError(t, r.Register("a", []string{"b"}, constant("a", &calls)))
	require.NoError(t, r.Register("b", []string{"c"}, constant("b", &calls)))
	require.NoError(t, r.Register("c", []string{"a"}, constant("c", &calls)))
	require.NoError(t, r.Register("d", nil, constant("d", &calls)))

	err := r.Build()
	require.ErrorIs(t, err, ErrDependencyCycle)
	assert.Contains(t, err.Error(), "a -> b -> c -> a")
	assert.Zero(t, calls)
}

func TestRegistry_UnknownDependency(t *testing.T) {
	r := New()
	calls := 0
	require.NoError(t, r.Register("casters", []string{"output"}, constant("casters", &calls)))

	err := r.Build()
	require.ErrorIs(t, err, ErrNotRegistered)
	assert.Contains(t, err.Error(), `needed by "casters"`)

	_, err = r.Resolve("nope")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestRegistry_TypedAccess(t *testing.T) {
	r := New()
	calls := 0
	require.NoError(t, r.Register("status", nil, constant("status", &calls)))
	require.NoError(t, r.Register("ticker", []string{"status"}, func(deps Deps) (any, error) {
		s, err := Dep[*service](deps, "status")
		if err != nil {
			return nil, err
		}
		_, err = Dep[*service](deps, "output")
		assert.ErrorIs(t, err, ErrNotRegistered)
		_, err = Dep[string](deps, "status")
		assert.ErrorIs(t, err, ErrWrongType)
		return s.name + "-ticker", nil
	}))

	v, err := Get[string](r, "ticker")
	require.NoError(t, err)
	assert.Equal(t, "status-ticker", v)

	_, err = Get[int](r, "ticker")
	assert.ErrorIs(t, err, ErrWrongType)
}
