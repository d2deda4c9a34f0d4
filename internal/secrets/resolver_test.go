// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package secrets

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is an in-memory backend for resolver tests.
type fakeBackend struct {
	name      string
	priority  int
	available bool
	readOnly  bool
	data      map[string]string
	getErr    error
}

func newFakeBackend(name string, priority int) *fakeBackend {
	return &fakeBackend{
		name:      name,
		priority:  priority,
		available: true,
		data:      make(map[string]string),
	}
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Get(ctx context.Context, key string) (string, error) {
	if f.getErr != nil {
		return "", f.getErr
	}
	if v, ok := f.data[key]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
}

func (f *fakeBackend) Set(ctx context.Context, key, value string) error {
	if f.readOnly {
		return ErrReadOnlyBackend
	}
	f.data[key] = value
	return nil
}

func (f *fakeBackend) Delete(ctx context.Context, key string) error {
	if f.readOnly {
		return ErrReadOnlyBackend
	}
	if _, ok := f.data[key]; !ok {
		return fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	delete(f.data, key)
	return nil
}

func (f *fakeBackend) List(ctx context.Context) ([]string, error) {
	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func (f *fakeBackend) Available() bool { return f.available }
func (f *fakeBackend) Priority() int   { return f.priority }
func (f *fakeBackend) ReadOnly() bool  { return f.readOnly }

func TestResolver_PriorityOrder(t *testing.T) {
	ctx := context.Background()

	high := newFakeBackend("high", 100)
	low := newFakeBackend("low", 25)
	high.data["k"] = "from-high"
	low.data["k"] = "from-low"

	// Registration order must not matter.
	r := NewResolver(low, high)

	value, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "from-high", value)
}

func TestResolver_FallsThroughToLowerPriority(t *testing.T) {
	ctx := context.Background()

	high := newFakeBackend("high", 100)
	low := newFakeBackend("low", 25)
	low.data["k"] = "from-low"

	r := NewResolver(high, low)

	value, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "from-low", value)
}

func TestResolver_NotFound(t *testing.T) {
	r := NewResolver(newFakeBackend("only", 50))

	_, err := r.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestResolver_UnavailableBackendsFiltered(t *testing.T) {
	down := newFakeBackend("down", 100)
	down.available = false
	up := newFakeBackend("up", 25)
	up.data["k"] = "v"

	r := NewResolver(down, up)
	require.Len(t, r.Backends(), 1)

	value, err := r.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)
}

func TestResolver_NoBackends(t *testing.T) {
	r := NewResolver()

	_, err := r.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestResolver_Set(t *testing.T) {
	ctx := context.Background()

	t.Run("skips read-only backends", func(t *testing.T) {
		ro := newFakeBackend("ro", 100)
		ro.readOnly = true
		rw := newFakeBackend("rw", 25)

		r := NewResolver(ro, rw)
		require.NoError(t, r.Set(ctx, "k", "v", ""))
		assert.Equal(t, "v", rw.data["k"])
		assert.Empty(t, ro.data)
	})

	t.Run("targets named backend", func(t *testing.T) {
		first := newFakeBackend("first", 100)
		second := newFakeBackend("second", 25)

		r := NewResolver(first, second)
		require.NoError(t, r.Set(ctx, "k", "v", "second"))
		assert.Equal(t, "v", second.data["k"])
		assert.Empty(t, first.data)
	})

	t.Run("unknown backend", func(t *testing.T) {
		r := NewResolver(newFakeBackend("only", 50))
		err := r.Set(ctx, "k", "v", "nope")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found or unavailable")
	})
}

func TestResolver_Delete(t *testing.T) {
	ctx := context.Background()

	one := newFakeBackend("one", 100)
	two := newFakeBackend("two", 25)
	one.data["k"] = "v1"
	two.data["k"] = "v2"

	r := NewResolver(one, two)
	require.NoError(t, r.Delete(ctx, "k", ""))
	assert.Empty(t, one.data)
	assert.Empty(t, two.data)

	err := r.Delete(ctx, "k", "")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestResolver_List(t *testing.T) {
	high := newFakeBackend("high", 100)
	low := newFakeBackend("low", 25)
	high.data["shared"] = "v"
	low.data["shared"] = "shadowed"
	low.data["only-low"] = "v"

	r := NewResolver(high, low)

	metas, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, metas, 2)

	byKey := make(map[string]Metadata)
	for _, m := range metas {
		byKey[m.Key] = m
	}
	assert.Equal(t, "high", byKey["shared"].Backend, "higher priority backend wins")
	assert.Equal(t, "low", byKey["only-low"].Backend)
}
