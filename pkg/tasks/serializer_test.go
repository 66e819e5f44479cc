// Copyright 2024 The referd authors
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

package tasks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSerializerOrder(t *testing.T) {
	s := NewSerializer("test", nil)
	defer s.Close()

	const n = 200
	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		require.NoError(t, s.SubmitAsync(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			wg.Done()
		}))
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		require.Equal(t, i, got[i])
	}
}

func TestSerializerSubmitSync(t *testing.T) {
	s := NewSerializer("test", nil)
	defer s.Close()

	ran := false
	err := s.SubmitSync(context.Background(), func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
}

func TestSerializerSubmitSyncSelfDeadlock(t *testing.T) {
	s := NewSerializer("test", nil)
	defer s.Close()

	errCh := make(chan error, 1)
	require.NoError(t, s.SubmitAsync(func() {
		errCh <- s.SubmitSync(context.Background(), func() error { return nil })
	}))
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrWouldDeadlock)
	case <-time.After(5 * time.Second):
		t.Fatal("self submit was not detected")
	}
}

func TestSerializerCloseDrains(t *testing.T) {
	s := NewSerializer("test", nil)

	var mu sync.Mutex
	count := 0
	for i := 0; i < 50; i++ {
		require.NoError(t, s.SubmitAsync(func() {
			mu.Lock()
			count++
			mu.Unlock()
		}))
	}
	s.Close()
	require.Equal(t, 50, count)
	require.ErrorIs(t, s.SubmitAsync(func() {}), ErrClosed)
}

func TestSerializerSubmitSyncContext(t *testing.T) {
	s := NewSerializer("test", nil)
	defer s.Close()

	block := make(chan struct{})
	require.NoError(t, s.SubmitAsync(func() { <-block }))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.SubmitSync(ctx, func() error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(block)
}
