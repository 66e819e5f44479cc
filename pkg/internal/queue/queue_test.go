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

package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueueOrder(t *testing.T) {
	q := New[int]()
	_, ok := q.TryPop()
	require.False(t, ok)
	for i := 0; i < 100; i++ {
		q.Push(i)
	}
	require.Equal(t, 100, q.Len())
	v, ok := q.TryPeek()
	require.True(t, ok)
	require.Equal(t, 0, v)
	for i := 0; i < 100; i++ {
		v, ok := q.TryPop()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	require.Equal(t, 0, q.Len())
}

func TestQueueGrowWrapped(t *testing.T) {
	q := New[int]()
	// Wrap the read pointer before forcing growth.
	for i := 0; i < minSize; i++ {
		q.Push(i)
	}
	for i := 0; i < minSize/2; i++ {
		_, _ = q.TryPop()
	}
	for i := minSize; i < minSize*4; i++ {
		q.Push(i)
	}
	require.Equal(t, minSize*4-minSize/2, q.Len())
	for i := minSize / 2; i < minSize*4; i++ {
		v, ok := q.TryPop()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
}
