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

const minSize = 8

// New creates an empty FIFO queue. The queue grows as needed and never
// drops elements.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		buf: make([]T, minSize),
	}
}

type Queue[T any] struct {
	buf   []T
	write int
	read  int
	full  bool
}

// Len returns the number of elements currently in the queue.
func (q *Queue[T]) Len() int {
	if q.read == q.write {
		if q.full {
			return len(q.buf)
		}
		return 0
	}
	if q.read < q.write {
		return q.write - q.read
	}
	return q.write - q.read + len(q.buf)
}

// TryPeek accesses the first element without consuming it. It returns false
// if the queue is empty.
func (q *Queue[T]) TryPeek() (T, bool) {
	if !q.full && q.read == q.write {
		var zero T
		return zero, false
	}
	return q.buf[q.read], true
}

// TryPop returns the first element and consumes it. It returns false if the
// queue is empty.
func (q *Queue[T]) TryPop() (T, bool) {
	if !q.full && q.read == q.write {
		var zero T
		return zero, false
	}
	q.full = false
	v := q.buf[q.read]
	var zero T
	q.buf[q.read] = zero
	q.read = (q.read + 1) % len(q.buf)
	return v, true
}

// Push adds an element to the end of the queue, growing the underlying
// buffer if it is full.
func (q *Queue[T]) Push(v T) {
	if q.full {
		q.grow()
	}
	q.buf[q.write] = v
	q.write = (q.write + 1) % len(q.buf)
	q.full = q.write == q.read
}

func (q *Queue[T]) grow() {
	buf := make([]T, len(q.buf)*2)
	n := copy(buf, q.buf[q.read:])
	n += copy(buf[n:], q.buf[:q.write])
	q.buf = buf
	q.read = 0
	q.write = n
	q.full = false
}
