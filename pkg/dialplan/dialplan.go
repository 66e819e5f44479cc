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

// Package dialplan holds the extension registry consulted when routing
// transferred calls. The registry is passed explicitly at construction;
// there is no process-wide instance.
package dialplan

import "sync"

// ExternalReplaces is the extension a transfer to a non-local dialog is
// routed into. It must exist in the resolved context for such transfers
// to be accepted.
const ExternalReplaces = "external_replaces"

type Registry struct {
	mu       sync.RWMutex
	contexts map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{contexts: make(map[string]map[string]struct{})}
}

// Add registers an extension in a context. Adding an already-known
// extension is a no-op.
func (r *Registry) Add(context, exten string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.contexts[context]
	if c == nil {
		c = make(map[string]struct{})
		r.contexts[context] = c
	}
	c[exten] = struct{}{}
}

// Remove drops an extension from a context.
func (r *Registry) Remove(context, exten string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.contexts[context]; c != nil {
		delete(c, exten)
		if len(c) == 0 {
			delete(r.contexts, context)
		}
	}
}

// Exists reports whether an extension is reachable in a context.
func (r *Registry) Exists(context, exten string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.contexts[context]
	if c == nil {
		return false
	}
	_, ok := c[exten]
	return ok
}
