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

package dialplan

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.False(t, r.Exists("default", "1001"))

	r.Add("default", "1001")
	r.Add("default", "1001")
	r.Add("support", ExternalReplaces)

	require.True(t, r.Exists("default", "1001"))
	require.False(t, r.Exists("support", "1001"))
	require.True(t, r.Exists("support", ExternalReplaces))

	r.Remove("default", "1001")
	require.False(t, r.Exists("default", "1001"))
	r.Remove("default", "1001")
}
