// Copyright 2024 The referd authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sip

import (
	"github.com/emiago/sipgo/sip"

	"github.com/sipcore/referd/pkg/channel"
)

// AugmentOutgoingInvite copies a Replaces value stored on the originating
// channel onto the outgoing INVITE. External attended transfers stash the
// header there so the far end can complete the replacement.
func AugmentOutgoingInvite(ch *channel.Channel, req *sip.Request) {
	if ch == nil || req == nil || req.Method != sip.INVITE {
		return
	}
	v := ch.Variable(varReplacesHdr)
	if v == "" || req.GetHeader("Replaces") != nil {
		return
	}
	req.AppendHeader(sip.NewHeader("Replaces", v))
}
