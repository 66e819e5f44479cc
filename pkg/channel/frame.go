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

package channel

import "github.com/pion/rtp"

// Type is the coarse frame kind flowing through a channel.
type Type int

const (
	FrameVoice = Type(iota + 1)
	FrameControl
)

// ControlKind is the subclass of a control frame.
type ControlKind int

const (
	ControlNone = ControlKind(iota)
	ControlRing
	ControlRinging
	ControlBusy
	ControlCongestion
	ControlProgress
	ControlProceeding
	ControlAnswer
	ControlHangup
)

func (k ControlKind) String() string {
	switch k {
	case ControlRing:
		return "ring"
	case ControlRinging:
		return "ringing"
	case ControlBusy:
		return "busy"
	case ControlCongestion:
		return "congestion"
	case ControlProgress:
		return "progress"
	case ControlProceeding:
		return "proceeding"
	case ControlAnswer:
		return "answer"
	case ControlHangup:
		return "hangup"
	}
	return "none"
}

type Frame struct {
	Type    Type
	Control ControlKind
	Payload []byte
}

func NewVoiceFrame(payload []byte) *Frame {
	return &Frame{Type: FrameVoice, Payload: payload}
}

func NewControlFrame(kind ControlKind) *Frame {
	return &Frame{Type: FrameControl, Control: kind}
}

// VoiceFromRTP wraps an RTP packet's payload as a voice frame.
func VoiceFromRTP(p *rtp.Packet) *Frame {
	return NewVoiceFrame(p.Payload)
}
