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
	"fmt"

	"github.com/pion/sdp/v3"
)

const sampleRate = 8000

func sdpMediaDesc(rtpListenerPort int) []*sdp.MediaDescription {
	return []*sdp.MediaDescription{
		{
			MediaName: sdp.MediaName{
				Media:   "audio",
				Port:    sdp.RangedPort{Value: rtpListenerPort},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{"0", "101"},
			},
			Attributes: []sdp.Attribute{
				{Key: "rtpmap", Value: fmt.Sprintf("0 PCMU/%d", sampleRate)},
				{Key: "rtpmap", Value: fmt.Sprintf("101 telephone-event/%d", sampleRate)},
				{Key: "fmtp", Value: "101 0-16"},
				{Key: "ptime", Value: "20"},
				{Key: "sendrecv"},
			},
		},
	}
}

// answerSDP parses an SDP offer and produces a matching PCMU answer. The
// media address is taken from the offer since this endpoint only relays
// signaling state.
func answerSDP(offerBody []byte) ([]byte, error) {
	if len(offerBody) == 0 {
		return nil, fmt.Errorf("no SDP offer")
	}
	offer := sdp.SessionDescription{}
	if err := offer.Unmarshal(offerBody); err != nil {
		return nil, fmt.Errorf("cannot parse SDP offer: %w", err)
	}
	addr := "127.0.0.1"
	if offer.ConnectionInformation != nil && offer.ConnectionInformation.Address != nil {
		addr = offer.ConnectionInformation.Address.Address
	}
	port := 0
	for _, m := range offer.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			port = m.MediaName.Port.Value
			break
		}
	}
	if port == 0 {
		return nil, fmt.Errorf("no audio media in SDP offer")
	}

	answer := sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      offer.Origin.SessionID,
			SessionVersion: offer.Origin.SessionID + 2,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "referd",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: addr},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{
				Timing: sdp.Timing{
					StartTime: 0,
					StopTime:  0,
				},
			},
		},
		MediaDescriptions: sdpMediaDesc(port),
	}
	return answer.Marshal()
}
