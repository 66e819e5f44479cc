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
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/require"
)

const testOffer = "v=0\r\n" +
	"o=alice 2890844526 2890844526 IN IP4 198.51.100.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 198.51.100.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 0 101\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n"

func TestAnswerSDP(t *testing.T) {
	body, err := answerSDP([]byte(testOffer))
	require.NoError(t, err)

	answer := sdp.SessionDescription{}
	require.NoError(t, answer.Unmarshal(body))

	require.Equal(t, "referd", string(answer.SessionName))
	require.NotNil(t, answer.ConnectionInformation)
	require.Equal(t, "198.51.100.1", answer.ConnectionInformation.Address.Address)
	require.Len(t, answer.MediaDescriptions, 1)
	m := answer.MediaDescriptions[0]
	require.Equal(t, "audio", m.MediaName.Media)
	require.Equal(t, 49170, m.MediaName.Port.Value)
	require.Equal(t, []string{"0", "101"}, m.MediaName.Formats)
}

func TestAnswerSDPErrors(t *testing.T) {
	_, err := answerSDP(nil)
	require.Error(t, err)

	_, err = answerSDP([]byte("not sdp"))
	require.Error(t, err)

	// An offer with no audio stream cannot be answered.
	noAudio := "v=0\r\n" +
		"o=alice 1 1 IN IP4 198.51.100.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 198.51.100.1\r\n" +
		"t=0 0\r\n" +
		"m=video 5004 RTP/AVP 96\r\n" +
		"a=rtpmap:96 VP8/90000\r\n"
	_, err = answerSDP([]byte(noAudio))
	require.Error(t, err)
}
