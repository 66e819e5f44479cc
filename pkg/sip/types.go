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
	"errors"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/livekit/protocol/logger"
)

type Headers []sip.Header

func (h Headers) GetHeader(name string) sip.Header {
	name = strings.ToLower(name)
	for _, kv := range h {
		if strings.ToLower(kv.Name()) == name {
			return kv
		}
	}
	return nil
}

type Transport string

const (
	TransportUDP = Transport("udp")
	TransportTCP = Transport("tcp")
	TransportTLS = Transport("tls")
)

// LocalTag is the tag this endpoint generated for a dialog, RemoteTag the one
// the peer generated. A dialog is identified by (callID, localTag, remoteTag).
type LocalTag string
type RemoteTag string

func getFromTag(r *sip.Request) (RemoteTag, error) {
	from := r.From()
	if from == nil {
		return "", errors.New("no From on Request")
	}
	tag, ok := from.Params.Get("tag")
	if !ok || tag == "" {
		return "", errors.New("no tag in From on Request")
	}
	return RemoteTag(tag), nil
}

func getToTag(r *sip.Request) (LocalTag, error) {
	to := r.To()
	if to == nil {
		return "", errors.New("no To on Request")
	}
	tag, ok := to.Params.Get("tag")
	if !ok || tag == "" {
		return "", errors.New("no tag in To on Request")
	}
	return LocalTag(tag), nil
}

func LoggerWithParams(log logger.Logger, c Signaling) logger.Logger {
	if a := c.From(); a.Host != "" {
		log = log.WithValues("fromHost", a.Host, "fromUser", a.User)
	}
	if a := c.To(); a.Host != "" {
		log = log.WithValues("toHost", a.Host, "toUser", a.User)
	}
	if tag := c.Tag(); tag != "" {
		log = log.WithValues("sipTag", tag)
	}
	if cid := c.CallID(); cid != "" {
		log = log.WithValues("sipCallID", cid)
	}
	return log
}
