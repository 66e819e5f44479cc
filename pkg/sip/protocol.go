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
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// Signaling is the in-dialog transport used for transfer progress
// notifications. Tests substitute their own implementation.
type Signaling interface {
	From() sip.Uri
	To() sip.Uri
	ID() LocalTag
	Tag() RemoteTag
	CallID() string
	RemoteHeaders() Headers

	WriteRequest(req *sip.Request) error
	Transaction(req *sip.Request) (sip.ClientTransaction, error)

	Drop()
}

// Responder answers a single server transaction. sip.ServerTransaction
// satisfies it.
type Responder interface {
	Respond(res *sip.Response) error
}

func sipResponse(tx sip.ClientTransaction) (*sip.Response, error) {
	cnt := 0
	for {
		select {
		case <-tx.Done():
			return nil, fmt.Errorf("transaction failed to complete (%d intermediate responses)", cnt)
		case res := <-tx.Responses():
			switch res.StatusCode {
			default:
				return res, nil
			case 100, 180, 183:
				// continue
				cnt++
			}
		}
	}
}

func sendBye(c Signaling, bye *sip.Request) {
	tx, err := c.Transaction(bye)
	if err != nil {
		// Best effort: fire the BYE without waiting on the transaction.
		_ = c.WriteRequest(bye)
		return
	}
	defer tx.Terminate()
	_, _ = sipResponse(tx)
}

var reasonPhrases = map[int]string{
	100: "Trying",
	180: "Ringing",
	183: "Session Progress",
	200: "OK",
	202: "Accepted",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	481: "Call/Transaction Does Not Exist",
	486: "Busy Here",
	500: "Internal Server Error",
	503: "Service Unavailable",
	603: "Decline",
}

func reasonPhrase(code int) string {
	if r, ok := reasonPhrases[code]; ok {
		return r
	}
	switch {
	case code < 200:
		return "Trying"
	case code < 300:
		return "OK"
	case code < 500:
		return "Client Error"
	case code < 600:
		return "Server Error"
	}
	return "Global Failure"
}

// sipFrag renders a single status line body for a refer-event NOTIFY.
func sipFrag(code int) string {
	return fmt.Sprintf("SIP/2.0 %d %s\r\n", code, reasonPhrase(code))
}

// parseSIPFrag extracts the status code from a message/sipfrag body.
func parseSIPFrag(body string) (int, error) {
	line, _, _ := strings.Cut(body, "\r\n")
	line = strings.TrimSpace(line)
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || parts[0] != "SIP/2.0" {
		return 0, fmt.Errorf("malformed sipfrag status line %q", line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("malformed sipfrag status code %q", parts[1])
	}
	return code, nil
}

// SubscriptionState is the value of the Subscription-State header on a
// refer-event NOTIFY.
type SubscriptionState int

const (
	SubStateActive = SubscriptionState(iota)
	SubStateTerminated
)

func (s SubscriptionState) String() string {
	if s == SubStateTerminated {
		return "terminated"
	}
	return "active"
}

func (s SubscriptionState) headerValue() string {
	if s == SubStateTerminated {
		return "terminated;reason=noresource"
	}
	return "active"
}

// newNotifyRequest builds an in-dialog refer-event NOTIFY carrying the given
// status as a sipfrag body. eventID is the CSeq number of the REFER that
// created the subscription.
func newNotifyRequest(target sip.Uri, eventID uint32, state SubscriptionState, code int) *sip.Request {
	req := sip.NewRequest(sip.NOTIFY, target)
	req.AppendHeader(sip.NewHeader("Event", fmt.Sprintf("refer;id=%d", eventID)))
	req.AppendHeader(sip.NewHeader("Subscription-State", state.headerValue()))
	req.AppendHeader(sip.NewHeader("Content-Type", "message/sipfrag;version=2.0"))
	body := []byte(sipFrag(code))
	req.SetBody(body)
	return req
}

// handleNotify parses an incoming refer-event NOTIFY reporting the progress
// of a transfer this endpoint requested.
func handleNotify(req *sip.Request) (eventID uint32, code int, err error) {
	ev := req.GetHeader("Event")
	if ev == nil {
		return 0, 0, fmt.Errorf("no Event header on NOTIFY")
	}
	name, params, _ := strings.Cut(strings.TrimSpace(ev.Value()), ";")
	if !strings.EqualFold(name, "refer") {
		return 0, 0, fmt.Errorf("unexpected event %q on NOTIFY", name)
	}
	for _, p := range strings.Split(params, ";") {
		if k, v, ok := strings.Cut(p, "="); ok && strings.EqualFold(k, "id") {
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return 0, 0, fmt.Errorf("malformed event id %q", v)
			}
			eventID = uint32(n)
		}
	}
	code, err = parseSIPFrag(string(req.Body()))
	if err != nil {
		return 0, 0, err
	}
	return eventID, code, nil
}

// ReplacesInfo identifies the dialog an attended transfer or an
// INVITE-with-Replaces targets.
type ReplacesInfo struct {
	CallID    string
	ToTag     string
	FromTag   string
	EarlyOnly bool
}

// ParseReplaces parses a Replaces header or URI parameter value of the form
// "callid;to-tag=x;from-tag=y[;early-only]".
func ParseReplaces(value string) (*ReplacesInfo, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("empty Replaces value")
	}
	parts := strings.Split(value, ";")
	r := &ReplacesInfo{CallID: strings.TrimSpace(parts[0])}
	if r.CallID == "" {
		return nil, fmt.Errorf("no call ID in Replaces value %q", value)
	}
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		k, v, _ := strings.Cut(p, "=")
		switch strings.ToLower(k) {
		case "to-tag":
			r.ToTag = v
		case "from-tag":
			r.FromTag = v
		case "early-only":
			r.EarlyOnly = true
		}
	}
	if r.ToTag == "" || r.FromTag == "" {
		return nil, fmt.Errorf("missing tags in Replaces value %q", value)
	}
	return r, nil
}

func (r *ReplacesInfo) String() string {
	s := fmt.Sprintf("%s;to-tag=%s;from-tag=%s", r.CallID, r.ToTag, r.FromTag)
	if r.EarlyOnly {
		s += ";early-only"
	}
	return s
}

// parseReferTo splits a Refer-To value into its target URI and an optional
// embedded Replaces header. The value may be enclosed in angle brackets and
// the URI may carry ?-escaped headers.
func parseReferTo(value string) (uri sip.Uri, replaces string, err error) {
	value = strings.TrimSpace(value)
	if i := strings.IndexByte(value, '<'); i >= 0 {
		j := strings.LastIndexByte(value, '>')
		if j < i {
			return uri, "", fmt.Errorf("unbalanced brackets in Refer-To %q", value)
		}
		value = value[i+1 : j]
	}
	var hdrPart string
	if i := strings.IndexByte(value, '?'); i >= 0 {
		hdrPart = value[i+1:]
		value = value[:i]
	}
	if err = sip.ParseUri(value, &uri); err != nil {
		return uri, "", fmt.Errorf("cannot parse Refer-To target %q: %w", value, err)
	}
	for _, kv := range strings.Split(hdrPart, "&") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if strings.EqualFold(k, "Replaces") {
			replaces = unescapeHeaderValue(v)
		}
	}
	return uri, replaces, nil
}

func unescapeHeaderValue(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if hi, err1 := strconv.ParseUint(s[i+1:i+3], 16, 8); err1 == nil {
				b.WriteByte(byte(hi))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
