package session

import (
	"fmt"
	"strings"

	"sipsearch-server/pkg/errors"

	sipparser "github.com/emiago/sipgo/sip"
)

// Headers carries the decoded identifiers of one SIP message. Parsed is
// false when the payload could not be decoded, in which case only the raw
// payload is meaningful.
type Headers struct {
	Parsed     bool   `json:"parsed"`
	Method     string `json:"method,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	RequestURI string `json:"request_uri,omitempty"`
	CallID     string `json:"call_id,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	CSeq       string `json:"cseq,omitempty"`
	Branch     string `json:"branch,omitempty"`
}

// TransactionID derives a transaction key from the top Via branch and the
// CSeq line.
func (h Headers) TransactionID() string {
	if !h.Parsed {
		return ""
	}
	return h.Branch + "|" + strings.ReplaceAll(h.CSeq, " ", ":")
}

type decoder struct {
	parser *sipparser.Parser
}

func newDecoder() *decoder {
	return &decoder{parser: sipparser.NewParser()}
}

// decode extracts the session-relevant headers from one raw SIP payload.
func (d *decoder) decode(raw string) (Headers, error) {
	if strings.TrimSpace(raw) == "" {
		return Headers{}, errors.NewInvalidSIP("empty payload")
	}

	msg, err := d.parser.ParseSIP([]byte(raw))
	if err != nil {
		return Headers{}, errors.Wrap(err, "failed to parse SIP payload")
	}

	out := Headers{Parsed: true}
	switch m := msg.(type) {
	case *sipparser.Request:
		out.Method = string(m.Method)
		out.RequestURI = m.Recipient.String()
	case *sipparser.Response:
		out.Method = fmt.Sprintf("%d %s", m.StatusCode, m.Reason)
		out.StatusCode = int(m.StatusCode)
	}

	if callID := msg.CallID(); callID != nil {
		out.CallID = callID.Value()
	}
	if from := msg.From(); from != nil {
		out.From = from.Address.String()
	}
	if to := msg.To(); to != nil {
		out.To = to.Address.String()
	}
	if cseq := msg.CSeq(); cseq != nil {
		out.CSeq = cseq.Value()
	}
	if via := msg.Via(); via != nil && via.Params != nil {
		if branch, ok := via.Params.Get("branch"); ok {
			out.Branch = branch
		}
	}
	return out, nil
}
