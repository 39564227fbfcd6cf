// Package telephony dials outbound calls through the Twilio REST API and
// builds the TwiML documents that steer them.
package telephony

import (
	"encoding/xml"
	"regexp"

	"github.com/voxdial/voxdial/pkg/core"
)

var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidateE164 checks a dial target before any provider traffic is sent.
func ValidateE164(number string) error {
	if !e164.MatchString(number) {
		return core.NewInvalidDestination(number)
	}
	return nil
}

type twiml struct {
	XMLName xml.Name     `xml:"Response"`
	Say     []say        `xml:"Say,omitempty"`
	Connect *connectVerb `xml:"Connect,omitempty"`
	Hangup  *struct{}    `xml:"Hangup,omitempty"`
}

type say struct {
	Voice string `xml:"voice,attr,omitempty"`
	Text  string `xml:",chardata"`
}

type connectVerb struct {
	Stream streamNoun `xml:"Stream"`
}

type streamNoun struct {
	URL string `xml:"url,attr"`
}

func render(doc twiml) string {
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		// All fields are strings; marshaling cannot fail in practice.
		return xml.Header + "<Response/>"
	}
	return xml.Header + string(out)
}

// StreamDocument answers a ringing call by opening a bidirectional media
// stream to mediaURL (wss). Twilio holds the call open for the stream's
// lifetime. A non-empty greeting is spoken before the stream opens.
func StreamDocument(mediaURL, greeting string) string {
	doc := twiml{Connect: &connectVerb{Stream: streamNoun{URL: mediaURL}}}
	if greeting != "" {
		doc.Say = []say{{Voice: "alice", Text: greeting}}
	}
	return render(doc)
}

// FallbackDocument speaks a scripted line and hangs up. Used when the call
// context is gone or was never created for this token.
func FallbackDocument(line string) string {
	return render(twiml{
		Say:    []say{{Voice: "alice", Text: line}},
		Hangup: &struct{}{},
	})
}

// UnavailableDocument apologizes and hangs up. Used when the AI backend
// cannot be reached for a known call.
func UnavailableDocument() string {
	return FallbackDocument("We are sorry, the assistant is unavailable right now. Please try again later.")
}
