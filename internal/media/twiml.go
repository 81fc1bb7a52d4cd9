package media

import (
	"encoding/xml"
	"fmt"
)

// AuthTokenParameter is the custom stream parameter carrying the token
// issued by the voice webhook.
const AuthTokenParameter = "auth_token"

type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
	Say     string        `xml:"Say,omitempty"`
	Hangup  *struct{}     `xml:"Hangup,omitempty"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// StreamInstruction renders the webhook reply that connects the call to the
// media stream at streamURL, passing token as the auth_token parameter.
func StreamInstruction(streamURL, token string) ([]byte, error) {
	return render(twimlResponse{
		Connect: &twimlConnect{Stream: twimlStream{
			URL:        streamURL,
			Parameters: []twimlParameter{{Name: AuthTokenParameter, Value: token}},
		}},
	})
}

// SayAndHangup renders a webhook reply that speaks message and ends the call.
func SayAndHangup(message string) ([]byte, error) {
	return render(twimlResponse{Say: message, Hangup: &struct{}{}})
}

func render(r twimlResponse) ([]byte, error) {
	body, err := xml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("media: render twiml: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
