package telephony

import (
	"bytes"
	"encoding/xml"
)

// SayVoice is the synthesized voice used for every <Say>.
const SayVoice = "Polly.Joanna"

// Response is a TwiML document under construction. Verbs render in the order
// they were added.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type Say struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

type Parameter struct {
	XMLName xml.Name `xml:"Parameter"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:"value,attr"`
}

type Stream struct {
	XMLName    xml.Name    `xml:"Stream"`
	URL        string      `xml:"url,attr"`
	Parameters []Parameter `xml:"Parameter"`
}

type Connect struct {
	XMLName xml.Name `xml:"Connect"`
	Stream  Stream   `xml:"Stream"`
}

type Gather struct {
	XMLName   xml.Name `xml:"Gather"`
	NumDigits int      `xml:"numDigits,attr,omitempty"`
	Action    string   `xml:"action,attr,omitempty"`
	Method    string   `xml:"method,attr,omitempty"`
	Timeout   int      `xml:"timeout,attr,omitempty"`
	Prompts   []Say    `xml:"Say"`
}

type Redirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

type Dial struct {
	XMLName xml.Name `xml:"Dial"`
	Number  string   `xml:"Number"`
}

type Record struct {
	XMLName                 xml.Name `xml:"Record"`
	MaxLength               int      `xml:"maxLength,attr,omitempty"`
	PlayBeep                bool     `xml:"playBeep,attr"`
	RecordingStatusCallback string   `xml:"recordingStatusCallback,attr,omitempty"`
}

type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

func (r *Response) Say(text, language string) *Response {
	r.Verbs = append(r.Verbs, Say{Voice: SayVoice, Language: language, Text: text})
	return r
}

// ConnectStream bridges the call audio to a media stream websocket.
func (r *Response) ConnectStream(url string, params ...Parameter) *Response {
	r.Verbs = append(r.Verbs, Connect{Stream: Stream{URL: url, Parameters: params}})
	return r
}

func (r *Response) Gather(g Gather) *Response {
	r.Verbs = append(r.Verbs, g)
	return r
}

func (r *Response) Redirect(url string) *Response {
	r.Verbs = append(r.Verbs, Redirect{Method: "POST", URL: url})
	return r
}

func (r *Response) Dial(number string) *Response {
	r.Verbs = append(r.Verbs, Dial{Number: number})
	return r
}

func (r *Response) Record(maxLength int, statusCallback string) *Response {
	r.Verbs = append(r.Verbs, Record{MaxLength: maxLength, PlayBeep: true, RecordingStatusCallback: statusCallback})
	return r
}

func (r *Response) Hangup() *Response {
	r.Verbs = append(r.Verbs, Hangup{})
	return r
}

// Render encodes the document with the XML header.
func (r *Response) Render() (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
