package grading

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Response is the normalized result of a grading submission.
type Response struct {
	StatusCode            int
	StatusText            string
	RequestID             string
	Records               []Record
	ProcessingTimeSeconds float64
}

// Record is the service's assessment of one submitted card image.
type Record struct {
	CardImageURL    string
	Grades          Grades
	CenteringRatios CenteringRatios
}

// Grades holds the final grade and the four sub-scores.
type Grades struct {
	Final     float64
	Condition string
	Corners   float64
	Edges     float64
	Surface   float64
	Centering float64
}

// CenteringRatios are the measured border ratios, e.g. "55/45".
type CenteringRatios struct {
	LeftRight string
	TopBottom string
}

// Request is the JSON body sent to the grading endpoint.
type Request struct {
	Records []RequestRecord `json:"records"`
}

// RequestRecord carries one encoded image.
type RequestRecord struct {
	Base64 string `json:"_base64"`
}

// NewRequest builds a request with exactly one record.
func NewRequest(encoded string) Request {
	return Request{Records: []RequestRecord{{Base64: encoded}}}
}

type wireResponse struct {
	Status *struct {
		Code       *int   `json:"code"`
		Text       string `json:"text"`
		RequestID  string `json:"request_id"`
		RequiestID string `json:"requiest_id"`
	} `json:"status"`
	Records    []wireRecord `json:"records"`
	Statistics struct {
		ProcessingTime float64 `json:"processing time"`
	} `json:"statistics"`
}

type wireRecord struct {
	FullURLCard string `json:"_full_url_card"`
	Grades      struct {
		Final     float64 `json:"final"`
		Condition string  `json:"condition"`
		Corners   float64 `json:"corners"`
		Edges     float64 `json:"edges"`
		Surface   float64 `json:"surface"`
		Centering float64 `json:"centering"`
	} `json:"grades"`
	Card []struct {
		Centering struct {
			LeftRight string `json:"left/right"`
			TopBottom string `json:"top/bottom"`
		} `json:"centering"`
	} `json:"card"`
}

// ParseResponse normalizes a successful response body. Both the documented
// request_id and the misspelled requiest_id key are accepted.
func ParseResponse(body []byte) (*Response, error) {
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &MalformedResponseError{Err: err}
	}
	if wire.Status == nil || wire.Status.Code == nil {
		return nil, &MalformedResponseError{Err: errors.New("missing status code")}
	}

	resp := &Response{
		StatusCode:            *wire.Status.Code,
		StatusText:            wire.Status.Text,
		RequestID:             wire.Status.RequestID,
		ProcessingTimeSeconds: wire.Statistics.ProcessingTime,
		Records:               make([]Record, 0, len(wire.Records)),
	}
	if resp.RequestID == "" {
		resp.RequestID = wire.Status.RequiestID
	}

	for _, r := range wire.Records {
		rec := Record{
			CardImageURL: r.FullURLCard,
			Grades: Grades{
				Final:     r.Grades.Final,
				Condition: r.Grades.Condition,
				Corners:   r.Grades.Corners,
				Edges:     r.Grades.Edges,
				Surface:   r.Grades.Surface,
				Centering: r.Grades.Centering,
			},
		}
		if len(r.Card) > 0 {
			rec.CenteringRatios = CenteringRatios{
				LeftRight: r.Card[0].Centering.LeftRight,
				TopBottom: r.Card[0].Centering.TopBottom,
			}
		}
		resp.Records = append(resp.Records, rec)
	}
	return resp, nil
}

// Summary extracts the headline fields from a raw body without failing.
// The relay uses it to annotate history entries.
type Summary struct {
	RequestID             string
	FinalGrade            *float64
	Condition             string
	ProcessingTimeSeconds float64
}

// Summarize returns whatever headline fields the body carries.
func Summarize(body []byte) Summary {
	resp, err := ParseResponse(body)
	if err != nil {
		return Summary{}
	}
	s := Summary{RequestID: resp.RequestID, ProcessingTimeSeconds: resp.ProcessingTimeSeconds}
	if len(resp.Records) > 0 {
		final := resp.Records[0].Grades.Final
		s.FinalGrade = &final
		s.Condition = resp.Records[0].Grades.Condition
	}
	return s
}

// errorBody covers the shapes error responses take: the relay's own
// {"error", "details"}, the service's {"text"} / {"status": {"text"}},
// and a generic {"message"}.
type errorBody struct {
	Message string `json:"message"`
	Text    string `json:"text"`
	Error   string `json:"error"`
	Details string `json:"details"`
	Detail  string `json:"detail"`
	Status  *struct {
		Text string `json:"text"`
	} `json:"status"`
}

// UpstreamMessage returns the human-readable message carried by an error
// body, or "" when none is present.
func UpstreamMessage(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return ""
	}
	switch {
	case eb.Message != "":
		return eb.Message
	case eb.Text != "":
		return eb.Text
	case eb.Error != "" && eb.Details != "":
		return fmt.Sprintf("%s: %s", eb.Error, eb.Details)
	case eb.Error != "":
		return eb.Error
	case eb.Detail != "":
		return eb.Detail
	case eb.Status != nil && eb.Status.Text != "":
		return eb.Status.Text
	}
	return ""
}
