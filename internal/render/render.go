// Package render projects grading responses into display-ready values.
package render

import (
	"strconv"
	"strings"

	"github.com/example/card-grader/internal/grading"
)

// DisplayModel is what a results view shows. Empty is true when the
// response carried no records; every other field is then zero.
type DisplayModel struct {
	Empty                 bool
	FinalGrade            float64
	Condition             string
	Corners               float64
	Edges                 float64
	Surface               float64
	Centering             float64
	CenteringLeftRight    string
	CenteringTopBottom    string
	ProcessingTimeSeconds float64
	CardImageURL          string
}

// Render maps the first record of resp. It never fails.
func Render(resp *grading.Response) DisplayModel {
	if resp == nil || len(resp.Records) == 0 {
		m := DisplayModel{Empty: true}
		if resp != nil {
			m.ProcessingTimeSeconds = resp.ProcessingTimeSeconds
		}
		return m
	}
	rec := resp.Records[0]
	return DisplayModel{
		FinalGrade:            rec.Grades.Final,
		Condition:             rec.Grades.Condition,
		Corners:               rec.Grades.Corners,
		Edges:                 rec.Grades.Edges,
		Surface:               rec.Grades.Surface,
		Centering:             rec.Grades.Centering,
		CenteringLeftRight:    rec.CenteringRatios.LeftRight,
		CenteringTopBottom:    rec.CenteringRatios.TopBottom,
		ProcessingTimeSeconds: resp.ProcessingTimeSeconds,
		CardImageURL:          rec.CardImageURL,
	}
}

// Text renders the model as a terminal block.
func (m DisplayModel) Text() string {
	var b strings.Builder
	b.WriteString("Grading Results\n")
	if m.Empty {
		b.WriteString("No grading records were returned.\n")
		return b.String()
	}
	if m.CardImageURL != "" {
		b.WriteString("Graded Card: " + m.CardImageURL + "\n")
	}
	b.WriteString("Final Grade: " + num(m.FinalGrade) + "\n")
	b.WriteString("Condition: " + m.Condition + "\n")
	b.WriteString("  Corners: " + num(m.Corners) + "\n")
	b.WriteString("  Edges: " + num(m.Edges) + "\n")
	b.WriteString("  Surface: " + num(m.Surface) + "\n")
	b.WriteString("  Centering: " + num(m.Centering) + "\n")
	if m.CenteringLeftRight != "" || m.CenteringTopBottom != "" {
		b.WriteString("Centering: Left/Right " + m.CenteringLeftRight + ", Top/Bottom " + m.CenteringTopBottom + "\n")
	}
	b.WriteString("Processed in " + num(m.ProcessingTimeSeconds) + " seconds\n")
	return b.String()
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
