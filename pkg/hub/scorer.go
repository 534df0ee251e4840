package hub

import (
	"bytes"
	"strings"

	"github.com/daviddao/persona/pkg/model"
	"github.com/daviddao/persona/pkg/persona"
	"github.com/daviddao/persona/pkg/scheduler"
)

// InterestScorer scores like persona.Confidence and adds boost when the
// payload mentions any of interests, ignoring case. The result stays in
// [0,1].
func InterestScorer(interests []string, boost float64) scheduler.Scorer {
	needles := make([][]byte, 0, len(interests))
	for _, s := range interests {
		if s = strings.TrimSpace(s); s != "" {
			needles = append(needles, []byte(strings.ToLower(s)))
		}
	}
	return func(msg model.Message, st model.PersonaState) float64 {
		score := persona.Confidence(msg, st)
		if len(needles) == 0 {
			return score
		}
		body := bytes.ToLower(msg.Payload)
		for _, n := range needles {
			if bytes.Contains(body, n) {
				return min(score+boost, 1)
			}
		}
		return score
	}
}
