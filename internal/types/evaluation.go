package types

// Sentiment values the evaluator is asked to use
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

// Evaluation is the structured result of the post-call audio evaluation
type Evaluation struct {
	Sentiment      string  `json:"sentiment" bson:"sentiment" dynamodbav:"Sentiment"`
	InterestLevel  float64 `json:"interestLevel" bson:"interest_level" dynamodbav:"InterestLevel"` // 0-10
	Outcome        string  `json:"outcome" bson:"outcome" dynamodbav:"Outcome"`
	Summary        string  `json:"summary" bson:"summary" dynamodbav:"Summary"`
	Recommendation string  `json:"recommendation" bson:"recommendation" dynamodbav:"Recommendation"`
}

// HotLead reports whether the candidate crosses the escalation threshold:
// interest >= 7, or positive sentiment with interest >= 5
func (e *Evaluation) HotLead() bool {
	if e == nil {
		return false
	}
	if e.InterestLevel >= 7 {
		return true
	}
	return e.Sentiment == SentimentPositive && e.InterestLevel >= 5
}
