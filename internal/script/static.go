package script

import (
	"context"

	"github.com/greettech/recruitcall/internal/types"
)

// StaticRepository serves a fixed set of steps
type StaticRepository struct {
	Steps []types.ScriptStep
}

func (r StaticRepository) Load(_ context.Context) (*Script, error) {
	return New(r.Steps), nil
}

// DefaultSteps is the stock recruitment script
var DefaultSteps = []types.ScriptStep{
	{Index: 1, Text: "Hi, may I speak with {{candidate_name}}?"},
	{Index: 2, Text: "Great! I'm calling from the recruitment team about an opening we think matches your profile. Do you have a couple of minutes to talk?"},
	{Index: 3, Text: "Thanks. Are you currently working, or are you open to new opportunities right now?"},
	{Index: 4, Text: "What kind of role are you looking for next?"},
	{Index: 5, Text: "How many years of experience do you have in that area?"},
	{Index: 6, Text: "The position is full time. Would that work for you?"},
	{Index: 7, Text: "Are you comfortable working from our office, or do you need a remote arrangement?"},
	{Index: 8, Text: "What are your salary expectations for this role?"},
	{Index: 9, Text: "How soon would you be able to start if selected?"},
	{Index: 10, Text: "Do you have any questions about the role or the company so far?"},
	{Index: 11, Text: "Would you like me to connect you with one of our specialists to discuss the next steps?"},
	{Index: 12, Text: "Is this the best number to reach you on, {{candidate_name}}?"},
	{Index: 13, Text: "Perfect. We'll follow up with the details shortly."},
	{Index: 14, Text: "Thank you for your time today, {{candidate_name}}. Have a great day!"},
}
