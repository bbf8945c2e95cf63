package types

// Placeholder identity used when the lead lookup fails or times out
const (
	DefaultCandidateName = "Candidate"
	DefaultPhoneNo       = "Unknown"
)

// Lead is the candidate record the dialer pushed for a call
type Lead struct {
	CallID      string `json:"unique_id"`
	Name        string `json:"field_1"`
	SecondaryID string `json:"field_2"`
	Phone       string `json:"field_3"`
}

// LiveAgent is a human agent reported ready by the dialer
type LiveAgent struct {
	User string `json:"user"`
	Ext  string `json:"ext"`
}

// HotLead is the payload handed to the lead-management escalation endpoint
type HotLead struct {
	CallID    string
	FirstName string
	Phone     string
}
