package types

// ScriptStep is one scripted line of the recruitment conversation
type ScriptStep struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
	Next  int    `json:"next,omitempty"` // 0 means index+1
}
