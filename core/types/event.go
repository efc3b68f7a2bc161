package types

// Event is the structured record a settlement operation emits once it has
// committed: a type tag plus string attributes naming the escrow, amounts and
// accounts involved.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
