package ir

// Plan is the describe-only preview of a unit's pipeline.
type Plan struct {
	Unit    string    `json:"unit"`
	Changes []*Change `json:"changes"`
	Summary Summary   `json:"summary"`
}

// Change is the predicted effect of one pipeline step.
type Change struct {
	Index  int    `json:"index"`
	Step   string `json:"step"`
	Key    Key    `json:"key"`
	Action string `json:"action"` // "create", "reuse", "update", "attach", "wait", "delete", "noop"
	Status string `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`
}

type Summary struct {
	Create int `json:"create"`
	Reuse  int `json:"reuse"`
	Update int `json:"update"`
	Delete int `json:"delete"`
	Other  int `json:"other"`
}

// Add appends c and updates the summary counts.
func (p *Plan) Add(c *Change) {
	p.Changes = append(p.Changes, c)
	switch c.Action {
	case "create":
		p.Summary.Create++
	case "reuse":
		p.Summary.Reuse++
	case "update":
		p.Summary.Update++
	case "delete":
		p.Summary.Delete++
	default:
		p.Summary.Other++
	}
}
