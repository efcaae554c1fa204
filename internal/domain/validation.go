package domain

// Violation records a single validator or rule finding. Source carries the
// rule id or validator name so failure output is reproducible.
type Violation struct {
	Source      string           `json:"source"`
	Enforcement EnforcementLevel `json:"enforcement_level" enum:"block,limit,guide"`
	Message     string           `json:"message"`
	Hint        string           `json:"hint,omitempty"`
}

// ValidationResult accumulates violations across pipeline stages. Valid stays
// true as long as no block-level violation has been added; limit and guide
// findings are advisory.
type ValidationResult struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations,omitempty"`
}

func NewValidationResult() ValidationResult {
	return ValidationResult{Valid: true}
}

func (r *ValidationResult) Add(v Violation) {
	r.Violations = append(r.Violations, v)
	if v.Enforcement == EnforceBlock {
		r.Valid = false
	}
}

// Merge appends all violations from other, recomputing Valid.
func (r *ValidationResult) Merge(other ValidationResult) {
	for _, v := range other.Violations {
		r.Add(v)
	}
}

// Blocking returns the block-level violations only.
func (r ValidationResult) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Enforcement == EnforceBlock {
			out = append(out, v)
		}
	}
	return out
}

// Warnings returns the advisory (limit/guide) violations only.
func (r ValidationResult) Warnings() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Enforcement != EnforceBlock {
			out = append(out, v)
		}
	}
	return out
}
