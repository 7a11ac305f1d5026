// Package grade defines the submission record and its lifecycle.
//
// A Grade carries the submitted source, exactly one set of Constraints, the
// measured Metrics and the ExecutionResult of the run that decided it. Its
// Status only moves forward: InQueue, then Processing, then one terminal
// verdict. Constraints are validated against configurable Limits and
// Features before a grade is accepted.
//
// Usage:
//
//	c := overrides.Apply(problem.Constraints)
//	if err := c.Validate(limits, features, languageID); err != nil {
//	    var verr *grade.ValidationError
//	    errors.As(err, &verr) // verr.Field names the bad field
//	}
//	g := grade.New(source, languageID, &problem.ID, nil, c, time.Now())
package grade
