package graph

import (
	"fmt"
	"regexp"
)

// WriteForbiddenError rejects a user query that contains write clauses.
type WriteForbiddenError struct {
	Clause string
}

func (e *WriteForbiddenError) Error() string {
	return fmt.Sprintf("query contains forbidden write clause %q: only read queries are allowed", e.Clause)
}

var (
	lineCommentRe  = regexp.MustCompile(`//[^\n]*`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)

	// Write clauses are matched on word boundaries so property names like
	// "description" or "last_set" pass through untouched.
	writeClauseRe = regexp.MustCompile(`(?i)\b(CREATE|MERGE|DELETE|DETACH|REMOVE|SET|DROP)\b`)
	dbProcRe      = regexp.MustCompile(`(?i)\bCALL\s+db\.`)
)

// EnsureReadOnly returns a WriteForbiddenError if the Cypher query contains a
// clause that would mutate the graph. Comments are stripped first so write
// keywords cannot hide in them and commented-out clauses do not trip the check.
func EnsureReadOnly(query string) error {
	stripped := blockCommentRe.ReplaceAllString(query, " ")
	stripped = lineCommentRe.ReplaceAllString(stripped, " ")

	if m := writeClauseRe.FindString(stripped); m != "" {
		return &WriteForbiddenError{Clause: m}
	}
	if m := dbProcRe.FindString(stripped); m != "" {
		return &WriteForbiddenError{Clause: m}
	}
	return nil
}
