package intercom

import (
	"errors"
)

// ErrMissingTeamID is returned by query builders when no target team inbox
// was supplied. Searching without one would match the whole workspace.
var ErrMissingTeamID = errors.New("team ID is required")

// Condition is one field comparison in a search query.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// Query is the boolean filter POSTed to a search endpoint. The engine treats
// it as opaque; only the remote service interprets it.
type Query struct {
	Operator string      `json:"operator"`
	Value    []Condition `json:"value"`
}

// TeamStateQuery matches conversations assigned to a team inbox in a given
// state ("open", "snoozed", "closed").
func TeamStateQuery(teamID, state string) (Query, error) {
	if teamID == "" {
		return Query{}, ErrMissingTeamID
	}
	return Query{
		Operator: "AND",
		Value: []Condition{
			{Field: "team_assignee_id", Operator: "=", Value: teamID},
			{Field: "state", Operator: "=", Value: state},
		},
	}, nil
}

// TeamQuery matches every conversation assigned to a team inbox regardless
// of state.
func TeamQuery(teamID string) (Query, error) {
	if teamID == "" {
		return Query{}, ErrMissingTeamID
	}
	return Query{
		Operator: "AND",
		Value: []Condition{
			{Field: "team_assignee_id", Operator: "=", Value: teamID},
		},
	}, nil
}
