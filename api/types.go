package api

import "context"

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Roster answers board membership for the presence read view.
type Roster interface {
	LoadBoardMembership(ctx context.Context, boardID string) (map[string]struct{}, error)
}
