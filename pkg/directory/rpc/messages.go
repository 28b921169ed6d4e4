package rpc

import "time"

// UserWire is the over-the-wire shape of a constraints.User.
type UserWire struct {
	ID       string    `json:"id"`
	JoinDate time.Time `json:"join_date"`
	Tags     []string  `json:"tags,omitempty"`
}

type lookupRequest struct {
	UserID string `json:"user_id"`
}

type lookupResponse struct {
	Found bool      `json:"found"`
	User  *UserWire `json:"user,omitempty"`
}

type allUsersRequest struct{}

type allUsersResponse struct {
	Users []UserWire `json:"users"`
}
