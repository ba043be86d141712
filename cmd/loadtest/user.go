package main

import (
	"encoding/json"
	"fmt"

	"github.com/codewandler/estore/core/es"
)

// === Domain ===

type (
	User struct {
		ID    string `json:"-"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}

	EmailChanged struct {
		NewEmail string `json:"new_email"`
	}
)

func newUser(id string) *User { return &User{ID: id} }

func (u *User) Query() es.Query {
	return es.Query{AggregateID: u.ID, Aggregate: "user", Context: "loadtest"}
}

// Restore resets the user to the snapshot and applies events on top.
func (u *User) Restore(snap *es.Snapshot, events []es.Event) error {
	*u = User{ID: u.ID}
	if snap != nil {
		if err := json.Unmarshal(snap.Data, u); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
	}
	for _, ev := range events {
		var e EmailChanged
		if err := ev.Decode(&e); err != nil {
			return err
		}
		u.Email = e.NewEmail
	}
	return nil
}

func (u *User) ChangeEmail(stream *es.EventStream, email string) error {
	if email == "" {
		return fmt.Errorf("email is empty")
	}
	if err := stream.AddEvent(EmailChanged{NewEmail: email}); err != nil {
		return err
	}
	u.Email = email
	return nil
}
