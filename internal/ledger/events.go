package ledger

import "time"

// Event is implemented by MessageSent and NameRegistered.
type Event interface {
	isEvent()
}

// MessageSent is emitted for every message written to the ledger.
type MessageSent struct {
	From      string
	To        string
	Message   string
	Timestamp time.Time
}

// NameRegistered is emitted when an identity claims a name.
type NameRegistered struct {
	Owner       string
	Name        string
	UserAddress string
}

func (MessageSent) isEvent()    {}
func (NameRegistered) isEvent() {}

// Record returns the stored form of the event.
func (e MessageSent) Record() Record {
	return Record{From: e.From, To: e.To, Content: e.Message, Timestamp: e.Timestamp}
}
