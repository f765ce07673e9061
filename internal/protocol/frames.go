// Package protocol defines the JSON text frames exchanged between chat clients and
// the relay server.
//
// Every frame carries a "type" tag. Inbound frames (client to relay) and outbound
// frames (relay to client) are separate closed sets; DecodeInbound and
// DecodeOutbound peek the tag and decode into the matching concrete type.
package protocol

// FrameType is the discriminator carried in the "type" field of every frame.
type FrameType string

const (
	TypeAuth        FrameType = "auth"
	TypeSendMessage FrameType = "send_message"
	TypeTyping      FrameType = "typing"
	TypeAuthSuccess FrameType = "auth_success"
	TypeMessage     FrameType = "message"
	TypeError       FrameType = "error"
)

// GroupChat is the chat identifier clients use for the shared group conversation.
const GroupChat = "group"

// Frame is implemented by every frame type in this package.
type Frame interface {
	FrameType() FrameType
}

// Auth binds a connection to a self-asserted identity.
type Auth struct {
	Type    FrameType `json:"type"`
	Address string    `json:"address" validate:"required,eth_addr"`
	EnsName string    `json:"ensName" validate:"max=64"`
}

// SendMessage asks the relay to record and fan out a chat message.
type SendMessage struct {
	Type      FrameType `json:"type"`
	ID        string    `json:"id" validate:"max=128"`
	From      string    `json:"from" validate:"omitempty,eth_addr"`
	To        string    `json:"to" validate:"omitempty,eth_addr"`
	Content   string    `json:"content" validate:"required,max=2048"`
	Timestamp int64     `json:"timestamp" validate:"gte=0"`
	FromName  string    `json:"fromName" validate:"max=64"`
	ToName    string    `json:"toName" validate:"max=64"`
}

// Typing announces that the sender is composing a message in Chat.
type Typing struct {
	Type     FrameType `json:"type"`
	FromName string    `json:"fromName" validate:"max=64"`
	Chat     string    `json:"chat" validate:"required,max=128"`
}

// AuthSuccess acknowledges an Auth frame.
type AuthSuccess struct {
	Type    FrameType `json:"type"`
	Message string    `json:"message"`
}

// Message is a relayed chat message. ServerTimestamp is assigned by the relay.
type Message struct {
	Type            FrameType `json:"type"`
	ID              string    `json:"id"`
	From            string    `json:"from"`
	To              string    `json:"to"`
	Content         string    `json:"content"`
	Timestamp       int64     `json:"timestamp"`
	FromName        string    `json:"fromName"`
	ToName          string    `json:"toName"`
	ServerTimestamp int64     `json:"serverTimestamp"`
}

// TypingNotice is the relayed form of a Typing frame.
type TypingNotice struct {
	Type     FrameType `json:"type"`
	From     string    `json:"from"`
	FromName string    `json:"fromName"`
	Chat     string    `json:"chat"`
}

// Error reports a rejected frame to the connection that sent it.
type Error struct {
	Type    FrameType `json:"type"`
	Message string    `json:"message"`
}

func (Auth) FrameType() FrameType         { return TypeAuth }
func (SendMessage) FrameType() FrameType  { return TypeSendMessage }
func (Typing) FrameType() FrameType       { return TypeTyping }
func (AuthSuccess) FrameType() FrameType  { return TypeAuthSuccess }
func (Message) FrameType() FrameType      { return TypeMessage }
func (TypingNotice) FrameType() FrameType { return TypeTyping }
func (Error) FrameType() FrameType        { return TypeError }
