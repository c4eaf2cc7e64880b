package models

// SessionState is the IMAP protocol state of a connection.
type SessionState int

const (
	StateNotAuthenticated SessionState = iota
	StateAuthenticated
	StateSelected
	StateLogout
)

func (s SessionState) String() string {
	switch s {
	case StateNotAuthenticated:
		return "not authenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateSelected:
		return "selected"
	default:
		return "logout"
	}
}

// ClientState is the protocol-level state of one IMAP session.
type ClientState struct {
	State    SessionState
	Username string
	UserID   int64

	// Mailbox is the session's view of the selected mailbox.
	Mailbox  *MailboxState
	ReadOnly bool

	Condstore bool
	QResync   bool
}

// Authenticated reports whether a user has logged in.
func (c *ClientState) Authenticated() bool {
	return c.State == StateAuthenticated || c.State == StateSelected
}

// Selected reports whether a mailbox is open.
func (c *ClientState) Selected() bool {
	return c.State == StateSelected && c.Mailbox != nil
}

// Unselect closes the mailbox view.
func (c *ClientState) Unselect() {
	c.Mailbox = nil
	c.ReadOnly = false
	if c.State == StateSelected {
		c.State = StateAuthenticated
	}
}
