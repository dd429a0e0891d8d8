package session

import "time"

// Session links a chat identity to an authenticated account state for a
// bounded time. Records are owned and mutated exclusively by [Store];
// everything handed out is a copy.
type Session struct {
	SessionID        string            `json:"session_id"`
	ExternalIdentity string            `json:"external_identity"`
	PhoneNumber      string            `json:"phone_number"`
	AccountID        string            `json:"account_id,omitempty"`
	AuthToken        string            `json:"auth_token,omitempty"`
	Role             string            `json:"role,omitempty"`
	Verified         bool              `json:"verified"`
	CreatedAt        int64             `json:"created_at"`
	ExpiresAt        int64             `json:"expires_at"`
	LastActivity     int64             `json:"last_activity"`
	MFAVerified      bool              `json:"mfa_verified"`
	MFAExpiresAt     int64             `json:"mfa_expires_at,omitempty"`
	ConsentGiven     bool              `json:"consent_given"`
	ConsentAt        int64             `json:"consent_at,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Valid reports whether the session has not yet expired.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && now.Unix() < s.ExpiresAt
}

// MFAValid reports whether a second-factor verification is still within its
// validity window.
func (s *Session) MFAValid(now time.Time) bool {
	return s != nil && s.MFAVerified && now.Unix() < s.MFAExpiresAt
}

// Patch carries a partial session update. Nil pointer fields are left
// untouched; [Store.Update] always refreshes LastActivity regardless.
type Patch struct {
	PhoneNumber  *string
	AccountID    *string
	AuthToken    *string
	Role         *string
	Verified     *bool
	ConsentGiven *bool
	Metadata     map[string]string
}

func (p Patch) apply(s *Session, now time.Time) {
	if p.PhoneNumber != nil {
		s.PhoneNumber = *p.PhoneNumber
	}
	if p.AccountID != nil {
		s.AccountID = *p.AccountID
	}
	if p.AuthToken != nil {
		s.AuthToken = *p.AuthToken
	}
	if p.Role != nil {
		s.Role = *p.Role
	}
	if p.Verified != nil {
		s.Verified = *p.Verified
	}
	if p.ConsentGiven != nil {
		s.ConsentGiven = *p.ConsentGiven
		if *p.ConsentGiven {
			s.ConsentAt = now.Unix()
		}
	}
	for k, v := range p.Metadata {
		if s.Metadata == nil {
			s.Metadata = make(map[string]string)
		}
		s.Metadata[k] = v
	}
	s.LastActivity = now.Unix()
}
