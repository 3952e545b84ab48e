package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"
)

const DefaultInviteTTL = 5 * time.Minute

// Attempts at minting a non-colliding code before giving up. The code space
// is only 16 bits, so collisions are expected under load and resolved by
// retry.
const inviteCodeAttempts = 10

// Invite is a pending one-time invite code.
type Invite struct {
	Code         string `json:"code"`
	SessionID    string `json:"sessionId"`
	ConnectionID string `json:"connectionId"`
	CreatedAt    int64  `json:"createdAt"`
}

// GenerateInviteCode mints a code of the form TALK-XXXX where XXXX is four
// uppercase hex characters.
func GenerateInviteCode() (string, error) {
	b := make([]byte, 2)

	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return fmt.Sprintf("TALK-%02X%02X", b[0], b[1]), nil
}

// NormalizeInviteCode upper-cases and trims a client-supplied code before
// lookup so that pasted codes with stray whitespace still redeem.
func NormalizeInviteCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// InviteStore issues and redeems one-time invite codes. Each session owns at
// most one active invite; each code maps to at most one invite. Redeeming
// consumes the invite whether or not the redemption ultimately succeeds.
type InviteStore interface {
	CreateInvite(ctx context.Context, sessionID string, connectionID string) (string, error)
	RedeemInvite(ctx context.Context, code string) (*Invite, error)
	CancelInvite(ctx context.Context, sessionID string) (bool, error)
	HasInvite(ctx context.Context, sessionID string) (bool, error)
}

type LocalInviteStore struct {
	TTL time.Duration

	// Generate mints candidate codes; swappable for tests.
	Generate func() (string, error)

	mu        sync.Mutex
	byCode    map[string]*Invite
	bySession map[string]string
}

func NewLocalInviteStore(ttl time.Duration) *LocalInviteStore {
	return &LocalInviteStore{
		TTL:       ttl,
		Generate:  GenerateInviteCode,
		byCode:    make(map[string]*Invite),
		bySession: make(map[string]string),
	}
}

func (s *LocalInviteStore) expired(inv *Invite) bool {
	return time.Now().UnixMilli()-inv.CreatedAt > s.TTL.Milliseconds()
}

// reap drops an invite whose TTL has lapsed. Callers hold the lock.
func (s *LocalInviteStore) reap(code string) {
	if inv, ok := s.byCode[code]; ok && s.expired(inv) {
		delete(s.byCode, code)
		delete(s.bySession, inv.SessionID)
	}
}

func (s *LocalInviteStore) CreateInvite(ctx context.Context, sessionID string, connectionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < inviteCodeAttempts; i++ {
		code, err := s.Generate()

		if err != nil {
			return "", err
		}

		s.reap(code)

		if _, taken := s.byCode[code]; taken {
			continue
		}

		s.byCode[code] = &Invite{
			Code:         code,
			SessionID:    sessionID,
			ConnectionID: connectionID,
			CreatedAt:    time.Now().UnixMilli(),
		}
		s.bySession[sessionID] = code

		return code, nil
	}

	return "", ErrNoFreeCode
}

func (s *LocalInviteStore) RedeemInvite(ctx context.Context, code string) (*Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reap(code)

	inv, ok := s.byCode[code]

	if !ok {
		return nil, nil
	}

	delete(s.byCode, code)
	delete(s.bySession, inv.SessionID)

	return inv, nil
}

func (s *LocalInviteStore) CancelInvite(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.bySession[sessionID]

	if !ok {
		return false, nil
	}

	delete(s.byCode, code)
	delete(s.bySession, sessionID)

	return true, nil
}

func (s *LocalInviteStore) HasInvite(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.bySession[sessionID]

	if !ok {
		return false, nil
	}

	if inv, live := s.byCode[code]; live && s.expired(inv) {
		delete(s.byCode, code)
		delete(s.bySession, sessionID)
		return false, nil
	}

	return true, nil
}
