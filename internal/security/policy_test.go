package security

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discordgate/internal/domain"
)

type stubStore struct {
	mu        sync.Mutex
	allow     []string
	readErr   error
	upsertErr error
	codes     map[string]string
	upserts   int
	full      bool
}

func (s *stubStore) ReadAllowlist(_ context.Context, _ string) ([]string, error) {
	if s.readErr != nil {
		return nil, s.readErr
	}
	return s.allow, nil
}

func (s *stubStore) UpsertPairingRequest(_ context.Context, _, senderID string, _ map[string]string) (domain.PairingResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if s.upsertErr != nil {
		return domain.PairingResult{}, s.upsertErr
	}
	if s.full {
		return domain.PairingResult{}, nil
	}
	if s.codes == nil {
		s.codes = map[string]string{}
	}
	if code, ok := s.codes[senderID]; ok {
		return domain.PairingResult{Code: code}, nil
	}
	code := "CODE" + senderID
	s.codes[senderID] = code
	return domain.PairingResult{Code: code, Created: true}, nil
}

type replyRecorder struct {
	mu    sync.Mutex
	sent  []string
	users []string
	err   error
}

func (r *replyRecorder) Reply(_ context.Context, userID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
	r.sent = append(r.sent, text)
	return r.err
}

func dm(sender string) AccessRequest {
	return AccessRequest{SenderID: sender, SenderName: "alice", IsDirect: true, Text: "hi"}
}

func TestPolicy_DirectOpenAndDisabled(t *testing.T) {
	ctx := context.Background()

	open := NewPolicy(PolicyConfig{DMPolicy: domain.DMPolicyOpen, Logger: testPairingLogger()})
	assert.True(t, open.Decide(ctx, dm("1")).Allowed())

	disabled := NewPolicy(PolicyConfig{DMPolicy: domain.DMPolicyDisabled, AllowFrom: []string{"1"}, Logger: testPairingLogger()})
	assert.Equal(t, domain.AccessDenied, disabled.Decide(ctx, dm("1")).Decision)

	unknown := NewPolicy(PolicyConfig{DMPolicy: "weird", Logger: testPairingLogger()})
	assert.Equal(t, domain.AccessDenied, unknown.Decide(ctx, dm("1")).Decision)
}

func TestPolicy_AllowlistUnion(t *testing.T) {
	ctx := context.Background()
	store := &stubStore{allow: []string{"200"}}
	p := NewPolicy(PolicyConfig{
		DMPolicy:  domain.DMPolicyAllowlist,
		AllowFrom: []string{"100"},
		Store:     store,
		Logger:    testPairingLogger(),
	})

	assert.Equal(t, []string{"100", "200"}, p.Allowlist(ctx))
	assert.True(t, p.Decide(ctx, dm("100")).Allowed(), "config entry")
	assert.True(t, p.Decide(ctx, dm("200")).Allowed(), "store entry")
	assert.Equal(t, domain.AccessDenied, p.Decide(ctx, dm("300")).Decision)
	assert.Zero(t, store.upserts, "allowlist mode never pairs")
}

func TestPolicy_AllowlistReadEachCall(t *testing.T) {
	ctx := context.Background()
	store := &stubStore{}
	p := NewPolicy(PolicyConfig{DMPolicy: domain.DMPolicyAllowlist, Store: store, Logger: testPairingLogger()})

	assert.False(t, p.Decide(ctx, dm("7")).Allowed())
	store.allow = []string{"7"}
	assert.True(t, p.Decide(ctx, dm("7")).Allowed(), "approval takes effect without restart")
}

func TestPolicy_StoreReadFailureKeepsConfigEntries(t *testing.T) {
	ctx := context.Background()
	store := &stubStore{readErr: errors.New("disk gone")}
	p := NewPolicy(PolicyConfig{
		DMPolicy:  domain.DMPolicyAllowlist,
		AllowFrom: []string{"100"},
		Store:     store,
		Logger:    testPairingLogger(),
	})
	assert.True(t, p.Decide(ctx, dm("100")).Allowed())
	assert.False(t, p.Decide(ctx, dm("200")).Allowed())
}

func TestPolicy_Wildcard(t *testing.T) {
	ctx := context.Background()
	for _, mode := range []string{domain.DMPolicyAllowlist, domain.DMPolicyPairing} {
		store := &stubStore{}
		p := NewPolicy(PolicyConfig{DMPolicy: mode, AllowFrom: []string{"*"}, Store: store, Logger: testPairingLogger()})
		assert.True(t, p.Decide(ctx, dm("anyone")).Allowed(), mode)
		assert.Zero(t, store.upserts, mode)
	}
}

func TestPolicy_PairingChallengeOnce(t *testing.T) {
	ctx := context.Background()
	store := &stubStore{}
	rec := &replyRecorder{}
	p := NewPolicy(PolicyConfig{
		DMPolicy: domain.DMPolicyPairing,
		Store:    store,
		Reply:    rec.Reply,
		Logger:   testPairingLogger(),
	})

	first := p.Decide(ctx, dm("42"))
	second := p.Decide(ctx, dm("42"))

	assert.Equal(t, domain.AccessChallengeIssued, first.Decision)
	assert.Equal(t, domain.AccessChallengeIssued, second.Decision)
	assert.Equal(t, 2, store.upserts)
	require.Len(t, rec.sent, 1, "instructions are sent only for a new request")
	assert.Equal(t, "42", rec.users[0])
	assert.Contains(t, rec.sent[0], "CODE42")
	assert.Contains(t, rec.sent[0], "Your discord user id: 42")
	assert.Contains(t, rec.sent[0], "discordgate pairing approve discord CODE42")
}

func TestPolicy_PairingFailuresDeny(t *testing.T) {
	ctx := context.Background()

	full := NewPolicy(PolicyConfig{DMPolicy: domain.DMPolicyPairing, Store: &stubStore{full: true}, Logger: testPairingLogger()})
	assert.Equal(t, domain.AccessChallengeIssued, full.Decide(ctx, dm("1")).Decision)

	broken := NewPolicy(PolicyConfig{DMPolicy: domain.DMPolicyPairing, Store: &stubStore{upsertErr: errors.New("locked")}, Logger: testPairingLogger()})
	assert.Equal(t, domain.AccessDenied, broken.Decide(ctx, dm("1")).Decision)

	noStore := NewPolicy(PolicyConfig{DMPolicy: domain.DMPolicyPairing, Logger: testPairingLogger()})
	assert.Equal(t, domain.AccessDenied, noStore.Decide(ctx, dm("1")).Decision)
}

func TestPolicy_PairingReplyErrorStillChallenges(t *testing.T) {
	rec := &replyRecorder{err: errors.New("dm closed")}
	p := NewPolicy(PolicyConfig{DMPolicy: domain.DMPolicyPairing, Store: &stubStore{}, Reply: rec.Reply, Logger: testPairingLogger()})
	res := p.Decide(context.Background(), dm("5"))
	assert.Equal(t, domain.AccessChallengeIssued, res.Decision)
	assert.Len(t, rec.sent, 1)
}

func TestPolicy_GroupMentionGating(t *testing.T) {
	ctx := context.Background()
	mentions, err := NewMentionMatcher([]string{"hey bot"})
	require.NoError(t, err)
	p := NewPolicy(PolicyConfig{GroupPolicy: domain.GroupPolicyOpen, Mentions: mentions, Logger: testPairingLogger()})

	group := func(text, self string) AccessRequest {
		return AccessRequest{SenderID: "1", ConversationID: "c", Text: text, SelfUserID: self}
	}

	res := p.Decide(ctx, group("hello <@99> there", "99"))
	assert.True(t, res.Allowed())
	assert.True(t, res.WasMentioned)

	assert.True(t, p.Decide(ctx, group("hello <@!99>", "99")).Allowed())
	assert.True(t, p.Decide(ctx, group("HEY BOT what's up", "99")).Allowed())
	assert.False(t, p.Decide(ctx, group("just chatting", "99")).Allowed())

	// Without an identity only configured patterns can match.
	assert.False(t, p.Decide(ctx, group("hello <@99>", "")).Allowed())
	assert.True(t, p.Decide(ctx, group("hey bot", "")).Allowed())
}

func TestPolicy_GroupDisabled(t *testing.T) {
	p := NewPolicy(PolicyConfig{GroupPolicy: domain.GroupPolicyDisabled, Logger: testPairingLogger()})
	res := p.Decide(context.Background(), AccessRequest{Text: "<@9>", SelfUserID: "9"})
	assert.Equal(t, domain.AccessDenied, res.Decision)
}

func TestBuildPairingReply(t *testing.T) {
	text := BuildPairingReply("discord", "123", "ABCD2345", "gate pairing approve")
	assert.True(t, strings.HasSuffix(text, "gate pairing approve discord ABCD2345"))
	assert.Contains(t, text, "Pairing code: ABCD2345")
}
