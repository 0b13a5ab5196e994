package security

import (
	"context"
	"fmt"
	"log/slog"

	"discordgate/internal/domain"
)

// PairingReplyFunc sends the pairing instructions to a user by direct message.
type PairingReplyFunc func(ctx context.Context, userID, text string) error

// PolicyConfig configures the access policy engine.
type PolicyConfig struct {
	Channel     string   // pairing-store channel key, e.g. "discord"
	DMPolicy    string   // pairing | allowlist | open | disabled
	AllowFrom   []string // static allowlist, merged ahead of the store entries
	GroupPolicy string   // open | disabled
	Store       domain.PairingStore
	Mentions    *MentionMatcher
	Reply       PairingReplyFunc
	// ApproveHint is the command shown to the sender in the pairing reply.
	ApproveHint string
	Logger      *slog.Logger
}

// AccessRequest is everything the policy needs to judge one inbound message.
type AccessRequest struct {
	SenderID       string
	SenderName     string
	SenderTag      string
	ConversationID string
	IsDirect       bool
	Text           string
	SelfUserID     string // empty until the gateway is ready
}

// AccessResult is the policy outcome for one message.
type AccessResult struct {
	Decision     domain.AccessDecision
	WasMentioned bool
	Reason       string
}

// Allowed reports whether the message may be processed further.
func (r AccessResult) Allowed() bool { return r.Decision == domain.AccessAllowed }

// Policy decides whether inbound messages are allowed, denied, or answered
// with a pairing challenge. Allowlist state is read on every call and never
// cached.
type Policy struct {
	channel     string
	dmPolicy    string
	allowFrom   []string
	groupPolicy string
	store       domain.PairingStore
	mentions    *MentionMatcher
	reply       PairingReplyFunc
	approveHint string
	logger      *slog.Logger
}

// NewPolicy creates a Policy from cfg.
func NewPolicy(cfg PolicyConfig) *Policy {
	if cfg.Channel == "" {
		cfg.Channel = "discord"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ApproveHint == "" {
		cfg.ApproveHint = "discordgate pairing approve"
	}
	return &Policy{
		channel:     cfg.Channel,
		dmPolicy:    cfg.DMPolicy,
		allowFrom:   append([]string(nil), cfg.AllowFrom...),
		groupPolicy: cfg.GroupPolicy,
		store:       cfg.Store,
		mentions:    cfg.Mentions,
		reply:       cfg.Reply,
		approveHint: cfg.ApproveHint,
		logger:      cfg.Logger,
	}
}

// Decide applies the DM policy to direct messages and the group policy plus
// mention gating to everything else.
func (p *Policy) Decide(ctx context.Context, req AccessRequest) AccessResult {
	if req.IsDirect {
		return p.decideDirect(ctx, req)
	}
	return p.decideGroup(req)
}

func (p *Policy) decideDirect(ctx context.Context, req AccessRequest) AccessResult {
	switch p.dmPolicy {
	case domain.DMPolicyOpen:
		return AccessResult{Decision: domain.AccessAllowed, Reason: "dm open"}
	case domain.DMPolicyDisabled:
		return AccessResult{Decision: domain.AccessDenied, Reason: "dm disabled"}
	case domain.DMPolicyAllowlist:
		if p.IsAllowed(ctx, req.SenderID) {
			return AccessResult{Decision: domain.AccessAllowed, Reason: "allowlisted"}
		}
		return AccessResult{Decision: domain.AccessDenied, Reason: "not allowlisted"}
	case domain.DMPolicyPairing:
		if p.IsAllowed(ctx, req.SenderID) {
			return AccessResult{Decision: domain.AccessAllowed, Reason: "allowlisted"}
		}
		return p.challenge(ctx, req)
	default:
		return AccessResult{Decision: domain.AccessDenied, Reason: "unknown dm policy " + p.dmPolicy}
	}
}

func (p *Policy) decideGroup(req AccessRequest) AccessResult {
	if p.groupPolicy != domain.GroupPolicyOpen {
		return AccessResult{Decision: domain.AccessDenied, Reason: "group disabled"}
	}
	if !p.Mentioned(req.Text, req.SelfUserID) {
		return AccessResult{Decision: domain.AccessDenied, Reason: "not mentioned"}
	}
	return AccessResult{Decision: domain.AccessAllowed, WasMentioned: true, Reason: "mentioned"}
}

// Mentioned reports whether text addresses the bot, either by its user
// mention or by a configured pattern.
func (p *Policy) Mentioned(text, selfUserID string) bool {
	return MentionsSelf(text, selfUserID) || p.mentions.Matches(text)
}

// Allowlist returns the configured entries followed by the pairing-store
// entries. A store failure is logged and contributes nothing.
func (p *Policy) Allowlist(ctx context.Context) []string {
	merged := append([]string(nil), p.allowFrom...)
	if p.store == nil {
		return merged
	}
	stored, err := p.store.ReadAllowlist(ctx, p.channel)
	if err != nil {
		p.logger.Warn("pairing store allowlist read failed", "channel", p.channel, "err", err)
		return merged
	}
	return append(merged, stored...)
}

// IsAllowed reports whether senderID, or the wildcard, is in the merged allowlist.
func (p *Policy) IsAllowed(ctx context.Context, senderID string) bool {
	for _, entry := range p.Allowlist(ctx) {
		if entry == domain.AllowAll || entry == senderID {
			return true
		}
	}
	return false
}

// challenge issues (or refreshes) a pairing request. The instructions are
// sent only when the store reports a newly created request. Failures are
// logged and the message is denied either way.
func (p *Policy) challenge(ctx context.Context, req AccessRequest) AccessResult {
	if p.store == nil {
		p.logger.Warn("dm pairing enabled without a pairing store", "sender", req.SenderID)
		return AccessResult{Decision: domain.AccessDenied, Reason: "pairing unavailable"}
	}

	meta := map[string]string{}
	if req.SenderTag != "" {
		meta["tag"] = req.SenderTag
	}
	if req.SenderName != "" {
		meta["name"] = req.SenderName
	}

	res, err := p.store.UpsertPairingRequest(ctx, p.channel, req.SenderID, meta)
	if err != nil {
		p.logger.Error("pairing request failed", "sender", req.SenderID, "err", err)
		return AccessResult{Decision: domain.AccessDenied, Reason: "pairing request failed"}
	}

	if res.Created && res.Code != "" {
		p.logger.Info("pairing request issued", "channel", p.channel, "sender", req.SenderID)
		if p.reply != nil {
			text := BuildPairingReply(p.channel, req.SenderID, res.Code, p.approveHint)
			if err := p.reply(ctx, req.SenderID, text); err != nil {
				p.logger.Warn("pairing reply failed", "sender", req.SenderID, "err", err)
			}
		}
	}

	return AccessResult{Decision: domain.AccessChallengeIssued, Reason: "pairing required"}
}

// BuildPairingReply is the message a sender receives with their pairing code.
func BuildPairingReply(channel, userID, code, approveHint string) string {
	return fmt.Sprintf(
		"Access is not configured for you yet.\n\n"+
			"Your %s user id: %s\n\n"+
			"Pairing code: %s\n\n"+
			"Ask the bot owner to approve with:\n%s %s %s",
		channel, userID, code, approveHint, channel, code,
	)
}
