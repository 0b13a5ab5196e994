package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"discordgate/internal/config"
	"discordgate/internal/domain"
)

// Router maps an inbound peer to the agent that should answer it.
// Explicit peer bindings win, then guild bindings, then keyword profiles,
// then the default agent.
type Router struct {
	defaultAgent  string
	peers         map[string]string   // "user:<id>" / "channel:<id>" -> agent
	guilds        map[string]string   // guild id -> agent
	lowerKeywords map[string][]string // pre-computed lowercase keywords per profile
	profileNames  []string            // sorted, so keyword ties resolve the same way every time
	logger        *slog.Logger
}

func NewRouter(cfg config.RoutingConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	def := cfg.DefaultAgent
	if def == "" {
		def = "main"
	}

	peers := make(map[string]string)
	guilds := make(map[string]string)
	for _, b := range cfg.Bindings {
		peer := strings.TrimSpace(b.Peer)
		switch {
		case strings.HasPrefix(peer, "guild:"):
			guilds[strings.TrimPrefix(peer, "guild:")] = b.Agent
		case strings.HasPrefix(peer, "user:"), strings.HasPrefix(peer, "channel:"):
			peers[peer] = b.Agent
		default:
			// A bare id may be either a user or a channel.
			peers["user:"+peer] = b.Agent
			peers["channel:"+peer] = b.Agent
		}
	}

	// Pre-compute lowercase keywords to avoid repeated ToLower on every message.
	lowerKW := make(map[string][]string, len(cfg.Profiles))
	names := make([]string, 0, len(cfg.Profiles))
	for name, profile := range cfg.Profiles {
		kws := make([]string, 0, len(profile.Keywords))
		for _, kw := range profile.Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				kws = append(kws, kw)
			}
		}
		lowerKW[name] = kws
		names = append(names, name)
	}
	sort.Strings(names)

	return &Router{
		defaultAgent:  def,
		peers:         peers,
		guilds:        guilds,
		lowerKeywords: lowerKW,
		profileNames:  names,
		logger:        logger,
	}
}

// ResolveRoute implements domain.RouteResolver.
func (r *Router) ResolveRoute(_ context.Context, rc domain.RouteContext) (domain.Route, error) {
	if rc.PeerID == "" {
		return domain.Route{}, fmt.Errorf("route: empty peer id")
	}

	agentID := r.match(rc)
	return domain.Route{
		AgentID:    agentID,
		SessionKey: SessionKey(agentID, rc),
		AccountID:  rc.AccountID,
	}, nil
}

func (r *Router) match(rc domain.RouteContext) string {
	peerKey := "channel:" + rc.PeerID
	if rc.PeerKind == domain.ChatTypeDirect {
		peerKey = "user:" + rc.PeerID
	}
	if agent, ok := r.peers[peerKey]; ok {
		return agent
	}
	if rc.GuildID != "" {
		if agent, ok := r.guilds[rc.GuildID]; ok {
			return agent
		}
	}
	if agent := r.Route(rc.Text); agent != "" {
		return agent
	}
	return r.defaultAgent
}

// SessionKey is the agent session a peer's messages belong to. All direct
// messages for an agent share its main session.
func SessionKey(agentID string, rc domain.RouteContext) string {
	if rc.PeerKind == domain.ChatTypeDirect {
		return "agent:" + agentID + ":main"
	}
	provider := rc.Provider
	if provider == "" {
		provider = "discord"
	}
	return "agent:" + agentID + ":" + provider + ":channel:" + rc.PeerID
}

// Route returns the name of the agent profile whose keywords best match the
// message. Returns empty string if no profile matches.
func (r *Router) Route(message string) string {
	if len(r.lowerKeywords) == 0 || message == "" {
		return ""
	}
	return r.routeByKeyword(message)
}

// routeByKeyword matches message content against pre-computed lowercase keywords.
func (r *Router) routeByKeyword(message string) string {
	lower := strings.ToLower(message)

	var bestMatch string
	var bestScore int

	for _, name := range r.profileNames {
		score := 0
		for _, kw := range r.lowerKeywords[name] {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			bestMatch = name
		}
	}

	if bestScore > 0 {
		r.logger.Debug("router matched agent", "agent", bestMatch, "score", bestScore)
	}
	return bestMatch
}
