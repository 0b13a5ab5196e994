package channel

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"discordgate/internal/domain"

	"github.com/bwmarrin/discordgo"
)

// RESTClient is the part of the Discord REST API the adapter calls.
// *discordgo.Session satisfies it.
type RESTClient interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
}

// Gateway is the websocket side of a Discord session.
// *discordgo.Session satisfies it.
type Gateway interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
}

// Connector hands out the REST and gateway halves of one account's session.
type Connector interface {
	REST() (RESTClient, error)
	Gateway() (Gateway, error)
}

// AccountClientConfig configures the per-account session handle.
type AccountClientConfig struct {
	AccountID  string
	Token      string
	HTTPClient *http.Client // optional
	Logger     *slog.Logger
}

// AccountClient is the single Discord session for one bot account. The
// session is built on first use and shared by the gateway, outbound
// delivery and probes.
type AccountClient struct {
	accountID  string
	token      string
	httpClient *http.Client
	logger     *slog.Logger

	once    sync.Once
	session *discordgo.Session
	err     error
}

func NewAccountClient(cfg AccountClientConfig) *AccountClient {
	if cfg.AccountID == "" {
		cfg.AccountID = "default"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &AccountClient{
		accountID:  cfg.AccountID,
		token:      strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(cfg.Token), "Bot ")),
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}
}

// AccountID returns the account this handle belongs to.
func (a *AccountClient) AccountID() string { return a.accountID }

// Session returns the shared session, creating it on the first call.
// A missing token is reported as *domain.ConfigError.
func (a *AccountClient) Session() (*discordgo.Session, error) {
	a.once.Do(func() {
		if a.token == "" {
			a.err = &domain.ConfigError{Key: "discord.token", Reason: "bot token is required"}
			return
		}
		s, err := discordgo.New("Bot " + a.token)
		if err != nil {
			a.err = fmt.Errorf("discord session: %w", err)
			return
		}
		s.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsMessageContent
		if a.httpClient != nil {
			s.Client = a.httpClient
		}
		a.logger.Debug("discord session created", "account", a.accountID)
		a.session = s
	})
	return a.session, a.err
}

func (a *AccountClient) REST() (RESTClient, error) {
	s, err := a.Session()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (a *AccountClient) Gateway() (Gateway, error) {
	s, err := a.Session()
	if err != nil {
		return nil, err
	}
	return s, nil
}
