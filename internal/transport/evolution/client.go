// Package evolution implements transport.Slot on top of an Evolution API
// instance and decodes its webhook deliveries.
package evolution

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/wa-interviewer/internal/transport"
)

const (
	userAgent = "spigell/wa-interviewer"

	sendTextPath       = "/message/sendText/%s"
	sendAudioPath      = "/message/sendWhatsAppAudio/%s"
	mediaBase64Path    = "/chat/getBase64FromMediaMessage/%s"
	connectionStatPath = "/instance/connectionState/%s"

	stateOpen = "open"
)

// Config describes one Evolution instance acting as a tenant slot.
type Config struct {
	URL      string
	APIKey   string
	Instance string
	TenantID string
	Index    int
	Timeout  time.Duration
}

// Client is a transport.Slot bound to a single Evolution instance.
type Client struct {
	apiKey     string
	instance   string
	tenantID   string
	index      int
	logger     *zap.Logger
	HTTPClient *http.Client
	UserAgent  string
	APIURL     string
}

var _ transport.Slot = (*Client)(nil)

func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Instance) == "" {
		return nil, errors.New("evolution instance name is required")
	}
	if strings.TrimSpace(cfg.TenantID) == "" {
		return nil, fmt.Errorf("tenant is required for instance %s", cfg.Instance)
	}
	if _, err := url.Parse(cfg.URL); err != nil || strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("evolution url %q is invalid", cfg.URL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		apiKey:   cfg.APIKey,
		instance: cfg.Instance,
		tenantID: cfg.TenantID,
		index:    cfg.Index,
		APIURL:   strings.TrimRight(cfg.URL, "/"),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
		UserAgent: userAgent,
		logger: logger.With(
			zap.String("tenant_id", cfg.TenantID),
			zap.Int("slot", cfg.Index),
			zap.String("instance", cfg.Instance),
		),
	}, nil
}

func (c *Client) TenantID() string { return c.tenantID }
func (c *Client) Index() int       { return c.index }
func (c *Client) Handle() string   { return c.instance }

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type sendAudioRequest struct {
	Number string `json:"number"`
	Audio  string `json:"audio"`
}

type mediaRequest struct {
	Message struct {
		Key struct {
			ID string `json:"id"`
		} `json:"key"`
	} `json:"message"`
	ConvertToMp4 bool `json:"convertToMp4"`
}

type mediaResponse struct {
	Base64   string `json:"base64"`
	MimeType string `json:"mimetype"`
}

type connectionStateResponse struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
		State        string `json:"state"`
	} `json:"instance"`
}

func (c *Client) SendText(ctx context.Context, to, text string) error {
	if err := c.postJSON(ctx, c.path(sendTextPath), sendTextRequest{Number: to, Text: text}, nil); err != nil {
		return fmt.Errorf("send text via %s: %w", c.instance, err)
	}
	return nil
}

func (c *Client) SendVoice(ctx context.Context, to string, audio []byte) error {
	if len(audio) == 0 {
		return errors.New("voice payload is empty")
	}

	body := sendAudioRequest{Number: to, Audio: base64.StdEncoding.EncodeToString(audio)}
	if err := c.postJSON(ctx, c.path(sendAudioPath), body, nil); err != nil {
		return fmt.Errorf("send voice via %s: %w", c.instance, err)
	}
	return nil
}

func (c *Client) DownloadMedia(ctx context.Context, ref *transport.MediaRef) ([]byte, error) {
	if ref == nil || strings.TrimSpace(ref.MessageKeyID) == "" {
		return nil, errors.New("media message id is required")
	}

	var req mediaRequest
	req.Message.Key.ID = ref.MessageKeyID

	var resp mediaResponse
	if err := c.postJSON(ctx, c.path(mediaBase64Path), req, &resp); err != nil {
		return nil, fmt.Errorf("download media %s: %w", ref.MessageKeyID, err)
	}

	payload, err := base64.StdEncoding.DecodeString(resp.Base64)
	if err != nil {
		return nil, fmt.Errorf("decode media %s: %w", ref.MessageKeyID, err)
	}

	return payload, nil
}

func (c *Client) IsConnected(ctx context.Context) bool {
	var resp connectionStateResponse
	if err := c.getJSON(ctx, c.path(connectionStatPath), &resp); err != nil {
		c.logger.Debug("connection state probe failed", zap.Error(err))
		return false
	}

	return strings.EqualFold(resp.Instance.State, stateOpen)
}

func (c *Client) path(format string) string {
	return fmt.Sprintf("%s"+format, c.APIURL, url.PathEscape(c.instance))
}
