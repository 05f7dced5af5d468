// Package sms contains SMSProvider implementations.
package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/alexnthnz/delivery-engine/internal/channels"
	"github.com/alexnthnz/delivery-engine/internal/notification"
)

const DefaultTwilioBaseURL = "https://api.twilio.com"

var ErrMissingCredentials = errors.New("twilio account sid and auth token are required")

// TwilioConfig configures the Twilio client
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
	Timeout    time.Duration
}

// TwilioResponse represents the response from Twilio API
type TwilioResponse struct {
	SID          string  `json:"sid"`
	Status       string  `json:"status"`
	ErrorCode    *int    `json:"error_code,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

// twilioError is the body of a non 2xx Twilio response
type twilioError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

// TwilioClient sends SMS through the Twilio Messages API
type TwilioClient struct {
	config TwilioConfig
	client *http.Client
	logger *zap.Logger
}

// NewTwilioClient creates a new Twilio client
func NewTwilioClient(cfg TwilioConfig, logger *zap.Logger) (*TwilioClient, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultTwilioBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TwilioClient{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("twilio"),
	}, nil
}

// SendSMS implements channels.SMSProvider
func (c *TwilioClient) SendSMS(ctx context.Context, msg channels.SMSMessage) (*channels.SMSReceipt, error) {
	data := url.Values{}
	data.Set("To", msg.To)
	data.Set("From", msg.From)
	data.Set("Body", msg.Body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(c.config.BaseURL, "/"), url.PathEscape(c.config.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.config.AccountSID, c.config.AuthToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read twilio response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseTwilioError(resp.StatusCode, body)
	}

	var twilioResp TwilioResponse
	if err := json.Unmarshal(body, &twilioResp); err != nil {
		return nil, fmt.Errorf("failed to parse Twilio response: %w", err)
	}
	if twilioResp.ErrorCode != nil && *twilioResp.ErrorCode != 0 {
		perr := &notification.ProviderError{Provider: "twilio", Code: *twilioResp.ErrorCode, StatusCode: resp.StatusCode}
		if twilioResp.ErrorMessage != nil {
			perr.Message = *twilioResp.ErrorMessage
		}
		return nil, perr
	}

	c.logger.Debug("Message accepted by Twilio", zap.String("sid", twilioResp.SID), zap.String("status", twilioResp.Status))
	return &channels.SMSReceipt{SID: twilioResp.SID, Status: twilioResp.Status}, nil
}

func parseTwilioError(status int, body []byte) *notification.ProviderError {
	perr := &notification.ProviderError{Provider: "twilio", StatusCode: status}
	var terr twilioError
	if err := json.Unmarshal(body, &terr); err == nil && (terr.Code != 0 || terr.Message != "") {
		perr.Code = terr.Code
		perr.Message = terr.Message
		return perr
	}
	perr.Message = strings.TrimSpace(string(body))
	if perr.Message == "" {
		perr.Message = http.StatusText(status)
	}
	return perr
}
