// Helper functions mapping the general config onto component-specific
// config types, so main assembles components without reaching into
// individual sections.
package config

import (
	"github.com/porchwatch/porchwatch/internal/cloud"
	"github.com/porchwatch/porchwatch/internal/journal"
	"github.com/porchwatch/porchwatch/internal/monitor"
	"github.com/porchwatch/porchwatch/internal/notify"
	"github.com/porchwatch/porchwatch/internal/pipeline"
	"github.com/porchwatch/porchwatch/internal/rtc"
	"github.com/porchwatch/porchwatch/internal/storage"
	"github.com/porchwatch/porchwatch/internal/vision"
)

// CloudClientConfig maps the cloud section onto the API client config.
func (c *Config) CloudClientConfig() cloud.Config {
	return cloud.Config{
		BaseURL:        c.Cloud.BaseURL,
		TokenFile:      c.Cloud.TokenFile,
		TokenKey:       c.TokenKey,
		TokenURL:       c.Cloud.TokenURL,
		ClientID:       c.Cloud.ClientID,
		ClientSecret:   c.Cloud.ClientSecret,
		RequestTimeout: c.Cloud.RequestTimeout.Std(),
		MaxRetries:     c.Cloud.MaxRetries,
	}
}

// SessionConfig maps the capture section onto the media session manager
// config.
func (c *Config) SessionConfig() rtc.Config {
	return rtc.Config{
		FrameTimeout: c.Capture.FrameTimeout.Std(),
		WarmupFrames: c.Capture.WarmupFrames,
		ICEServers:   c.Capture.ICEServers,
	}
}

// VisionClientConfig maps the vision section onto the classifier client
// config.
func (c *Config) VisionClientConfig() vision.ClientConfig {
	return vision.ClientConfig{
		APIKey:    c.Vision.APIKey,
		BaseURL:   c.Vision.BaseURL,
		Model:     c.Vision.Model,
		MaxTokens: c.Vision.MaxTokens,
		Timeout:   c.Vision.Timeout.Std(),
	}
}

// ObjectStoreConfig maps the minio section onto the upload sink config.
// Only meaningful when UploadEnabled reports true.
func (c *Config) ObjectStoreConfig() storage.ObjectConfig {
	return storage.ObjectConfig{
		Endpoint:        c.Storage.MinIO.Endpoint,
		AccessKeyID:     c.Storage.MinIO.AccessKey,
		SecretAccessKey: c.Storage.MinIO.SecretKey,
		UseSSL:          c.Storage.MinIO.UseSSL,
		Bucket:          c.Storage.MinIO.Bucket,
		Region:          c.Storage.MinIO.Region,
		Prefix:          c.Storage.MinIO.Prefix,
	}
}

// UploadEnabled reports whether a remote upload destination is configured.
func (c *Config) UploadEnabled() bool {
	return c.Storage.MinIO.Bucket != ""
}

// JournalStoreConfig maps the journal section onto the detection journal
// config. Only meaningful when JournalEnabled reports true.
func (c *Config) JournalStoreConfig() journal.Config {
	return journal.Config{DSN: c.Journal.DSN}
}

// JournalEnabled reports whether a journal database is configured.
func (c *Config) JournalEnabled() bool {
	return c.Journal.DSN != ""
}

// SMTPNotifierConfig maps the notify section onto the SMTP transport
// config. The sender address doubles as the login when no username is set,
// which is how app-password accounts authenticate.
func (c *Config) SMTPNotifierConfig() notify.SMTPConfig {
	username := c.Notify.SMTP.Username
	if username == "" && c.Notify.SMTP.Password != "" {
		username = c.Notify.From
	}
	return notify.SMTPConfig{
		Host:     c.Notify.SMTP.Host,
		Port:     c.Notify.SMTP.Port,
		Username: username,
		Password: c.Notify.SMTP.Password,
		From:     c.Notify.From,
		To:       c.Notify.Recipients,
		Site:     c.Notify.Site,
	}
}

// GmailNotifierConfig maps the notify section onto the Gmail API transport
// config.
func (c *Config) GmailNotifierConfig() notify.GmailConfig {
	return notify.GmailConfig{
		ClientID:     c.Notify.Gmail.ClientID,
		ClientSecret: c.Notify.Gmail.ClientSecret,
		TokenFile:    c.Notify.Gmail.TokenFile,
		TokenKey:     c.TokenKey,
		From:         c.Notify.From,
		To:           c.Notify.Recipients,
		Site:         c.Notify.Site,
	}
}

// PollerConfig maps the monitor section onto the scan loop config.
func (c *Config) PollerConfig() monitor.PollerConfig {
	return monitor.PollerConfig{
		ScanInterval: c.Monitor.ScanInterval.Std(),
		HistoryLimit: c.Monitor.HistoryLimit,
		DeviceName:   c.Monitor.DeviceName,
	}
}

// ListenerConfig maps the monitor section onto the push listener config.
func (c *Config) ListenerConfig() monitor.ListenerConfig {
	return monitor.ListenerConfig{
		DeviceName: c.Monitor.DeviceName,
	}
}

// PipelineConfig maps the monitor and alert sections onto the detection
// pipeline config.
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		MaxConcurrent: c.Monitor.MaxConcurrent,
		AlertDuration: c.Alert.Duration.Std(),
	}
}
