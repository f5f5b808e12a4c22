// Copyright 2021-2022 The orderhub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ===============================================================================
// Hub Related Config

// HubConfig defines parameters of the hub event loop
type HubConfig struct {
	// TaskBuffer is the number of hub requests which can be queued for the event loop
	TaskBuffer int `mapstructure:"task_buffer" json:"task_buffer" validate:"gte=1"`
	// SendQueueLen is the number of outbound messages buffered per connection
	SendQueueLen int `mapstructure:"send_queue_len" json:"send_queue_len" validate:"gte=1"`
	// RequestTimeout is the max duration in milliseconds for a hub request to complete
	RequestTimeout int `mapstructure:"request_timeout_ms" json:"request_timeout_ms" validate:"gte=1"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config"`
}

// EndpointConfig defines API endpoint config
type EndpointConfig struct {
	// PathPrefix is the end-point path prefix for the trigger APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// WebSocket Related Config

// WebSocketConfig defines the client socket parameters
type WebSocketConfig struct {
	// Path is the HTTP path where sockets are upgraded
	Path string `mapstructure:"path" json:"path" validate:"required"`
	// ReadBuffer is the socket read buffer size in bytes
	ReadBuffer int `mapstructure:"read_buffer" json:"read_buffer" validate:"gte=0"`
	// WriteBuffer is the socket write buffer size in bytes
	WriteBuffer int `mapstructure:"write_buffer" json:"write_buffer" validate:"gte=0"`
	// MaxMessageBytes is the largest inbound client message accepted
	MaxMessageBytes int64 `mapstructure:"max_message_bytes" json:"max_message_bytes" validate:"gte=1"`
	// PingInterval is the keep-alive ping interval in seconds
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=1"`
	// PongWait is how long to wait for a pong in seconds. Must exceed PingInterval.
	PongWait int `mapstructure:"pong_wait_sec" json:"pong_wait_sec" validate:"gtfield=PingInterval"`
	// WriteWait is the per message write deadline in seconds
	WriteWait int `mapstructure:"write_wait_sec" json:"write_wait_sec" validate:"gte=1"`
}

// ===============================================================================
// Event Source Related Config

// Supported event source backends
const (
	EventSourcePostgres = "postgres"
	EventSourceSQLite   = "sqlite"
	EventSourceNATS     = "nats"
	EventSourceNone     = "none"
)

// PostgresConfig defines the Postgres order store parameters
type PostgresConfig struct {
	// URL is the Postgres connection string
	URL string `mapstructure:"url" json:"-"`
	// Channel is the LISTEN / NOTIFY channel carrying order changes
	Channel string `mapstructure:"channel" json:"channel"`
}

// SQLiteConfig defines the embedded order store parameters
type SQLiteConfig struct {
	// Path is the database file path
	Path string `mapstructure:"path" json:"path"`
	// PollInterval is the change feed poll interval in milliseconds
	PollInterval int `mapstructure:"poll_interval_ms" json:"poll_interval_ms" validate:"gte=0"`
}

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=0"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=0"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect"`
	// ChangeSubject is the subject order changes are published on
	ChangeSubject string `mapstructure:"change_subject" json:"change_subject"`
	// LookupSubject is the request / reply subject for order lookups
	LookupSubject string `mapstructure:"lookup_subject" json:"lookup_subject"`
	// LookupTimeout is the order lookup timeout in milliseconds
	LookupTimeout int `mapstructure:"lookup_timeout_ms" json:"lookup_timeout_ms" validate:"gte=0"`
}

// EventSourceConfig defines where order state and order changes come from
type EventSourceConfig struct {
	// Type selects the backend
	Type string `mapstructure:"type" json:"type" validate:"required,oneof=postgres sqlite nats none"`
	// ActiveStatuses is the set of order statuses relayed to kitchen displays
	ActiveStatuses []string `mapstructure:"active_statuses" json:"active_statuses" validate:"required,min=1,dive,required"`
	// Postgres backend parameters
	Postgres PostgresConfig `mapstructure:"postgres" json:"postgres"`
	// SQLite backend parameters
	SQLite SQLiteConfig `mapstructure:"sqlite" json:"sqlite"`
	// NATS backend parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats"`
}

// Validate check the parameters of the selected backend are present
func (c EventSourceConfig) Validate() error {
	switch c.Type {
	case EventSourcePostgres:
		if c.Postgres.URL == "" {
			return fmt.Errorf("postgres event source requires a connection URL")
		}
		if c.Postgres.Channel == "" {
			return fmt.Errorf("postgres event source requires a notify channel")
		}
	case EventSourceSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite event source requires a database path")
		}
		if c.SQLite.PollInterval <= 0 {
			return fmt.Errorf("sqlite event source requires a positive poll interval")
		}
	case EventSourceNATS:
		if c.NATS.ServerURI == "" || c.NATS.ChangeSubject == "" || c.NATS.LookupSubject == "" {
			return fmt.Errorf("nats event source requires server URI, change and lookup subjects")
		}
		if c.NATS.LookupTimeout <= 0 {
			return fmt.Errorf("nats event source requires a positive lookup timeout")
		}
	}
	return nil
}

// ===============================================================================
// POS Related Config

// MesaConfig identifies one table whose POS sale should be polled from startup
type MesaConfig struct {
	// Slug is the restaurant slug
	Slug string `mapstructure:"slug" json:"slug" validate:"required"`
	// MesaID is the table ID within the restaurant
	MesaID string `mapstructure:"mesa_id" json:"mesa_id" validate:"required"`
}

// POSConfig defines parameters for polling the third-party POS API
type POSConfig struct {
	// Enabled whether to poll the POS API at all
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// BaseURL is the POS API base URL
	BaseURL string `mapstructure:"base_url" json:"base_url" validate:"omitempty,url"`
	// ClientID is the POS API client credential ID
	ClientID string `mapstructure:"client_id" json:"client_id"`
	// ClientSecret is the POS API client credential secret
	ClientSecret string `mapstructure:"client_secret" json:"-"`
	// TokenPath is the path of the token endpoint
	TokenPath string `mapstructure:"token_path" json:"token_path"`
	// SalePath is the path template of the sale endpoint. "{slug}" and "{mesaId}" are
	// substituted.
	SalePath string `mapstructure:"sale_path" json:"sale_path"`
	// RequestTimeout is the timeout for one POS API call in milliseconds
	RequestTimeout int `mapstructure:"request_timeout_ms" json:"request_timeout_ms" validate:"gte=1"`
	// PollInterval is the poll period in seconds
	PollInterval int `mapstructure:"poll_interval_sec" json:"poll_interval_sec" validate:"gte=1"`
	// Workers is the number of parallel fetch workers
	Workers int `mapstructure:"workers" json:"workers" validate:"gte=1"`
	// MaxEntities is the max number of tables tracked at once
	MaxEntities int `mapstructure:"max_entities" json:"max_entities" validate:"gte=1"`
	// Mesas are the tables to track from startup
	Mesas []MesaConfig `mapstructure:"mesas" json:"mesas" validate:"dive"`
}

// Validate check the POS parameters are complete when polling is enabled
func (c POSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.BaseURL == "" || c.TokenPath == "" || c.SalePath == "" {
		return fmt.Errorf("POS polling requires base URL, token path and sale path")
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("POS polling requires client credentials")
	}
	if !strings.Contains(c.SalePath, "{mesaId}") {
		return fmt.Errorf("POS sale path %s does not reference {mesaId}", c.SalePath)
	}
	return nil
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by the hub server
type SystemConfig struct {
	// Hub are the hub event loop parameters
	Hub HubConfig `mapstructure:"hub" json:"hub"`
	// APIServer are the HTTP server parameters
	APIServer HTTPConfig `mapstructure:"api_server" json:"api_server"`
	// Endpoints are the trigger API endpoint parameters
	Endpoints EndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config"`
	// WebSocket are the client socket parameters
	WebSocket WebSocketConfig `mapstructure:"websocket" json:"websocket"`
	// EventSource are the order store parameters
	EventSource EventSourceConfig `mapstructure:"event_source" json:"event_source"`
	// POS are the POS polling parameters
	POS POSConfig `mapstructure:"pos" json:"pos"`
}

// Validate run the struct tag validation and the cross field checks
func (c *SystemConfig) Validate(validate *validator.Validate) error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if err := c.EventSource.Validate(); err != nil {
		return err
	}
	return c.POS.Validate()
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Environment overrides, e.g. ORDERHUB_EVENT_SOURCE_POSTGRES_URL
	viper.SetEnvPrefix("orderhub")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Default hub settings
	viper.SetDefault("hub.task_buffer", 256)
	viper.SetDefault("hub.send_queue_len", 64)
	viper.SetDefault("hub.request_timeout_ms", 5000)

	// Default API server settings
	viper.SetDefault("endpoint_config.path_prefix", "/")
	viper.SetDefault("api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api_server.server_config.listen_port", 3001)
	viper.SetDefault("api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault("api_server.logging_config.request_id_header", "Orderhub-Request-ID")
	viper.SetDefault(
		"api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default socket settings
	viper.SetDefault("websocket.path", "/ws")
	viper.SetDefault("websocket.read_buffer", 1024)
	viper.SetDefault("websocket.write_buffer", 1024)
	viper.SetDefault("websocket.max_message_bytes", 4096)
	viper.SetDefault("websocket.ping_interval_sec", 30)
	viper.SetDefault("websocket.pong_wait_sec", 60)
	viper.SetDefault("websocket.write_wait_sec", 10)

	// Default event source settings
	viper.SetDefault("event_source.type", EventSourceNone)
	viper.SetDefault(
		"event_source.active_statuses", []string{"pending", "preparing", "ready_to_send"},
	)
	viper.SetDefault("event_source.postgres.url", "")
	viper.SetDefault("event_source.postgres.channel", "order_changes")
	viper.SetDefault("event_source.sqlite.path", "orderhub.db")
	viper.SetDefault("event_source.sqlite.poll_interval_ms", 1000)
	viper.SetDefault("event_source.nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("event_source.nats.connect_timeout_sec", 30)
	viper.SetDefault("event_source.nats.reconnect.max_attempts", -1)
	viper.SetDefault("event_source.nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("event_source.nats.change_subject", "orders.changes.>")
	viper.SetDefault("event_source.nats.lookup_subject", "orders.lookup.tracking")
	viper.SetDefault("event_source.nats.lookup_timeout_ms", 2000)

	// Default POS settings
	viper.SetDefault("pos.enabled", false)
	viper.SetDefault("pos.base_url", "")
	viper.SetDefault("pos.client_id", "")
	viper.SetDefault("pos.client_secret", "")
	viper.SetDefault("pos.token_path", "/oauth/token")
	viper.SetDefault("pos.sale_path", "/v1/locales/{slug}/mesas/{mesaId}/venta")
	viper.SetDefault("pos.request_timeout_ms", 5000)
	viper.SetDefault("pos.poll_interval_sec", 5)
	viper.SetDefault("pos.workers", 4)
	viper.SetDefault("pos.max_entities", 1024)
}
