// Package config loads Lattice's runtime configuration from LATTICE_-
// prefixed environment variables via viper, mirroring the field set the
// original backend's RuntimeConfig and DbConfig expose.
package config

import (
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/loopwic/lattice/internal/errs"
)

// RuntimeConfig is the full set of knobs the server reads at startup.
type RuntimeConfig struct {
	BindAddr      string
	APIToken      string
	OpTokenAdminIDs        []int64
	OpTokenAllowedGroupIDs []int64
	ReportDir            string
	PublicBaseURL        string
	WebhookURL           string
	WebhookTemplate      string
	AlertWebhookURL      string
	AlertWebhookTemplate string
	AlertWebhookToken    string
	AlertGroupID         int64

	KeyItemsPath     string
	ItemRegistryPath string

	TransferWindowSeconds     int64
	KeyItemWindowMinutes      int64
	StrictEnabled             bool
	StrictPickupWindowSeconds int64
	StrictPickupThreshold     int64

	MaxBodyBytes          int64
	RequestTimeoutSeconds int64

	ReportHour   int
	ReportMinute int

	DB  DbConfig
	NATSURL string

	BotBridgeWSURL string
}

// DbConfig is the ClickHouse connection configuration.
type DbConfig struct {
	ClickHouseURL      string
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bind_addr", "0.0.0.0:8080")
	v.SetDefault("report_dir", "./data/reports")
	v.SetDefault("key_items_path", "./data/config/key_items.yaml")
	v.SetDefault("item_registry_path", "./data/config/item_registry.json")
	v.SetDefault("transfer_window_seconds", 2)
	v.SetDefault("key_item_window_minutes", 10)
	v.SetDefault("strict_enabled", false)
	v.SetDefault("strict_pickup_window_seconds", 30)
	v.SetDefault("strict_pickup_threshold", 256)
	v.SetDefault("max_body_bytes", 10<<20)
	v.SetDefault("request_timeout_seconds", 10)
	v.SetDefault("report_hour", 9)
	v.SetDefault("report_minute", 0)
	v.SetDefault("db.clickhouse_url", "localhost:9000")
	v.SetDefault("db.clickhouse_database", "lattice")
}

// Load reads configuration from LATTICE_-prefixed environment variables.
// A missing bind_addr, report_dir, or clickhouse_url is not possible since
// every one of those carries a default; Load only ever fails on a
// malformed value (e.g. a non-integer op_token_allowed_group_ids entry).
func Load() (RuntimeConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("LATTICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := RuntimeConfig{
		BindAddr:             v.GetString("bind_addr"),
		APIToken:             v.GetString("api_token"),
		ReportDir:            v.GetString("report_dir"),
		PublicBaseURL:        v.GetString("public_base_url"),
		WebhookURL:           v.GetString("webhook_url"),
		WebhookTemplate:      v.GetString("webhook_template"),
		AlertWebhookURL:      v.GetString("alert_webhook_url"),
		AlertWebhookTemplate: v.GetString("alert_webhook_template"),
		AlertWebhookToken:    v.GetString("alert_webhook_token"),
		AlertGroupID:         v.GetInt64("alert_group_id"),

		KeyItemsPath:     v.GetString("key_items_path"),
		ItemRegistryPath: v.GetString("item_registry_path"),

		TransferWindowSeconds:     v.GetInt64("transfer_window_seconds"),
		KeyItemWindowMinutes:      v.GetInt64("key_item_window_minutes"),
		StrictEnabled:             v.GetBool("strict_enabled"),
		StrictPickupWindowSeconds: v.GetInt64("strict_pickup_window_seconds"),
		StrictPickupThreshold:     v.GetInt64("strict_pickup_threshold"),

		MaxBodyBytes:          v.GetInt64("max_body_bytes"),
		RequestTimeoutSeconds: v.GetInt64("request_timeout_seconds"),

		ReportHour:   v.GetInt("report_hour"),
		ReportMinute: v.GetInt("report_minute"),

		NATSURL: v.GetString("nats_url"),

		BotBridgeWSURL: v.GetString("bot_bridge_ws_url"),

		DB: DbConfig{
			ClickHouseURL:      v.GetString("db.clickhouse_url"),
			ClickHouseDatabase: v.GetString("db.clickhouse_database"),
			ClickHouseUser:     v.GetString("db.clickhouse_user"),
			ClickHousePassword: v.GetString("db.clickhouse_password"),
		},
	}

	ids, err := parseInt64List(v.GetString("op_token_admin_ids"))
	if err != nil {
		return RuntimeConfig{}, errs.NewBadRequest("LATTICE_OP_TOKEN_ADMIN_IDS: %v", err)
	}
	cfg.OpTokenAdminIDs = ids

	allowed, err := parseInt64List(v.GetString("op_token_allowed_group_ids"))
	if err != nil {
		return RuntimeConfig{}, errs.NewBadRequest("LATTICE_OP_TOKEN_ALLOWED_GROUP_IDS: %v", err)
	}
	cfg.OpTokenAllowedGroupIDs = allowed

	return cfg, nil
}

// parseInt64List parses a comma-separated list of integers, ignoring
// blank entries. An empty input yields a nil slice, not an error.
func parseInt64List(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var out []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
