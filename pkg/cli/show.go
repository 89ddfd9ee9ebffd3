package cli

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nimburion/nimlock/pkg/config"
)

const redacted = "***"

// sensitiveKeys are always masked, whether or not they came from the secrets file.
var sensitiveKeys = map[string]any{
	"storage": map[string]any{
		"dynamodb": map[string]any{
			"access_key_id":     true,
			"secret_access_key": true,
			"session_token":     true,
		},
		"etcd": map[string]any{
			"password": true,
		},
	},
}

// urlKeys may embed credentials; only their userinfo password is masked.
var urlKeys = [][]string{
	{"storage", "sql", "url"},
	{"storage", "redis", "url"},
	{"storage", "mongodb", "url"},
	{"storage", "nats", "url"},
}

func newConfigCommand(env *commandEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, settings, err := env.loader(cmd.Flags()).LoadWithSettings()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out, err := formatSettings(redactSettings(settings))
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	}
}

func redactSettings(settings config.Settings) map[string]any {
	out := redactSettingsMap(settings.Effective, sensitiveKeys)
	out = redactSettingsMap(out, settings.Secrets)
	for _, path := range urlKeys {
		redactURLAt(out, path)
	}
	return out
}

func formatSettings(settings map[string]any) (string, error) {
	if settings == nil {
		return "{}\n", nil
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(data), nil
}

func redactSettingsMap(settings, secrets map[string]any) map[string]any {
	if len(settings) == 0 || len(secrets) == 0 {
		return settings
	}
	out := make(map[string]any, len(settings))
	for key, value := range settings {
		mask, ok := secrets[key]
		if !ok {
			out[key] = value
			continue
		}
		out[key] = redactSettingValue(value, mask)
	}
	return out
}

func redactSettingValue(value, mask any) any {
	maskMap, maskIsMap := mask.(map[string]any)
	valueMap, valueIsMap := value.(map[string]any)
	switch {
	case maskIsMap && valueIsMap:
		return redactSettingsMap(valueMap, maskMap)
	case isEmptySetting(value):
		return value
	default:
		return redacted
	}
}

func isEmptySetting(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	case []string:
		return len(v) == 0
	default:
		return false
	}
}

func redactURLAt(settings map[string]any, path []string) {
	node := settings
	for _, key := range path[:len(path)-1] {
		next, ok := node[key].(map[string]any)
		if !ok {
			return
		}
		node = next
	}
	leaf := path[len(path)-1]
	raw, ok := node[leaf].(string)
	if !ok || raw == "" || raw == redacted {
		return
	}
	node[leaf] = redactURL(raw)
}

// redactURL masks the password of a URL, keeping the rest readable.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return redacted
	}
	if u.User == nil {
		return raw
	}
	if _, hasPassword := u.User.Password(); !hasPassword {
		return raw
	}
	// url.String would percent-encode the mask, so swap it in afterwards.
	u.User = url.UserPassword(u.User.Username(), "REDACTED")
	return strings.Replace(u.String(), "REDACTED", redacted, 1)
}
