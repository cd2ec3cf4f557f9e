// Package profile loads chat client settings: built-in defaults, then a named
// profile from a TOML file, then THREADCHAT_* environment variables.
package profile

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/thread-chat/chat"
	"github.com/gosuda/thread-chat/render"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "THREADCHAT_"

// DefaultName is the profile used when neither the caller nor the file names one.
const DefaultName = "default"

// Profile is everything one chat client needs to join a thread.
type Profile struct {
	Endpoint     string `toml:"endpoint"      env:"ENDPOINT"`
	ThreadID     string `toml:"thread_id"     env:"THREAD_ID"`
	MailboxID    string `toml:"mailbox_id"    env:"MAILBOX_ID"`
	Render       string `toml:"render"        env:"RENDER"`
	FollowLimit  int    `toml:"follow_limit"  env:"FOLLOW_LIMIT"`
	StringParams bool   `toml:"string_params" env:"STRING_PARAMS"`
	DisplayName  string `toml:"display_name"  env:"DISPLAY_NAME"`
	ExternalID   string `toml:"external_id"   env:"EXTERNAL_ID"`
	DataPath     string `toml:"data_path"     env:"DATA_PATH"`
}

// file is the on-disk layout:
//
//	default = "smick"
//	[profile.smick]
//	endpoint = "ws://chat.smick.co/socket/"
type file struct {
	Default  string                    `toml:"default"`
	Profiles map[string]toml.Primitive `toml:"profile"`
}

// Builtin returns the settings of the original hearst deployment.
func Builtin() Profile {
	return Profile{
		Endpoint:     "ws://chat.smick.co/socket/",
		ThreadID:     "60bec351-0a7d-4a30-8eb5-af942ad371f4",
		MailboxID:    "74e82cc4-4291-49cf-845d-c290ea2b3318",
		Render:       string(render.ModeRich),
		FollowLimit:  chat.DefaultFollowLimit,
		StringParams: true,
		DisplayName:  chat.DefaultDisplayName,
	}
}

// Load resolves a profile. path may be empty to skip the file; name may be
// empty to use the file's default.
func Load(path, name string) (Profile, error) {
	p := Builtin()
	if path != "" {
		if err := decodeFile(path, name, &p); err != nil {
			return Profile{}, err
		}
	} else if name != "" && name != DefaultName {
		return Profile{}, fmt.Errorf("%w: profile %q requested without a config file", chat.ErrConfiguration, name)
	}
	if err := env.ParseWithOptions(&p, env.Options{Prefix: EnvPrefix}); err != nil {
		return Profile{}, fmt.Errorf("parse environment: %w", err)
	}
	return p, nil
}

func decodeFile(path, name string, p *Profile) error {
	var f file
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if name == "" {
		name = f.Default
	}
	if name == "" {
		name = DefaultName
	}
	prim, ok := f.Profiles[name]
	if !ok {
		if name == DefaultName && len(f.Profiles) == 0 {
			return nil
		}
		return fmt.Errorf("%w: profile %q not found in %s", chat.ErrConfiguration, name, path)
	}
	// Decoding onto the builtin values keeps every key the profile omits.
	if err := md.PrimitiveDecode(prim, p); err != nil {
		return fmt.Errorf("decode profile %q: %w", name, err)
	}
	for _, key := range md.Undecoded() {
		if len(key) > 1 && key[0] == "profile" && key[1] != name {
			continue
		}
		log.Warn().Str("key", key.String()).Str("file", path).Msg("[profile] unknown config key")
	}
	return nil
}

// Validate checks the profile before a session is built from it.
func (p Profile) Validate() error {
	if strings.TrimSpace(p.ThreadID) == "" {
		return fmt.Errorf("%w: thread_id is required", chat.ErrConfiguration)
	}
	if strings.TrimSpace(p.MailboxID) == "" {
		return fmt.Errorf("%w: mailbox_id is required", chat.ErrConfiguration)
	}
	u, err := url.Parse(p.Endpoint)
	if err != nil {
		return fmt.Errorf("%w: endpoint: %w", chat.ErrConfiguration, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: endpoint %q must use ws:// or wss://", chat.ErrConfiguration, p.Endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: endpoint %q has no host", chat.ErrConfiguration, p.Endpoint)
	}
	if p.FollowLimit < 0 {
		return fmt.Errorf("%w: follow_limit must not be negative", chat.ErrConfiguration)
	}
	if _, err := render.ParseMode(p.Render); err != nil {
		return fmt.Errorf("%w: %w", chat.ErrConfiguration, err)
	}
	return nil
}

// SessionOptions returns the chat options this profile implies.
func (p Profile) SessionOptions() []chat.Option {
	return []chat.Option{
		chat.WithFollowLimit(p.FollowLimit),
		chat.WithStringParams(p.StringParams),
	}
}
