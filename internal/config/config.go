// Package config layers an optional config file under the CLI flags of
// spec §6, using viper the way dittofs layers it under its cobra root
// command. CLI flags always take precedence over file values.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Family mirrors netutil.Family without importing it, to keep config
// dependency-free of the networking layer.
type Family int

const (
	FamilyBoth Family = iota
	FamilyV4Only
	FamilyV6Only
)

// Config is the fully-resolved server configuration (spec §6 CLI surface).
type Config struct {
	Family      Family
	Interface   string
	Datastore   string
	Username    string
	Verbose     bool
	PrintVersion bool
}

const (
	DefaultDatastore = "/tftpboot"
	DefaultUsername  = "nobody"
)

// BindFlags registers spec §6's flags on fs.
func BindFlags(fs *pflag.FlagSet) {
	fs.BoolP("4", "4", false, "IPv4 only")
	fs.BoolP("6", "6", false, "IPv6 only")
	fs.StringP("if", "i", "", "bind to the given interface's address only")
	fs.StringP("datastore", "d", DefaultDatastore, "root directory to serve")
	fs.StringP("username", "u", DefaultUsername, "drop privileges to this user")
	fs.BoolP("verbose", "v", false, "enable verbose logging")
	fs.BoolP("version", "V", false, "print version and exit")
	fs.String("config", "", "optional config file (defaults layered under flags)")
}

// Load reads an optional config file (viper) then overlays fs's flags,
// which always win.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TFTPD")
	v.AutomaticEnv()
	v.SetDefault("datastore", DefaultDatastore)
	v.SetDefault("username", DefaultUsername)

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "config: read %q", path)
		}
	}
	if err := v.BindPFlags(fs); err != nil {
		return nil, errors.Wrap(err, "config: bind flags")
	}

	onlyV4, _ := fs.GetBool("4")
	onlyV6, _ := fs.GetBool("6")
	family := FamilyBoth
	switch {
	case onlyV4 && !onlyV6:
		family = FamilyV4Only
	case onlyV6 && !onlyV4:
		family = FamilyV6Only
	}

	cfg := &Config{
		Family:       family,
		Interface:    normalizeInterface(v.GetString("if")),
		Datastore:    v.GetString("datastore"),
		Username:     v.GetString("username"),
		Verbose:      v.GetBool("verbose"),
		PrintVersion: v.GetBool("version"),
	}
	return cfg, nil
}

// normalizeInterface strips a trailing zone separator some shells leave
// behind when an interface name is copy-pasted from `ip -6 addr`.
func normalizeInterface(name string) string {
	return strings.TrimSuffix(name, "%")
}
