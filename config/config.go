// Package config loads bridge definitions from a YAML, TOML or JSON
// document and turns a url field into a concrete base.SerialDevice. It is
// the Go rendering of ser2tcp.py's load_config/serial_for_config/bridges.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cybroslabs/ser2tcp-go/base"
	"github.com/cybroslabs/ser2tcp-go/posixserial"
	"github.com/cybroslabs/ser2tcp-go/rfc2217client"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	yaml "go.yaml.in/yaml/v3"
)

// decodeSequence returns (entries, true, nil) if path's document is a
// top-level sequence, (nil, false, nil) if it is a top-level mapping (the
// caller then drives it through viper), or an error if the document could
// not be parsed at all.
func decodeSequence(path, ext string) ([]interface{}, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}

	var v interface{}
	switch ext {
	case "yaml", "yml":
		err = yaml.Unmarshal(data, &v)
	case "toml":
		err = toml.Unmarshal(data, &v)
	case "json":
		err = json.Unmarshal(data, &v)
	}
	if err != nil {
		return nil, false, err
	}
	list, ok := v.([]interface{})
	return list, ok, nil
}

// Mode names accepted in the "mode" field.
const (
	ModeRFC2217 = "rfc2217"
	ModeRaw     = "raw"
)

// TOS names accepted in the "tos" field, mapped to the IP_TOS byte values
// ser2tcp.py's tos() function recognises.
const (
	TOSNormal      = 0x0
	TOSLowDelay    = 0x10
	TOSThroughput  = 0x08
	TOSReliability = 0x04
	TOSMinCost     = 0x02
)

// Listener identifies the TCP host:port a bridge accepts connections on.
type Listener struct {
	Host string
	Port int
}

// Config is one bridge entry. Name is only populated when the
// document used the mapping form keyed by bridge name.
type Config struct {
	Name     string
	URL      string
	Listener Listener

	BaudRate int
	DataBits int
	Parity   base.Parity
	StopBits base.StopBits
	XonXoff  bool
	RtsCts   bool

	// Timeout is the network/serial timeout; <0 means infinite, per §6.4.
	Timeout  time.Duration
	NoDelay  bool
	TOS      int
	Mode     string
	OpenNow  bool
}

type rawEntry struct {
	URL      string      `mapstructure:"url"`
	Listener interface{} `mapstructure:"listener"`
	BaudRate int         `mapstructure:"baudrate"`
	ByteSize int         `mapstructure:"bytesize"`
	Parity   string      `mapstructure:"parity"`
	StopBits float64     `mapstructure:"stopbits"`
	XonXoff  bool        `mapstructure:"xonxoff"`
	RtsCts   bool        `mapstructure:"rtscts"`
	Timeout  float64     `mapstructure:"timeout"`
	NoDelay  bool        `mapstructure:"no_delay"`
	TOS      string      `mapstructure:"tos"`
	Mode     string      `mapstructure:"mode"`
	Open     *bool       `mapstructure:"open"`
}

// Load reads path (extension determines format: .yaml/.yml/.toml/.json) and
// returns its bridge entries. Both the sequence form and the mapping-keyed-
// by-name form (bridges()'s isinstance(config, dict) branch) are accepted.
//
// viper's own config reader requires a map-rooted document, so it drives
// the common mapping-keyed-by-name form directly; a bare top-level sequence
// is decoded with the same per-extension codec viper itself vendors
// (go.yaml.in/yaml/v3, pelletier/go-toml/v2) before being fed through the
// same per-entry decode path.
func Load(path string) ([]Config, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	switch ext {
	case "yaml", "yml", "toml", "json":
	default:
		return nil, base.NewConfigError("unsupported configuration extension: " + ext)
	}

	var entries []rawEntry
	var names []string

	if list, ok, err := decodeSequence(path, ext); err != nil {
		return nil, base.WrapConfigError("reading "+path, err)
	} else if ok {
		for _, item := range list {
			var e rawEntry
			if err := decodeEntry(item, &e); err != nil {
				return nil, base.WrapConfigError("decoding bridge entry", err)
			}
			entries = append(entries, e)
			names = append(names, "")
		}
	} else {
		v := viper.New()
		v.SetConfigFile(path)
		v.SetConfigType(ext)
		if err := v.ReadInConfig(); err != nil {
			return nil, base.WrapConfigError("reading "+path, err)
		}
		for name, item := range v.AllSettings() {
			var e rawEntry
			if err := decodeEntry(item, &e); err != nil {
				return nil, base.WrapConfigError("decoding bridge "+name, err)
			}
			entries = append(entries, e)
			names = append(names, name)
		}
	}

	out := make([]Config, 0, len(entries))
	for i, e := range entries {
		c, err := toConfig(e)
		if err != nil {
			return nil, err
		}
		c.Name = names[i]
		out = append(out, c)
	}
	return out, nil
}

func decodeEntry(item interface{}, dst *rawEntry) error {
	return mapstructure.Decode(item, dst)
}

func toConfig(e rawEntry) (Config, error) {
	c := Config{
		URL:      e.URL,
		BaudRate: e.BaudRate,
		XonXoff:  e.XonXoff,
		RtsCts:   e.RtsCts,
		NoDelay:  e.NoDelay,
		Mode:     strings.ToLower(e.Mode),
		OpenNow:  true,
	}
	if c.URL == "" {
		return c, base.NewConfigError("bridge entry missing url")
	}
	if c.Mode == "" {
		c.Mode = ModeRFC2217
	}
	if c.Mode != ModeRFC2217 && c.Mode != ModeRaw {
		return c, base.NewConfigError("unknown mode: " + e.Mode)
	}

	if e.ByteSize == 0 {
		c.DataBits = base.Serial8DataBits
	} else {
		c.DataBits = e.ByteSize
	}

	if e.Parity == "" {
		c.Parity = base.ParityNone
	} else {
		c.Parity = base.Parity(strings.ToUpper(e.Parity[:1])[0])
	}

	switch e.StopBits {
	case 0:
		c.StopBits = base.StopBits1
	case 2:
		c.StopBits = base.StopBits2
	case 1.5:
		c.StopBits = base.StopBits1Half
	default:
		c.StopBits = base.StopBits1
	}

	if e.Timeout < 0 {
		c.Timeout = -1
	} else if e.Timeout > 0 {
		c.Timeout = time.Duration(e.Timeout * float64(time.Second))
	}

	c.TOS = tosValue(e.TOS)

	if e.Open != nil {
		c.OpenNow = *e.Open
	}

	lst, err := toListener(e.Listener)
	if err != nil {
		return c, err
	}
	c.Listener = lst
	return c, nil
}

func toListener(v interface{}) (Listener, error) {
	switch t := v.(type) {
	case []interface{}:
		if len(t) != 2 {
			return Listener{}, base.NewConfigError("listener must be a [host, port] pair")
		}
		host, _ := t[0].(string)
		port, err := toInt(t[1])
		if err != nil {
			return Listener{}, base.WrapConfigError("listener port", err)
		}
		return Listener{Host: host, Port: port}, nil
	case map[string]interface{}:
		host, _ := t["host"].(string)
		port, err := toInt(t["port"])
		if err != nil {
			return Listener{}, base.WrapConfigError("listener port", err)
		}
		return Listener{Host: host, Port: port}, nil
	case string:
		host, portStr, err := splitHostPort(t)
		if err != nil {
			return Listener{}, base.WrapConfigError("listener", err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return Listener{}, base.WrapConfigError("listener port", err)
		}
		return Listener{Host: host, Port: port}, nil
	default:
		return Listener{}, base.NewConfigError("bridge entry missing listener")
	}
}

func splitHostPort(s string) (string, string, error) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "", "", fmt.Errorf("expected host:port, got %q", s)
	}
	return s[:i], s[i+1:], nil
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

func tosValue(name string) int {
	switch strings.ToLower(name) {
	case "lowdelay":
		return TOSLowDelay
	case "throughput":
		return TOSThroughput
	case "reliability":
		return TOSReliability
	case "mincost":
		return TOSMinCost
	default:
		return TOSNormal
	}
}

// OpenDevice builds the base.SerialDevice a bridge entry describes: a real
// tty for a plain device path, or a ClientSession for an rfc2217:// URL
// (bridging through an upstream access server), per §6.3/§4.K.
func OpenDevice(c Config, logger *zap.SugaredLogger) (base.SerialDevice, error) {
	settings := base.SerialSettings{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		Parity:   c.Parity,
		StopBits: c.StopBits,
	}
	u, err := url.Parse(c.URL)
	if err != nil || u.Scheme == "" {
		return posixserial.New(c.URL, settings, logger), nil
	}
	if u.Scheme != "rfc2217" {
		return nil, base.NewConfigError("unsupported serial url scheme: " + u.Scheme)
	}

	port, err := strconv.Atoi(u.Port())
	if err != nil || port < 0 || port > 65535 {
		return nil, base.NewConfigError("rfc2217 url has invalid port: " + u.Port())
	}

	q := u.Query()
	opts := rfc2217client.Options{
		Timeout:                c.Timeout,
		IgnoreSetControlAnswer: q.Has("ign_set_control"),
		PollModem:              q.Has("poll_modem"),
	}
	if t := q.Get("timeout"); t != "" {
		secs, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return nil, base.WrapConfigError("rfc2217 url timeout option", err)
		}
		opts.Timeout = time.Duration(secs * float64(time.Second))
	}
	return rfc2217client.New(u.Hostname(), port, opts, logger), nil
}
