package main

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) (err error) {
	d.Duration, err = time.ParseDuration(string(text))
	return
}

type tcpInputCfg struct {
	Enable  bool     `toml:"enable"`
	Listen  string   `toml:"listen"`
	ACL     []string `toml:"access-control-list"`
	TLS     bool     `toml:"tls-support"`
	TLSCert string   `toml:"tls-server-cert"`
	TLSKey  string   `toml:"tls-server-key"`

	acl []netip.Prefix
}

type unixInputCfg struct {
	Enable bool   `toml:"enable"`
	Path   string `toml:"path"`
	Perm   string `toml:"perm"`

	perm uint32
}

type inputCfg struct {
	TCP  tcpInputCfg  `toml:"tcp-socket"`
	Unix unixInputCfg `toml:"unix-socket"`

	DecodeWorkers int      `toml:"decode-workers"`
	DecodeQueue   int      `toml:"decode-queue"`
	MaxFrameSize  int      `toml:"max-frame-size"`
	ReadTimeout   duration `toml:"read-timeout"`
}

type filterCfg struct {
	Identities string `toml:"dnstap-identities"`
	QnameRegex string `toml:"qname-regex"`
	QnameList  string `toml:"qname-list"`

	identities *regexp.Regexp
	qname      *regexp.Regexp
}

type dispatcherCfg struct {
	QueueSize     int      `toml:"queue-size"`
	ShutdownGrace duration `toml:"shutdown-grace"`
	RestartDelay  duration `toml:"restart-delay"`
}

type statsCfg struct {
	StreamTTL     duration `toml:"stream-ttl"`
	DBPath        string   `toml:"db-path"`
	FlushInterval duration `toml:"flush-interval"`
}

type logCfg struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max-size-mb"`
	MaxBackups int    `toml:"max-backups"`
	MaxAgeDays int    `toml:"max-age-days"`
	Compress   bool   `toml:"compress"`
}

type stdoutOutputCfg struct {
	Enable bool   `toml:"enable"`
	Format string `toml:"format"`
}

type syslogOutputCfg struct {
	Enable   bool   `toml:"enable"`
	Network  string `toml:"network"`
	Address  string `toml:"address"`
	Priority int    `toml:"priority"`
	Tag      string `toml:"tag"`
	Format   string `toml:"format"`
}

type tcpOutputCfg struct {
	Enable       bool     `toml:"enable"`
	Address      string   `toml:"address"`
	Format       string   `toml:"format"`
	RetryDelay   duration `toml:"retry-delay"`
	WriteTimeout duration `toml:"write-timeout"`
}

type metricsOutputCfg struct {
	Enable bool   `toml:"enable"`
	Listen string `toml:"listen"`
	Path   string `toml:"path"`
}

type gelfOutputCfg struct {
	Enable  bool   `toml:"enable"`
	Network string `toml:"network"`
	Address string `toml:"address"`
}

type kafkaOutputCfg struct {
	Enable       bool     `toml:"enable"`
	Brokers      []string `toml:"brokers"`
	Topic        string   `toml:"topic"`
	Format       string   `toml:"format"`
	BatchSize    int      `toml:"batch-size"`
	BatchTimeout duration `toml:"batch-timeout"`
}

type outputCfg struct {
	Stdout  stdoutOutputCfg  `toml:"stdout"`
	Syslog  syslogOutputCfg  `toml:"syslog"`
	TCP     tcpOutputCfg     `toml:"tcp"`
	Metrics metricsOutputCfg `toml:"metrics"`
	Gelf    gelfOutputCfg    `toml:"gelf"`
	Kafka   kafkaOutputCfg   `toml:"kafka"`
}

// config is built once at startup and shared read-only afterwards
type config struct {
	Input      inputCfg      `toml:"input"`
	Filter     filterCfg     `toml:"filter"`
	Dispatcher dispatcherCfg `toml:"dispatcher"`
	Stats      statsCfg      `toml:"stats"`
	Log        logCfg        `toml:"log"`
	Output     outputCfg     `toml:"output"`
}

func defaultConfig() *config {
	return &config{
		Input: inputCfg{
			TCP: tcpInputCfg{
				Listen: "0.0.0.0:6000",
				ACL:    []string{"0.0.0.0/0", "::/0"},
			},
			Unix: unixInputCfg{
				Perm: "666",
			},
			DecodeWorkers: 1,
			DecodeQueue:   1024,
			MaxFrameSize:  defaultMaxFrameSize,
		},
		Dispatcher: dispatcherCfg{
			QueueSize:     10000,
			ShutdownGrace: duration{5 * time.Second},
			RestartDelay:  duration{time.Second},
		},
		Stats: statsCfg{
			StreamTTL:     duration{time.Hour},
			FlushInterval: duration{time.Minute},
		},
		Log: logCfg{
			Level:  "info",
			Format: "text",
		},
		Output: outputCfg{
			Stdout: stdoutOutputCfg{
				Format: "text",
			},
			Syslog: syslogOutputCfg{
				Network: "udp",
				Address: "127.0.0.1:514",
				// LOG_LOCAL0 | LOG_INFO
				Priority: 16<<3 | 6,
				Tag:      "dnstap-receiver",
				Format:   "text",
			},
			TCP: tcpOutputCfg{
				Format:       "text",
				RetryDelay:   duration{time.Second},
				WriteTimeout: duration{5 * time.Second},
			},
			Metrics: metricsOutputCfg{
				Listen: "127.0.0.1:8080",
				Path:   "/metrics",
			},
			Gelf: gelfOutputCfg{
				Network: "udp",
			},
			Kafka: kafkaOutputCfg{
				Topic:        "dnstap",
				Format:       "json",
				BatchSize:    100,
				BatchTimeout: duration{time.Second},
			},
		},
	}
}

func loadConfig(path string) (c *config, err error) {
	c = defaultConfig()

	if path != "" {
		md, err := toml.DecodeFile(path, c)
		if err != nil {
			return nil, fmt.Errorf("unable to parse config: %w", err)
		}

		if u := md.Undecoded(); len(u) > 0 {
			return nil, fmt.Errorf("unknown config keys: %v", u)
		}
	}

	if err = c.validate(); err != nil {
		return nil, err
	}

	return
}

func checkFormat(section, f string) error {
	switch f {
	case formatText, formatJSON:
		return nil
	}

	return fmt.Errorf("%s: unknown format '%s' (text or json)", section, f)
}

func (c *config) validate() (err error) {
	in := &c.Input
	if !in.TCP.Enable && !in.Unix.Enable {
		return fmt.Errorf("no input enabled")
	}

	if in.TCP.Enable {
		if in.TCP.Listen == "" {
			return fmt.Errorf("input.tcp-socket: listen address is empty")
		}

		in.TCP.acl = in.TCP.acl[:0]
		for _, s := range in.TCP.ACL {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return fmt.Errorf("input.tcp-socket: bad access-control-list entry '%s': %w", s, err)
			}

			in.TCP.acl = append(in.TCP.acl, p.Masked())
		}

		if in.TCP.TLS && (in.TCP.TLSCert == "" || in.TCP.TLSKey == "") {
			return fmt.Errorf("input.tcp-socket: tls-support needs tls-server-cert and tls-server-key")
		}
	}

	if in.Unix.Enable {
		if in.Unix.Path == "" {
			return fmt.Errorf("input.unix-socket: path is empty")
		}

		if in.Unix.Perm != "" {
			octal, err := strconv.ParseUint(in.Unix.Perm, 8, 32)
			if err != nil {
				return fmt.Errorf("input.unix-socket: unable to parse '%s' as octal: %w", in.Unix.Perm, err)
			}

			in.Unix.perm = uint32(octal)
		}
	}

	if in.DecodeWorkers < 1 {
		return fmt.Errorf("input: decode-workers must be at least 1, %d provided", in.DecodeWorkers)
	}

	if in.DecodeQueue < 1 {
		return fmt.Errorf("input: decode-queue must be at least 1, %d provided", in.DecodeQueue)
	}

	if in.MaxFrameSize < 1 {
		return fmt.Errorf("input: max-frame-size must be positive")
	}

	if c.Filter.Identities != "" {
		if c.Filter.identities, err = regexp.Compile(c.Filter.Identities); err != nil {
			return fmt.Errorf("filter: bad dnstap-identities regex: %w", err)
		}
	}

	if c.Filter.QnameRegex != "" {
		if c.Filter.qname, err = regexp.Compile(c.Filter.QnameRegex); err != nil {
			return fmt.Errorf("filter: bad qname-regex: %w", err)
		}
	}

	if c.Dispatcher.QueueSize < 1 {
		return fmt.Errorf("dispatcher: queue-size must be at least 1, %d provided", c.Dispatcher.QueueSize)
	}

	o := &c.Output
	if o.Stdout.Enable {
		if err = checkFormat("output.stdout", o.Stdout.Format); err != nil {
			return
		}
	}

	if o.Syslog.Enable {
		if err = checkFormat("output.syslog", o.Syslog.Format); err != nil {
			return
		}
	}

	if o.TCP.Enable {
		if o.TCP.Address == "" {
			return fmt.Errorf("output.tcp: address is empty")
		}

		if err = checkFormat("output.tcp", o.TCP.Format); err != nil {
			return
		}

		if o.TCP.RetryDelay.Duration < 0 || o.TCP.WriteTimeout.Duration < 0 {
			return fmt.Errorf("output.tcp: retry-delay and write-timeout must not be negative")
		}
	}

	if o.Metrics.Enable {
		if o.Metrics.Listen == "" {
			return fmt.Errorf("output.metrics: listen address is empty")
		}

		if !strings.HasPrefix(o.Metrics.Path, "/") {
			return fmt.Errorf("output.metrics: path must start with '/'")
		}
	}

	if o.Gelf.Enable {
		if o.Gelf.Address == "" {
			return fmt.Errorf("output.gelf: address is empty")
		}

		if o.Gelf.Network != "udp" && o.Gelf.Network != "tcp" {
			return fmt.Errorf("output.gelf: unknown network '%s' (udp or tcp)", o.Gelf.Network)
		}
	}

	if o.Kafka.Enable {
		if len(o.Kafka.Brokers) == 0 || o.Kafka.Topic == "" {
			return fmt.Errorf("output.kafka: brokers and topic are required")
		}

		if err = checkFormat("output.kafka", o.Kafka.Format); err != nil {
			return
		}

		if o.Kafka.BatchSize < 1 {
			return fmt.Errorf("output.kafka: batch-size must be at least 1, %d provided", o.Kafka.BatchSize)
		}

		if o.Kafka.BatchTimeout.Duration <= 0 {
			return fmt.Errorf("output.kafka: batch-timeout must be positive")
		}
	}

	return nil
}

// enabledSinks lists the enabled output sections in a stable order
func (c *config) enabledSinks() (names []string) {
	o := &c.Output
	for _, s := range []struct {
		name string
		on   bool
	}{
		{"stdout", o.Stdout.Enable},
		{"syslog", o.Syslog.Enable},
		{"tcp", o.TCP.Enable},
		{"metrics", o.Metrics.Enable},
		{"gelf", o.Gelf.Enable},
		{"kafka", o.Kafka.Enable},
	} {
		if s.on {
			names = append(names, s.name)
		}
	}

	return
}
