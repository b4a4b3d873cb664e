// Package config loads and validates the YAML configuration of a replimap node.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hyp3rd/ewrap"
	"gopkg.in/yaml.v3"

	"github.com/hyp3rd/replimap"
	"github.com/hyp3rd/replimap/internal/constants"
	"github.com/hyp3rd/replimap/internal/sentinel"
	"github.com/hyp3rd/replimap/pkg/cluster"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the root of a node configuration file.
type Config struct {
	Map                  string        `yaml:"map"                    validate:"required"`
	Strategy             string        `yaml:"strategy"               validate:"oneof=single-backup full-mesh"`
	Serializer           string        `yaml:"serializer"             validate:"oneof=msgpack json cbor"`
	StateTransferTimeout time.Duration `yaml:"state_transfer_timeout" validate:"gt=0"`

	Node       Node       `yaml:"node"`
	Transport  Transport  `yaml:"transport"`
	Discovery  Discovery  `yaml:"discovery"`
	Management Management `yaml:"management"`
	Log        Log        `yaml:"log"`
}

// Node identifies the local member.
type Node struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr" validate:"required,hostname_port"`
}

// Peer is a statically configured remote member.
type Peer struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr" validate:"required,hostname_port"`
}

// Transport selects and tunes the message transport.
type Transport struct {
	Kind         string        `yaml:"kind"          validate:"oneof=http redis"`
	Peers        []Peer        `yaml:"peers"         validate:"dive"`
	SendTimeout  time.Duration `yaml:"send_timeout"  validate:"gt=0"`
	Heartbeat    time.Duration `yaml:"heartbeat"     validate:"gt=0"`
	SuspectAfter time.Duration `yaml:"suspect_after" validate:"gtfield=Heartbeat"`
	DeadAfter    time.Duration `yaml:"dead_after"    validate:"gtfield=SuspectAfter"`
	Compression  bool          `yaml:"compression"`
	CompressFrom int           `yaml:"compress_from" validate:"gte=0"`
	Redis        Redis         `yaml:"redis"`
}

// Redis configures the pub/sub transport.
type Redis struct {
	Addr     string `yaml:"addr"     validate:"omitempty,hostname_port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"       validate:"gte=0"`
	Group    string `yaml:"group"`
}

// Discovery configures etcd based peer discovery. Disabled when no endpoints are set.
type Discovery struct {
	Endpoints []string      `yaml:"endpoints" validate:"dive,required"`
	Prefix    string        `yaml:"prefix"`
	TTL       time.Duration `yaml:"ttl"       validate:"omitempty,gte=1s"`
}

// Management configures the admin HTTP server. Disabled when addr is empty.
type Management struct {
	Addr  string `yaml:"addr"  validate:"omitempty,hostname_port"`
	Token string `yaml:"token"`
}

// Log configures the zap logger.
type Log struct {
	Level       string `yaml:"level"       validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

// Default returns a configuration with every tunable set.
func Default() Config {
	return Config{
		Map:                  constants.DefaultMapName,
		Strategy:             constants.SingleBackupStrategy,
		Serializer:           "msgpack",
		StateTransferTimeout: constants.DefaultStateTransferTimeout,
		Transport: Transport{
			Kind:         constants.HTTPTransport,
			SendTimeout:  constants.DefaultSendTimeout,
			Heartbeat:    constants.DefaultHeartbeatInterval,
			SuspectAfter: constants.DefaultSuspectAfter,
			DeadAfter:    constants.DefaultDeadAfter,
			CompressFrom: constants.DefaultCompressionThreshold,
		},
		Discovery: Discovery{
			Prefix: "/replimap",
			TTL:    10 * time.Second,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path, overlays it on Default and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, ewrap.Wrapf(err, "read config %s", path)
	}

	return Parse(data)
}

// Parse decodes YAML bytes on top of Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	err := yaml.Unmarshal(data, &cfg)
	if err != nil {
		return Config{}, ewrap.Wrap(err, "decode config")
	}

	err = cfg.Validate()
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks struct tags and the cross-section rules tags cannot express.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err != nil {
		return formatValidationError(err)
	}

	if c.Transport.Kind == constants.RedisTransport && c.Transport.Redis.Addr == "" {
		return ewrap.Wrap(sentinel.ErrInvalidConfig, "transport.redis.addr is required for the redis transport")
	}

	return nil
}

// LocalMember builds the local cluster member.
func (c Config) LocalMember() (cluster.Member, error) {
	return cluster.ParseMember(c.Node.ID, c.Node.Addr)
}

// Peers builds the statically configured peers.
func (c Config) Peers() ([]cluster.Member, error) {
	peers := make([]cluster.Member, 0, len(c.Transport.Peers))

	for _, p := range c.Transport.Peers {
		member, err := cluster.ParseMember(p.ID, p.Addr)
		if err != nil {
			return nil, err
		}

		peers = append(peers, member)
	}

	return peers, nil
}

// ReplicationStrategy parses the configured strategy.
func (c Config) ReplicationStrategy() (replimap.Strategy, error) {
	return replimap.ParseStrategy(c.Strategy)
}

// RedisGroup is the key namespace shared by all members of the redis transport.
func (c Config) RedisGroup() string {
	if c.Transport.Redis.Group != "" {
		return c.Transport.Redis.Group
	}

	return c.Map
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return ewrap.Wrap(sentinel.ErrInvalidConfig, err.Error())
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))

			continue
		}

		msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
	}

	return ewrap.Wrap(sentinel.ErrInvalidConfig, strings.Join(msgs, "; "))
}
