package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// CodecGRPC 在 socket 上运行完整的 gRPC（默认）。
	CodecGRPC = "grpc"
	// CodecFrame 使用 varint 长度前缀的原始帧。
	CodecFrame = "frame"
)

// Config 控制客户端 Channel 与服务端 Proxy 的共同行为。
type Config struct {
	Codec string `yaml:"codec"`
	// Endpoint 覆盖默认的 abstract socket 地址，例如 unix:///path 或 vsock://3:5000。
	Endpoint string `yaml:"endpoint"`

	CallTimeout      time.Duration `yaml:"call_timeout"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	MaxFrameSize     int           `yaml:"max_frame_size"`
	KeepaliveTime    time.Duration `yaml:"keepalive_time"`
	KeepaliveTimeout time.Duration `yaml:"keepalive_timeout"`

	Breaker BreakerConfig `yaml:"breaker"`

	// 以下字段仅服务端使用。
	RateLimit float64  `yaml:"rate_limit"`
	RateBurst int      `yaml:"rate_burst"`
	AllowUIDs []uint32 `yaml:"allow_uids"`
}

// BreakerConfig 决定连续拨号失败后的快速失败窗口。
type BreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// DefaultConfig 返回安全默认值。外部 signer 可能需要用户确认，调用超时放宽到 60s。
func DefaultConfig() Config {
	return Config{
		Codec:            CodecGRPC,
		CallTimeout:      60 * time.Second,
		DialTimeout:      2 * time.Second,
		MaxFrameSize:     4 << 20,
		KeepaliveTime:    30 * time.Second,
		KeepaliveTimeout: 10 * time.Second,
		Breaker: BreakerConfig{
			Threshold: 3,
			Cooldown:  time.Second,
		},
		RateBurst: 1,
	}
}

// Normalize 用默认值补齐零值字段并校验 codec。
func (c Config) Normalize() (Config, error) {
	def := DefaultConfig()
	if c.Codec == "" {
		c.Codec = def.Codec
	}
	c.Codec = strings.ToLower(c.Codec)
	if c.Codec != CodecGRPC && c.Codec != CodecFrame {
		return c, fmt.Errorf("unsupported codec %q", c.Codec)
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = def.MaxFrameSize
	}
	if c.KeepaliveTime <= 0 {
		c.KeepaliveTime = def.KeepaliveTime
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = def.KeepaliveTimeout
	}
	if c.Breaker.Threshold < 0 {
		c.Breaker.Threshold = 0
	}
	if c.Breaker.Cooldown <= 0 {
		c.Breaker.Cooldown = def.Breaker.Cooldown
	}
	if c.RateBurst <= 0 {
		c.RateBurst = def.RateBurst
	}
	return c, nil
}

// LoadFile 从 YAML 文件读取配置，未出现的字段保留默认值。
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg.Normalize()
}

// LoadFromEnv 在 base 之上叠加 NIP55_* 环境变量，非法值被忽略。
func LoadFromEnv(base Config) Config {
	cfg := base
	if v := os.Getenv("NIP55_CODEC"); v != "" {
		cfg.Codec = v
	}
	if v := os.Getenv("NIP55_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if d := readDuration("NIP55_CALL_TIMEOUT"); d > 0 {
		cfg.CallTimeout = d
	}
	if d := readDuration("NIP55_DIAL_TIMEOUT"); d > 0 {
		cfg.DialTimeout = d
	}
	if v := readInt("NIP55_MAX_FRAME_SIZE"); v > 0 {
		cfg.MaxFrameSize = v
	}
	if d := readDuration("NIP55_KEEPALIVE_TIME"); d > 0 {
		cfg.KeepaliveTime = d
	}
	if d := readDuration("NIP55_KEEPALIVE_TIMEOUT"); d > 0 {
		cfg.KeepaliveTimeout = d
	}
	if v := readInt("NIP55_BREAKER_THRESHOLD"); v >= 0 {
		cfg.Breaker.Threshold = v
	}
	if d := readDuration("NIP55_BREAKER_COOLDOWN"); d > 0 {
		cfg.Breaker.Cooldown = d
	}
	if r := readFloat("NIP55_RATE_LIMIT"); r >= 0 {
		cfg.RateLimit = r
	}
	if v := readInt("NIP55_RATE_BURST"); v > 0 {
		cfg.RateBurst = v
	}
	if uids := readUIDs("NIP55_ALLOW_UIDS"); len(uids) > 0 {
		cfg.AllowUIDs = uids
	}
	return cfg
}

func readInt(key string) int {
	value := os.Getenv(key)
	if value == "" {
		return -1
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return -1
	}
	return v
}

func readDuration(key string) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func readFloat(key string) float64 {
	value := os.Getenv(key)
	if value == "" {
		return -1
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return -1
	}
	return v
}

func readUIDs(key string) []uint32 {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var uids []uint32
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil
		}
		uids = append(uids, uint32(v))
	}
	return uids
}
