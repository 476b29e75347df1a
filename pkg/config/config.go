// Package config loads the TOML configuration of a render session.
package config

import (
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/df07/go-cluster-raytracer/pkg/balancer"
	"github.com/df07/go-cluster-raytracer/pkg/dfb"
	"github.com/df07/go-cluster-raytracer/pkg/errors"
	"github.com/df07/go-cluster-raytracer/pkg/scene"
)

// Duration is a time.Duration written as a string such as "1.5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	Cluster  Cluster  `toml:"cluster"`
	Redis    Redis    `toml:"redis"`
	Frame    Frame    `toml:"frame"`
	Render   Render   `toml:"render"`
	Balancer Balancer `toml:"balancer"`
	Stats    Stats    `toml:"stats"`
	Server   Server   `toml:"server"`
	Output   Output   `toml:"output"`
}

// Cluster selects how ranks talk: "local" runs every rank in this process,
// "redis" runs one rank that exchanges messages through a Redis server.
type Cluster struct {
	Transport string `toml:"transport"`
	Ranks     int    `toml:"ranks"`
}

type Redis struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	// Session must be the same UUID on every rank of the cluster.
	Session string `toml:"session"`
	Rank    int    `toml:"rank"`
}

type Frame struct {
	Width            int      `toml:"width"`
	Height           int      `toml:"height"`
	Format           string   `toml:"format"`
	Channels         []string `toml:"channels"`
	Frames           int      `toml:"frames"`
	Timeout          Duration `toml:"timeout"`
	ProgressInterval Duration `toml:"progress_interval"`
}

type Render struct {
	Scene           string  `toml:"scene"`
	SamplesPerPixel int     `toml:"samples_per_pixel"`
	ErrorThreshold  float32 `toml:"error_threshold"`
	// Regions splits the scene for distributed rendering; 0 means one per rank.
	Regions int `toml:"regions"`
}

type Balancer struct {
	Kind         string `toml:"kind"`
	PreAllocated int    `toml:"preallocated"`
	Parallelism  int    `toml:"parallelism"`
}

type Stats struct {
	Log        bool   `toml:"log"`
	File       string `toml:"file"`
	MongoURI   string `toml:"mongo_uri"`
	Database   string `toml:"database"`
	Collection string `toml:"collection"`
}

type Server struct {
	// Addr enables the status server on rank 0 when set, e.g. ":8080".
	Addr string `toml:"addr"`
}

type Output struct {
	Image string `toml:"image"`
	Depth string `toml:"depth"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Cluster: Cluster{Transport: "local", Ranks: 4},
		Redis:   Redis{Addr: "localhost:6379"},
		Frame: Frame{
			Width:            640,
			Height:           360,
			Format:           "srgba",
			Channels:         []string{"color", "depth", "accum", "variance"},
			Frames:           8,
			ProgressInterval: Duration{time.Second},
		},
		Render:   Render{Scene: "default", SamplesPerPixel: 1, ErrorThreshold: 0.02},
		Balancer: Balancer{Kind: "dynamic", PreAllocated: 4},
		Output:   Output{Image: "output.png"},
	}
}

// Load reads path over the defaults. Keys the configuration does not know
// are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, errors.Wrap(errors.ErrCodeConfig, err, "read config %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, errors.New(errors.ErrCodeConfig, "unknown config keys: %s", strings.Join(keys, ", "))
	}
	return cfg, cfg.Validate()
}

// Validate checks every field that has a restricted set of values.
func (c Config) Validate() error {
	switch c.Cluster.Transport {
	case "local":
		if c.Cluster.Ranks < 1 {
			return errors.New(errors.ErrCodeConfig, "cluster.ranks must be at least 1, got %d", c.Cluster.Ranks)
		}
	case "redis":
		if c.Cluster.Ranks < 1 || c.Redis.Rank < 0 || c.Redis.Rank >= c.Cluster.Ranks {
			return errors.New(errors.ErrCodeConfig, "redis.rank %d out of range for %d ranks", c.Redis.Rank, c.Cluster.Ranks)
		}
		if _, err := uuid.Parse(c.Redis.Session); err != nil {
			return errors.Wrap(errors.ErrCodeConfig, err, "redis.session must be a UUID shared by all ranks")
		}
	default:
		return errors.New(errors.ErrCodeConfig, "unknown transport %q", c.Cluster.Transport)
	}
	if c.Frame.Width <= 0 || c.Frame.Height <= 0 {
		return errors.New(errors.ErrCodeConfig, "frame size must be positive, got %dx%d", c.Frame.Width, c.Frame.Height)
	}
	if c.Frame.Frames < 1 {
		return errors.New(errors.ErrCodeConfig, "frame.frames must be at least 1")
	}
	if _, err := c.ColorFormat(); err != nil {
		return err
	}
	if _, err := c.FrameChannels(); err != nil {
		return err
	}
	if _, err := balancer.ParseKind(c.Balancer.Kind); err != nil {
		return errors.Wrap(errors.ErrCodeConfig, err, "balancer.kind")
	}
	if !slices.Contains(scene.Names(), c.Render.Scene) {
		return errors.New(errors.ErrCodeConfig, "unknown scene %q", c.Render.Scene)
	}
	if c.Render.Regions < 0 {
		return errors.New(errors.ErrCodeConfig, "render.regions must not be negative, got %d", c.Render.Regions)
	}
	return nil
}

// ColorFormat parses frame.format.
func (c Config) ColorFormat() (dfb.ColorFormat, error) {
	f, err := dfb.ParseColorFormat(c.Frame.Format)
	if err != nil {
		return f, errors.Wrap(errors.ErrCodeConfig, err, "frame.format")
	}
	return f, nil
}

// FrameChannels parses frame.channels.
func (c Config) FrameChannels() (dfb.Channels, error) {
	ch, err := dfb.ParseChannels(c.Frame.Channels)
	if err != nil {
		return ch, errors.Wrap(errors.ErrCodeConfig, err, "frame.channels")
	}
	return ch, nil
}

// SessionID parses redis.session, or returns a fresh id when it is empty.
func (c Config) SessionID() (uuid.UUID, error) {
	if c.Redis.Session == "" {
		return uuid.New(), nil
	}
	return uuid.Parse(c.Redis.Session)
}
