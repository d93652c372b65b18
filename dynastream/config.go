package dynastream

import (
	"fmt"
	"io"
	"io/ioutil"
	"time"

	"gopkg.in/yaml.v2"
)

// A StreamConfig names one table's stream and carries the consumer tunables.
// Every tunable has a sensible default; a minimal entry is just a table name
// and region.
type StreamConfig struct {
	TableName  string `yaml:"table"`
	StreamArn  string `yaml:"stream_arn"`
	RegionName string `yaml:"region"`

	// EmptyFetchLimit bounds how many consecutive empty-but-continuable
	// fetches a shard gets in one catch-up burst. The source hands back
	// empty pages while an iterator walks a quiet stretch of shard; this
	// many in a row has been enough to cross a fully empty shard window.
	// Past the bound the shard falls back to one fetch per Next call.
	EmptyFetchLimit int `yaml:"empty_fetch_limit"`

	// FetchLimit caps the records requested per fetch. The source maxes out
	// at 1000.
	FetchLimit int64 `yaml:"fetch_limit"`

	// FetchConcurrency bounds the worker pool used to fetch shards in
	// parallel during a refill pass.
	FetchConcurrency int `yaml:"fetch_concurrency"`

	// BufferLowWater is the per-shard buffered record count below which a
	// refill pass fetches for that shard.
	BufferLowWater int `yaml:"buffer_low_water"`

	// RefreshInterval is how often the shard listing is reconciled against
	// the source, e.g. "5m". Splits and retention trims are discovered on
	// refresh.
	RefreshInterval string `yaml:"refresh_interval"`
}

type Config struct {
	Streams map[string]StreamConfig
}

func (c *Config) ConfigForName(n string) (sc *StreamConfig, err error) {
	if scv, ok := c.Streams[n]; ok {
		return &scv, nil
	}
	return nil, fmt.Errorf("Failed to find stream %q in config", n)
}

func NewConfigFromFile(r io.Reader) (c *Config, err error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}

	c = &Config{}

	err = yaml.Unmarshal(data, &c.Streams)
	if err != nil {
		return nil, err
	}

	return
}

// CoordinatorParams converts the config entry into engine parameters. Zero
// values fall through to the coordinator defaults.
func (sc *StreamConfig) CoordinatorParams(svc StreamsService) (*CoordinatorParams, error) {
	params := &CoordinatorParams{
		StreamsService:   svc,
		StreamArn:        sc.StreamArn,
		EmptyFetchLimit:  sc.EmptyFetchLimit,
		FetchLimit:       sc.FetchLimit,
		FetchConcurrency: sc.FetchConcurrency,
		BufferLowWater:   sc.BufferLowWater,
	}
	if sc.RefreshInterval != "" {
		d, err := time.ParseDuration(sc.RefreshInterval)
		if err != nil {
			return nil, fmt.Errorf("Failed to parse refresh_interval %q: %v", sc.RefreshInterval, err)
		}
		params.RefreshInterval = d
	}
	return params, nil
}
