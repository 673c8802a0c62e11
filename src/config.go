package specband

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RingConfig sizes one ring: how many blocks, and how large each one is.
type RingConfig struct {
	NBlock    int `yaml:"n_block"`
	BlockSize int `yaml:"block_size"`
}

// ThreadPlacement binds one pipeline stage's goroutine to a CPU set and an
// optional real-time scheduling priority, mirroring the original's
// thread-to-core pinning table.
type ThreadPlacement struct {
	Stage    string `yaml:"stage"`
	CPUSet   []int  `yaml:"cpu_set"`
	Priority int    `yaml:"priority"`
}

// Config is the on-disk description of one spectrometer instance: its
// rings, its capture endpoint, its channelization, and its thread layout.
type Config struct {
	Mode          string `yaml:"mode"` // "hbw", "lbw", or "monitor"
	ListenAddr    string `yaml:"listen_addr"`
	SenderAddr    string `yaml:"sender_addr"`
	Legacy        bool   `yaml:"legacy_dialect"`
	HighBandwidth bool   `yaml:"high_bandwidth"`

	NChan    int     `yaml:"nchan"`
	NSubband int     `yaml:"nsubband"`
	ChanBW   float64 `yaml:"chan_bw_mhz"`
	ScanLen  float64 `yaml:"scanlen_sec"`
	FPGAClk  float64 `yaml:"fpga_clock_hz"`
	ModeName string  `yaml:"mode_name"`

	RingA RingConfig `yaml:"ring_a"`
	RingB RingConfig `yaml:"ring_b"`
	RingC RingConfig `yaml:"ring_c"`

	Threads []ThreadPlacement `yaml:"threads"`
}

// LoadConfig reads a YAML configuration file and fills in the default block
// count for any ring that leaves n_block unset. No other field is checked.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.RingA.NBlock == 0 {
		cfg.RingA.NBlock = 8
	}
	if cfg.RingB.NBlock == 0 {
		cfg.RingB.NBlock = 8
	}
	if cfg.RingC.NBlock == 0 {
		cfg.RingC.NBlock = 4
	}
	return &cfg, nil
}
