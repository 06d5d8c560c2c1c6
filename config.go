package iqstream

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"github.com/usnistgov/iqstream/geometry"
	"github.com/usnistgov/iqstream/protocol"
	"github.com/usnistgov/iqstream/regs"
)

// DefaultBasePort is the UDP command port; RPC and status follow it.
const DefaultBasePort = 7500

// SessionsConfig says where the session log lives. An empty Addr disables it.
type SessionsConfig struct {
	Addr string
}

// Config holds the node settings read by viper.
type Config struct {
	BulkMemory        bool
	WiredChannels     uint8
	StagingBytes      uint32
	BulkBytes         uint64
	ChunkThreshold    uint32
	MaxActiveTx       int
	SmallWriteSamples uint32
	HeaderPool        int
	BasePort          int
	TickInterval      time.Duration
	StepBytes         uint32 // simulated radio advance per tick; 0 = threshold/4
	DMALatency        int    // simulated DMA busy polls per transfer
	Sessions          SessionsConfig
}

// DefaultConfig returns the settings used when the config file is silent.
func DefaultConfig() Config {
	ref := geometry.ReferencePlatform()
	return Config{
		BulkMemory:        true,
		WiredChannels:     uint8(regs.AllChannels),
		StagingBytes:      ref.StagingBytes,
		BulkBytes:         64 << 20,
		ChunkThreshold:    0x10000,
		MaxActiveTx:       protocol.DefaultMaxActiveTx,
		SmallWriteSamples: protocol.DefaultSmallWriteSamples,
		HeaderPool:        protocol.DefaultHeaderPool,
		BasePort:          DefaultBasePort,
		TickInterval:      time.Millisecond,
		DMALatency:        4,
	}
}

// SetViperDefaults registers every key of DefaultConfig with viper.
func SetViperDefaults() {
	d := DefaultConfig()
	viper.SetDefault("BulkMemory", d.BulkMemory)
	viper.SetDefault("WiredChannels", d.WiredChannels)
	viper.SetDefault("StagingBytes", d.StagingBytes)
	viper.SetDefault("BulkBytes", d.BulkBytes)
	viper.SetDefault("ChunkThreshold", d.ChunkThreshold)
	viper.SetDefault("MaxActiveTx", d.MaxActiveTx)
	viper.SetDefault("SmallWriteSamples", d.SmallWriteSamples)
	viper.SetDefault("HeaderPool", d.HeaderPool)
	viper.SetDefault("BasePort", d.BasePort)
	viper.SetDefault("TickInterval", d.TickInterval)
	viper.SetDefault("StepBytes", d.StepBytes)
	viper.SetDefault("DMALatency", d.DMALatency)
	viper.SetDefault("Sessions.Addr", d.Sessions.Addr)
}

// LoadConfig reads the node settings from viper, on top of DefaultConfig.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("reading node config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings that geometry.Configure does not.
func (c Config) Validate() error {
	switch {
	case c.MaxActiveTx < 0 || c.MaxActiveTx > regs.NumChannels:
		return fmt.Errorf("MaxActiveTx=%d must be in [0, %d]", c.MaxActiveTx, regs.NumChannels)
	case c.HeaderPool < 2:
		return fmt.Errorf("HeaderPool=%d must be at least 2", c.HeaderPool)
	case c.TickInterval <= 0:
		return fmt.Errorf("TickInterval=%v must be positive", c.TickInterval)
	case c.BasePort <= 0 || c.BasePort > 65533:
		return fmt.Errorf("BasePort=%d out of range", c.BasePort)
	}
	return nil
}

// Platform returns the memory map described by c.
func (c Config) Platform() geometry.Platform {
	p := geometry.ReferencePlatform()
	p.Wired = regs.ChannelMask(c.WiredChannels)
	if c.StagingBytes != 0 {
		p.StagingBytes = c.StagingBytes
	}
	if c.BulkBytes != 0 {
		p.BulkBytes = c.BulkBytes
	}
	return p
}
