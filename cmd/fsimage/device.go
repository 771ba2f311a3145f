package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/moffa90/go-fsimage/engine"
	"github.com/moffa90/go-fsimage/flash"
	"github.com/moffa90/go-fsimage/flash/sim"
	"github.com/moffa90/go-fsimage/fsimage"
)

// Backend types.
const (
	BackendNAND = "nand"
	BackendMMC  = "mmc"
)

// DeviceConfig describes the device a command works on.
type DeviceConfig struct {
	Backend string `yaml:"backend"`

	// Image is the backing file of the device contents
	Image string `yaml:"image"`

	// BoardCfg is where the BOARD-CFG record of the last save is kept, so
	// later loads can find the regions
	BoardCfg string `yaml:"board_cfg"`

	Arch     string `yaml:"arch"`
	BoardID  string `yaml:"board_id"`
	BootCopy int    `yaml:"boot_copy"`
	Locked   bool   `yaml:"locked"`

	NAND NANDConfig `yaml:"nand"`
	MMC  MMCConfig  `yaml:"mmc"`
}

// NANDConfig is the geometry of a NAND device.
type NANDConfig struct {
	PageSize      int   `yaml:"page_size"`
	PagesPerBlock int   `yaml:"pages_per_block"`
	Blocks        int   `yaml:"blocks"`
	BadBlocks     []int `yaml:"bad_blocks"`
}

// MMCConfig is the geometry of an eMMC device.
type MMCConfig struct {
	SectorSize int   `yaml:"sector_size"`
	UserSize   int64 `yaml:"user_size"`
	BootSize   int64 `yaml:"boot_size"`

	// BootPart is the partition the ROM boots from: 0 user area, 1 or 2
	// boot partition
	BootPart int `yaml:"boot_part"`
}

func (c *DeviceConfig) normalize(dir string) {
	if c.Backend == "" {
		c.Backend = BackendNAND
	}
	if c.Image == "" {
		c.Image = "flash.img"
	}
	if !filepath.IsAbs(c.Image) {
		c.Image = filepath.Join(dir, c.Image)
	}
	if c.BoardCfg == "" {
		c.BoardCfg = c.Image + ".boardcfg"
	} else if !filepath.IsAbs(c.BoardCfg) {
		c.BoardCfg = filepath.Join(dir, c.BoardCfg)
	}

	if c.NAND.PageSize == 0 {
		c.NAND.PageSize = 2048
	}
	if c.NAND.PagesPerBlock == 0 {
		c.NAND.PagesPerBlock = 64
	}
	if c.NAND.Blocks == 0 {
		c.NAND.Blocks = 1024
	}

	if c.MMC.SectorSize == 0 {
		c.MMC.SectorSize = 512
	}
	if c.MMC.UserSize == 0 {
		c.MMC.UserSize = 64 << 20
	}
	if c.MMC.BootSize == 0 {
		c.MMC.BootSize = 4 << 20
	}
}

func (c *DeviceConfig) validate() error {
	switch c.Backend {
	case BackendNAND, BackendMMC:
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendNAND, BackendMMC)
	}
	if c.BootCopy != 0 && c.BootCopy != 1 {
		return fmt.Errorf("boot_copy must be 0 or 1, got %d", c.BootCopy)
	}
	if c.MMC.BootPart < sim.PartUser || c.MMC.BootPart > sim.PartBoot2 {
		return fmt.Errorf("mmc.boot_part must be 0, 1 or 2, got %d", c.MMC.BootPart)
	}
	if c.BoardID != "" {
		if _, err := fsimage.ParseBoardID(c.BoardID); err != nil {
			return err
		}
	}
	return nil
}

// LoadDeviceConfig reads a device description. A missing file yields the
// defaults, relative to the current directory.
func LoadDeviceConfig(path string) (DeviceConfig, error) {
	var cfg DeviceConfig
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read device config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.normalize(filepath.Dir(path))
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// device is an opened simulated device.
type device struct {
	cfg     DeviceConfig
	nand    *sim.NAND
	mmc     *sim.MMC
	backend flash.Backend
}

func openDevice(cfg DeviceConfig, logger *stdLogger) (*device, error) {
	d := &device{cfg: cfg}
	var err error
	switch cfg.Backend {
	case BackendNAND:
		geo := flash.NANDGeometry{
			PageSize:      cfg.NAND.PageSize,
			PagesPerBlock: cfg.NAND.PagesPerBlock,
			Blocks:        cfg.NAND.Blocks,
		}
		if d.nand, err = sim.OpenNAND(cfg.Image, geo, cfg.NAND.BadBlocks...); err != nil {
			return nil, err
		}
		d.backend = flash.NewNAND(d.nand, flash.WithLogger(logger))
	case BackendMMC:
		if d.mmc, err = sim.OpenMMC(cfg.Image, cfg.MMC.SectorSize, cfg.MMC.UserSize, cfg.MMC.BootSize, cfg.MMC.BootPart); err != nil {
			return nil, err
		}
		d.backend = flash.NewMMC(d.mmc, flash.WithLogger(logger))
	}
	return d, nil
}

// engine returns an engine for the device, seeded with the stored board
// configuration if there is one.
func (d *device) engine(logger *stdLogger, opts ...engine.Option) (*engine.Engine, error) {
	base := []engine.Option{
		engine.WithArch(d.cfg.Arch),
		engine.WithBootCopy(d.cfg.BootCopy),
		engine.WithLocked(d.cfg.Locked),
		engine.WithLogger(logger),
	}
	if d.cfg.BoardID != "" {
		id, err := fsimage.ParseBoardID(d.cfg.BoardID)
		if err != nil {
			return nil, err
		}
		base = append(base, engine.WithBoardID(id))
	}

	rec, err := os.ReadFile(d.cfg.BoardCfg)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read board configuration: %w", err)
	default:
		base = append(base, engine.WithCatalog(rec))
	}
	return engine.New(d.backend, append(base, opts...)...), nil
}

// persist writes the device contents and the board configuration of eng
// back to disk.
func (d *device) persist(eng *engine.Engine) error {
	if rec := eng.BoardConfig(); rec != nil {
		if err := os.WriteFile(d.cfg.BoardCfg, rec, 0o644); err != nil {
			return fmt.Errorf("write board configuration: %w", err)
		}
	}
	if d.nand != nil {
		return d.nand.Save(d.cfg.Image)
	}
	return d.mmc.Save(d.cfg.Image)
}
