package meter

import (
	"errors"
	"fmt"

	"github.com/banshee-data/flicker/internal/config"
	"github.com/banshee-data/flicker/internal/control"
	"github.com/banshee-data/flicker/internal/seriallink"
	"github.com/banshee-data/flicker/internal/stream"
)

// OptionsFromConfig converts the acquisition section of cfg into Options.
func OptionsFromConfig(cfg *config.Config) Options {
	drain := cfg.GetDrainDelay()
	if drain == 0 {
		drain = -1
	}
	return Options{
		DrainDelay: drain,
		Stream: stream.Options{
			PollInterval: cfg.GetPollInterval(),
			Queue:        cfg.GetChunkQueue(),
		},
	}
}

// Open opens the control and data links named in cfg with open and returns
// a Meter using them. Pass seriallink.Open to use real serial ports.
func Open(cfg *config.Config, open seriallink.Opener) (*Meter, error) {
	if cfg.Control.Path == "" || cfg.Data.Path == "" {
		return nil, errors.New("both control and data link paths are required")
	}

	data, err := open(cfg.Data.Path, cfg.DataOptions())
	if err != nil {
		return nil, fmt.Errorf("data link: %w", err)
	}
	ctrlPort, err := open(cfg.Control.Path, cfg.ControlOptions())
	if err != nil {
		data.Close()
		return nil, fmt.Errorf("control link: %w", err)
	}

	ctrl := control.New(ctrlPort)
	ctrl.SetReadTimeout(cfg.GetReadTimeout())
	return New(ctrl, data, OptionsFromConfig(cfg)), nil
}
