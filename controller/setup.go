package controller

import (
	"fmt"
	"os"
	"path/filepath"

	"asyncre/config"
	"asyncre/exchange"
	"asyncre/replica"
)

// setupCampaign creates and populates the replica directories r0..r{M-1},
// stages the external files into each, builds every replica's cycle-1 input
// and returns a fresh status table.
func setupCampaign(cfg *config.Config, plugin exchange.Plugin) (*replica.Store, error) {
	for id := 0; id < cfg.NReplicas; id++ {
		dir := filepath.Join(cfg.WorkingDir, replica.Dir(id))
		if _, err := os.Stat(dir); err == nil {
			return nil, &config.ConfigError{
				Key:    "RE_SETUP",
				Reason: "replica directories already exist; either turn off RE_SETUP or remove the directories",
			}
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	for _, file := range cfg.ExtFiles {
		if _, err := os.Stat(filepath.Join(cfg.WorkingDir, file)); err != nil {
			return nil, fmt.Errorf("setup: no such file: %s", file)
		}
		for id := 0; id < cfg.NReplicas; id++ {
			link := filepath.Join(cfg.WorkingDir, replica.Dir(id), file)
			os.Remove(link)
			if err := os.Symlink(filepath.Join("..", file), link); err != nil {
				return nil, fmt.Errorf("setup: stage %s into %s: %w", file, replica.Dir(id), err)
			}
		}
	}

	store := replica.NewStore(cfg.NReplicas)
	for id := 0; id < cfg.NReplicas; id++ {
		r := store.Get(id)
		if err := plugin.BuildInput(id, r.StateID, r.Cycle); err != nil {
			return nil, fmt.Errorf("setup: build input for replica %d: %w", id, err)
		}
	}
	return store, nil
}
