// Package scheme ships the replica-exchange schemes the coordinator knows how
// to route RE_TYPE to. A scheme owns the physics-facing hooks: input
// preparation, reduced-energy extraction and (for Gibbs-mode schemes) full
// permutation sampling.
package scheme

import (
	"strings"

	"asyncre/config"
	"asyncre/exchange"
)

// New routes the RE_TYPE tag to a scheme plug-in.
func New(cfg *config.Config) (exchange.Plugin, error) {
	switch strings.ToUpper(cfg.REType) {
	case "DATE":
		return &Date{}, nil
	case "TEMPERATURE":
		return &Temperature{}, nil
	default:
		return nil, &config.ConfigError{Key: "RE_TYPE", Reason: "unsupported scheme: " + cfg.REType}
	}
}
