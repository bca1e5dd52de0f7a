package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigError reports a missing, invalid or unrecognized control-file key.
// It is fatal at startup, before any subjob is launched.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
}

func errRequired(key string) error {
	return &ConfigError{Key: key, Reason: "needs to be specified"}
}

// coreKeys is the complete enumerated set consumed by the coordinator itself.
// Scheme plug-ins claim additional keys via Claim during CheckInput; anything
// left over after that is a ConfigError.
var coreKeys = map[string]bool{
	"ENGINE":                 true,
	"ENGINE_COMMAND":         true,
	"RE_TYPE":                true,
	"ENGINE_INPUT_BASENAME":  true,
	"ENGINE_INPUT_EXTFILES":  true,
	"RE_SETUP":               true,
	"VERBOSE":                true,
	"NREPLICAS":              true,
	"TOTAL_CORES":            true,
	"SUBJOB_CORES":           true,
	"PPN":                    true,
	"SPMD":                   true,
	"SUBJOBS_BUFFER_SIZE":    true,
	"WALL_TIME":              true,
	"REPLICA_RUN_TIME":       true,
	"CYCLE_TIME":             true,
	"CHECKPOINT_TICKS":       true,
	"EXCHANGE_ATTEMPTS":      true,
	"EXCHANGE_SEED":          true,
	"MONITOR_ADDR":           true,
	"QUEUE":                  true,
	"PROJECT":                true,
	"BJ_WORKING_DIR":         true,
	"COORDINATION_URL":       true,
	"RESOURCE_URL":           true,
}

// Config is the validated configuration record for one RE campaign.
type Config struct {
	Engine        string
	EngineCommand string
	REType        string
	Basename      string
	ExtFiles      []string
	Setup         bool
	Verbose       bool

	NReplicas   int
	TotalCores  int
	SubjobCores int
	PPN         int
	SPMD        string
	BufferSize  float64

	WallTime       time.Duration
	ReplicaRunTime time.Duration
	CycleTime      time.Duration

	CheckpointTicks  int
	ExchangeAttempts int // <= 0 means one attempt per exchangeable replica, capped at the number of distinct pairs
	ExchangeSeed     int64
	MonitorAddr      string

	// Pilot passthrough, opaque to the coordinator.
	Queue           string
	Project         string
	WorkingDir      string
	CoordinationURL string
	ResourceURL     string

	raw     map[string]string
	claimed map[string]bool
}

// Load reads and validates the YAML control file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Key: path, Reason: err.Error()}
	}
	return Parse(data)
}

// Parse validates a control file already in memory.
func Parse(data []byte) (*Config, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigError{Key: "control file", Reason: err.Error()}
	}

	raw := make(map[string]string, len(doc))
	for k, v := range doc {
		raw[k] = fmt.Sprintf("%v", v)
	}

	cfg := &Config{raw: raw, claimed: map[string]bool{}}
	if err := cfg.populate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) populate() error {
	var err error

	if c.Engine = c.raw["ENGINE"]; c.Engine == "" {
		return errRequired("ENGINE")
	}
	if c.REType = c.raw["RE_TYPE"]; c.REType == "" {
		return errRequired("RE_TYPE")
	}
	if c.Basename = c.raw["ENGINE_INPUT_BASENAME"]; c.Basename == "" {
		return errRequired("ENGINE_INPUT_BASENAME")
	}
	c.EngineCommand = c.raw["ENGINE_COMMAND"]

	if v := c.raw["ENGINE_INPUT_EXTFILES"]; v != "" {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				c.ExtFiles = append(c.ExtFiles, f)
			}
		}
	}

	c.Setup = parseBool(c.raw["RE_SETUP"])
	c.Verbose = parseBool(c.raw["VERBOSE"])

	if c.NReplicas, err = c.intKey("NREPLICAS", 0); err != nil {
		return err
	}
	if c.NReplicas <= 0 {
		return errRequired("NREPLICAS")
	}

	if c.TotalCores, err = c.intKey("TOTAL_CORES", 1); err != nil {
		return err
	}
	if c.SubjobCores, err = c.intKey("SUBJOB_CORES", 1); err != nil {
		return err
	}
	if c.SubjobCores < 1 || c.TotalCores < c.SubjobCores {
		return &ConfigError{Key: "SUBJOB_CORES", Reason: "must be >= 1 and <= TOTAL_CORES"}
	}
	if c.PPN, err = c.intKey("PPN", 1); err != nil {
		return err
	}
	if c.SPMD = c.raw["SPMD"]; c.SPMD == "" {
		c.SPMD = "single"
	}

	c.BufferSize = 0.5
	if v := c.raw["SUBJOBS_BUFFER_SIZE"]; v != "" {
		if c.BufferSize, err = strconv.ParseFloat(v, 64); err != nil {
			return &ConfigError{Key: "SUBJOBS_BUFFER_SIZE", Reason: "not a number: " + v}
		}
		if c.BufferSize < 0 {
			return &ConfigError{Key: "SUBJOBS_BUFFER_SIZE", Reason: "must be non-negative"}
		}
	}

	wallMin, err := c.intKey("WALL_TIME", 0)
	if err != nil {
		return err
	}
	if wallMin <= 0 {
		return errRequired("WALL_TIME")
	}
	c.WallTime = time.Duration(wallMin) * time.Minute

	// Estimated minutes per cycle; drain safety margin. Defaults to 10% of
	// the wall clock, like the original estimate.
	runMin, err := c.intKey("REPLICA_RUN_TIME", (wallMin+9)/10)
	if err != nil {
		return err
	}
	c.ReplicaRunTime = time.Duration(runMin) * time.Minute

	cycleSec, err := c.intKey("CYCLE_TIME", 30)
	if err != nil {
		return err
	}
	if cycleSec < 1 {
		return &ConfigError{Key: "CYCLE_TIME", Reason: "must be at least 1 second"}
	}
	c.CycleTime = time.Duration(cycleSec) * time.Second

	if c.CheckpointTicks, err = c.intKey("CHECKPOINT_TICKS", 1); err != nil {
		return err
	}
	if c.CheckpointTicks < 1 {
		return &ConfigError{Key: "CHECKPOINT_TICKS", Reason: "must be at least 1"}
	}
	if c.ExchangeAttempts, err = c.intKey("EXCHANGE_ATTEMPTS", 0); err != nil {
		return err
	}
	if v := c.raw["EXCHANGE_SEED"]; v != "" {
		if c.ExchangeSeed, err = strconv.ParseInt(v, 10, 64); err != nil {
			return &ConfigError{Key: "EXCHANGE_SEED", Reason: "not an integer: " + v}
		}
	}
	c.MonitorAddr = c.raw["MONITOR_ADDR"]

	c.Queue = c.raw["QUEUE"]
	c.Project = c.raw["PROJECT"]
	c.CoordinationURL = c.raw["COORDINATION_URL"]
	c.ResourceURL = c.raw["RESOURCE_URL"]
	if c.ResourceURL == "" {
		c.ResourceURL = "fork://localhost"
	}

	if c.WorkingDir = c.raw["BJ_WORKING_DIR"]; c.WorkingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return &ConfigError{Key: "BJ_WORKING_DIR", Reason: err.Error()}
		}
		c.WorkingDir = wd
	}

	return nil
}

func (c *Config) intKey(key string, def int) (int, error) {
	v, ok := c.raw[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ConfigError{Key: key, Reason: "not an integer: " + v}
	}
	return n, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "yes", "true", "1", "on":
		return true
	}
	return false
}

// Get returns a raw control-file value for scheme plug-ins and marks the key
// as claimed so CheckUnknown does not reject it.
func (c *Config) Get(key string) string {
	c.claimed[key] = true
	return c.raw[key]
}

// Claim marks scheme-owned keys as recognized without reading them.
func (c *Config) Claim(keys ...string) {
	for _, k := range keys {
		c.claimed[k] = true
	}
}

// CheckUnknown rejects control-file keys that neither the coordinator nor the
// selected scheme recognizes. Called after the scheme's CheckInput.
func (c *Config) CheckUnknown() error {
	var unknown []string
	for k := range c.raw {
		if !coreKeys[k] && !c.claimed[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return &ConfigError{Key: strings.Join(unknown, ","), Reason: "unrecognized key(s)"}
}

// MaxSubjobs is the admission ceiling: floor(total * (1+buffer) / subjob_cores).
func (c *Config) MaxSubjobs() int {
	return int(float64(c.TotalCores) * (1 + c.BufferSize) / float64(c.SubjobCores))
}
