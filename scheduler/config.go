package scheduler

// Config tunes the scheduler's request allocation, following the
// gopkg.in/yaml.v2 + applyDefaults() idiom used throughout this engine
// (peerconn.Config, bandwidth.Config).
type Config struct {
	// PipelineDepth bounds outstanding REQUESTs per peer (spec §4.5).
	PipelineDepth int `yaml:"pipeline_depth"`

	// EndgameSlack widens the endgame trigger beyond the exact aggregate
	// pipeline capacity (spec §9's open question: "remaining-blocks <=
	// aggregate pipelining capacity"); 0 uses the capacity exactly.
	EndgameSlack int `yaml:"endgame_slack"`
}

func (c Config) applyDefaults() Config {
	if c.PipelineDepth == 0 {
		c.PipelineDepth = 32
	}
	return c
}
