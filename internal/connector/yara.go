// Copyright 2025 James Ross
package connector

import (
	"context"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// YaraConfig is the shape of a yara connector's sibling config.yml:
// a list of rule file globs and the score each compiled rule set should
// report on a match. Rule compilation itself is out of scope for the
// core; this stub only demonstrates the load-time contract.
type YaraConfig struct {
	RuleFiles []string `yaml:"rule_files"`
	Score     int      `yaml:"score"`
	SinkID    string   `yaml:"sink_id"`
}

// Yara is a placeholder connector shaped like a real YARA rule runner.
// LoadConfig failing (e.g. no rule file matches any configured glob)
// clears availability via the registry, matching "rule compilation
// failed" from the contract.
type Yara struct {
	cfg       YaraConfig
	ruleFiles []string
	loaded    bool
}

func NewYara() *Yara { return &Yara{} }

func (y *Yara) Name() string   { return "yara" }
func (y *Yara) SinkID() string { return y.cfg.SinkID }

// LoadConfig expands each configured rule_files entry as a doublestar
// glob (so "rules/**/*.yar" picks up an entire tree) and fails if the
// expansion yields no files at all.
func (y *Yara) LoadConfig(data []byte) error {
	var cfg YaraConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return err
	}
	if len(cfg.RuleFiles) == 0 {
		return fmt.Errorf("yara: no rule_files configured")
	}
	var matched []string
	for _, pattern := range cfg.RuleFiles {
		files, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return fmt.Errorf("yara: bad rule_files pattern %q: %w", pattern, err)
		}
		matched = append(matched, files...)
	}
	if len(matched) == 0 {
		return fmt.Errorf("yara: rule_files patterns matched no files")
	}
	y.cfg = cfg
	y.ruleFiles = matched
	y.loaded = true
	return nil
}

func (y *Yara) Analyze(ctx context.Context, bin Binary, data []byte) (<-chan Finding, <-chan error) {
	out := make(chan Finding, 1)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		if !y.loaded {
			errc <- fmt.Errorf("yara: connector not configured")
			return
		}
		// Rule matching itself is an external concern; the core only
		// needs the channel contract to be honored.
		select {
		case <-ctx.Done():
			errc <- ctx.Err()
		default:
		}
	}()
	return out, errc
}
