package symbols

import (
	_ "embed"
	"fmt"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed exclude.yaml
var excludeYAML []byte

var (
	defaultExclude     []string
	defaultExcludeErr  error
	defaultExcludeOnce sync.Once
)

type excludeFile struct {
	Exclude []string `yaml:"exclude"`
}

// DefaultExcludePatterns returns the built-in name filters for vendor HAL variables.
func DefaultExcludePatterns() ([]string, error) {
	defaultExcludeOnce.Do(func() {
		var f excludeFile
		if err := yaml.Unmarshal(excludeYAML, &f); err != nil {
			defaultExcludeErr = fmt.Errorf("failed to parse embedded exclude list: %w", err)
			return
		}
		defaultExclude = f.Exclude
	})
	if defaultExcludeErr != nil {
		return nil, defaultExcludeErr
	}
	out := make([]string, len(defaultExclude))
	copy(out, defaultExclude)
	return out, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
		res = append(res, re)
	}
	return res, nil
}
