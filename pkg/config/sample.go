package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const sampleHeader = `# sirocco configuration
#
# Every value can be overridden with an environment variable:
#   SIROCCO_<SECTION>_<KEY>, e.g. SIROCCO_LOGGING_LEVEL=DEBUG
# Command-line flags take precedence over both.

`

// WriteSample writes a commented sample configuration with the default
// values to path. It refuses to overwrite an existing file unless force is
// set.
func WriteSample(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	def := Default()
	body, err := yaml.Marshal(&def)
	if err != nil {
		return err
	}

	return os.WriteFile(path, append([]byte(sampleHeader), body...), 0644)
}
