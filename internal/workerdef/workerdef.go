// Package workerdef loads worker definitions from YAML files for the
// workmux CLI. A definition is the on-disk form of a worker key plus the
// pieces of multiplexer configuration that belong to the worker rather than
// the invocation (log file, work directory).
package workerdef

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/workmux/workmux/internal/mux"
)

// Definition describes one worker in a YAML file:
//
//	mnemonic: compiler
//	args: [bin/compiler, --persistent_worker]
//	env:
//	  COMPILER_CACHE: /tmp/cache
//	log_file: /tmp/compiler-worker.log
//	work_dir: /build/execroot
type Definition struct {
	Mnemonic string            `yaml:"mnemonic"`
	Args     []string          `yaml:"args"`
	Env      map[string]string `yaml:"env"`
	LogFile  string            `yaml:"log_file"`
	WorkDir  string            `yaml:"work_dir"`
}

// Load reads and validates a worker definition.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read worker definition: %w", err)
	}

	var def Definition

	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse worker definition %s: %w", path, err)
	}

	if err := def.validate(); err != nil {
		return nil, fmt.Errorf("invalid worker definition %s: %w", path, err)
	}

	return &def, nil
}

func (d *Definition) validate() error {
	if d.Mnemonic == "" {
		return fmt.Errorf("mnemonic is required")
	}

	if len(d.Args) == 0 {
		return fmt.Errorf("args must name the worker command line")
	}

	return nil
}

// WorkerKey converts the definition into the multiplexer's key type.
func (d *Definition) WorkerKey() mux.WorkerKey {
	return mux.WorkerKey{
		Mnemonic: d.Mnemonic,
		Args:     d.Args,
		Env:      d.Env,
	}
}
