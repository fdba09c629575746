package fermionctl

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/fermionq/fermion/internal/common"
	"github.com/fermionq/fermion/pkg/client"
)

// JobDefinition is the YAML shape accepted by `fermionctl submit`.
type JobDefinition struct {
	ProgramID string                 `yaml:"programId"`
	Backend   string                 `yaml:"backend"`
	Params    map[string]interface{} `yaml:"params"`
	Tags      []string               `yaml:"tags"`
}

// LoadJobDefinition reads and validates a job definition file.
func LoadJobDefinition(path string) (*JobDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading job definition %s", path)
	}
	var def JobDefinition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, errors.Wrapf(err, "error parsing job definition %s", path)
	}
	if def.ProgramID == "" {
		return nil, errors.Errorf("job definition %s has no programId", path)
	}
	if def.Backend == "" {
		return nil, errors.Errorf("job definition %s has no backend", path)
	}
	return &def, nil
}

// Submit submits the job described by the definition file. With wait set it
// blocks until the job finishes and prints the result payload.
func (a *App) Submit(path string, wait bool, timeout time.Duration) error {
	def, err := LoadJobDefinition(path)
	if err != nil {
		return err
	}

	params, err := json.Marshal(def.Params)
	if err != nil {
		return errors.Wrap(err, "error encoding job params")
	}

	ctx, cancel := common.ContextWithDefaultTimeout()
	defer cancel()

	c := a.client()
	job, err := c.Run(ctx, client.JobRequest{
		ProgramID: def.ProgramID,
		Params:    params,
		Tags:      def.Tags,
	}, client.BackendTarget{Name: def.Backend})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Submitted job %s to backend %s\n", job.ID(), job.BackendName())

	if !wait {
		return nil
	}
	return a.waitAndPrintResult(job, timeout)
}
