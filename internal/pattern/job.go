package pattern

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/StormyCloudInc/blockseek/internal/rotation"
)

//go:embed job.schema.json
var jobSchemaText string

var (
	jobSchemaOnce sync.Once
	jobSchema     *jsonschema.Schema
	jobSchemaErr  error
)

func compiledJobSchema() (*jsonschema.Schema, error) {
	jobSchemaOnce.Do(func() {
		jobSchema, jobSchemaErr = jsonschema.CompileString("job.schema.json", jobSchemaText)
	})
	return jobSchema, jobSchemaErr
}

// JobFile is the JSON form of a pattern: a grid size and the constrained
// cells. Cells not listed are wildcards.
type JobFile struct {
	Name  string    `json:"name,omitempty"`
	Size  [3]int    `json:"size"`
	Cells []JobCell `json:"cells"`
}

// JobCell is one constrained cell of a JobFile.
type JobCell struct {
	At          [3]int `json:"at"`
	Rotation    uint8  `json:"rotation"`
	MaxRotation uint8  `json:"max_rotation"`
}

// LoadJSON validates b against the job schema and builds the pattern it
// describes.
func LoadJSON(b []byte) (*Pattern, error) {
	s, err := compiledJobSchema()
	if err != nil {
		return nil, fmt.Errorf("compile job schema: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	if err := s.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}

	var jf JobFile
	if err := json.Unmarshal(b, &jf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	p, err := New(Dims{X: jf.Size[0], Y: jf.Size[1], Z: jf.Size[2]})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}
	for _, c := range jf.Cells {
		if err := p.Set(c.At[0], c.At[1], c.At[2], rotation.New(c.Rotation, c.MaxRotation)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
		}
	}
	return p, nil
}

// JSON renders p as a job document listing every non-zero cell.
func (p *Pattern) JSON(name string) ([]byte, error) {
	jf := JobFile{Name: name, Size: [3]int{p.Dims.X, p.Dims.Y, p.Dims.Z}, Cells: []JobCell{}}
	for i, c := range p.Cells {
		// 0x10 is also a wildcard but hashes differently, so only 0 is implied.
		if c == 0 {
			continue
		}
		x, y, z := p.Dims.Coords(i)
		jf.Cells = append(jf.Cells, JobCell{At: [3]int{x, y, z}, Rotation: c.Rotation(), MaxRotation: c.MaxRotation()})
	}
	return json.MarshalIndent(jf, "", "  ")
}
