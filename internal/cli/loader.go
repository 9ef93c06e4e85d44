package cli

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"

	"github.com/roach88/credence/internal/compiler"
	"github.com/roach88/credence/internal/engine"
	"github.com/roach88/credence/internal/ir"
)

// GraphSpec is a compiled graph directory.
type GraphSpec struct {
	Graph     *ir.StageGraph
	Claim     string
	FileCount int // Number of CUE files found
}

// LoadError represents an error that occurred while loading a graph or an
// observations file.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error code constants - unified across all CLI commands. Graph validation
// codes (E1xx) come from the compiler package.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeBadFile     = "E007" // Malformed observations file
)

// LoadGraph loads every CUE file of dir as one instance and compiles the
// stage graph it declares.
func LoadGraph(dir string) (*GraphSpec, error) {
	// Verify directory exists
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("graph directory not found: %s", dir)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing graph directory: %v", err)}
	}
	if !info.IsDir() {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}
	}

	// Find CUE files
	cueFiles, err := FindCUEFiles(dir)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}
	}
	if len(cueFiles) == 0 {
		return nil, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}
	}

	// Load CUE instances
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}
	}

	value := cuecontext.New().BuildInstance(inst)
	spec, err := compileValue(value)
	if err != nil {
		return nil, err
	}
	spec.FileCount = len(cueFiles)
	return spec, nil
}

// LoadGraphString compiles a graph from CUE source.
func LoadGraphString(src string) (*GraphSpec, error) {
	return compileValue(cuecontext.New().CompileString(src, cue.Filename("graph.cue")))
}

func compileValue(value cue.Value) (*GraphSpec, error) {
	if err := value.Err(); err != nil {
		return nil, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}
	}
	g, claim, err := compiler.CompileGraph(value)
	if err != nil {
		return nil, convertCompileError(err)
	}
	return &GraphSpec{Graph: g, Claim: claim}, nil
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		code := ErrCodeGeneric
		if compileErr.Field == "cue" {
			code = ErrCodeBuildFailed
		}
		return &LoadError{
			Code:    code,
			Message: fmt.Sprintf("%s: %s", compileErr.Field, compileErr.Message),
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{Code: ErrCodeGeneric, Message: err.Error()}
}

// ObservationsFile is the YAML document fed to `credence run`.
//
//	entity: invoice-42
//	observations:
//	  - stage: ocr
//	    value: 0.9
//	    successes: 90
//	    failures: 10
type ObservationsFile struct {
	Entity       string               `yaml:"entity"`
	Observations []engine.Observation `yaml:"observations"`
}

// LoadObservations reads an observations file. Observations without an
// entity inherit the file's entity. Value ranges are checked by the engine
// on ingest.
func LoadObservations(path string) (*ObservationsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("failed to read observations file: %v", err)}
	}

	var file ObservationsFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return nil, &LoadError{Code: ErrCodeBadFile, Message: fmt.Sprintf("failed to parse observations: %v", err)}
	}

	if file.Entity == "" {
		return nil, &LoadError{Code: ErrCodeBadFile, Message: "entity is required"}
	}
	for i := range file.Observations {
		if file.Observations[i].Entity == "" {
			file.Observations[i].Entity = file.Entity
		}
	}
	return &file, nil
}
