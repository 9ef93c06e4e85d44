package ir

// Version constants for the run record schema and engine.
const (
	// SchemaVersion is the PipelineRun record schema version.
	SchemaVersion = "1"

	// EngineVersion is the credence engine version.
	EngineVersion = "0.1.0"
)
