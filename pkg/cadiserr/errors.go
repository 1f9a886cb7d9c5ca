// Package cadiserr defines the typed, fatal error conditions a Cadis
// runtime can raise outside the normal ok/partial/failed lookup outcomes.
package cadiserr

import "fmt"

// DatasetNotBootstrapped means the dataset directory is missing files the
// runtime needs: the base bundle files, or layers the policy declares.
type DatasetNotBootstrapped struct {
	DatasetDir    string
	MissingFiles  []string
}

func (e *DatasetNotBootstrapped) Error() string {
	return fmt.Sprintf("dataset not bootstrapped at %q: missing files %v", e.DatasetDir, e.MissingFiles)
}

// NewDatasetNotBootstrapped constructs a DatasetNotBootstrapped error.
func NewDatasetNotBootstrapped(datasetDir string, missingFiles []string) *DatasetNotBootstrapped {
	return &DatasetNotBootstrapped{DatasetDir: datasetDir, MissingFiles: missingFiles}
}

// RuntimePolicyInvalid means runtime_policy.json failed a structural or
// semantic validation check.
type RuntimePolicyInvalid struct {
	DatasetDir string
	Reason     string
}

func (e *RuntimePolicyInvalid) Error() string {
	return fmt.Sprintf("invalid runtime policy at %q: %s", e.DatasetDir, e.Reason)
}

// NewRuntimePolicyInvalid constructs a RuntimePolicyInvalid error.
func NewRuntimePolicyInvalid(datasetDir, reason string) *RuntimePolicyInvalid {
	return &RuntimePolicyInvalid{DatasetDir: datasetDir, Reason: reason}
}
