package publish

import "fmt"

// Stage is a step of the publish state machine.
type Stage int

const (
	StageValidating Stage = iota
	StageResolvingBranch
	StageUploadingContent
	StageBuildingTree
	StageCreatingCommit
	StageUpdatingRef
	StageDone
)

var stageNames = [...]string{
	StageValidating:       "Validating",
	StageResolvingBranch:  "ResolvingBranch",
	StageUploadingContent: "UploadingContent",
	StageBuildingTree:     "BuildingTree",
	StageCreatingCommit:   "CreatingCommit",
	StageUpdatingRef:      "UpdatingRef",
	StageDone:             "Done",
}

// String returns the stage name.
func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// MarshalText encodes the stage by name.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a stage name.
func (s *Stage) UnmarshalText(text []byte) error {
	for i, name := range stageNames {
		if name == string(text) {
			*s = Stage(i)
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q", string(text))
}
