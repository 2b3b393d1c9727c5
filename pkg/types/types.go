// Package types 定義 archive-deposit 系統共用的核心領域列舉
package types

import (
	"fmt"
	"strings"
)

// JobID 外部任務唯一識別碼，格式 <tool>-<uniqueIdentifier>-<failureCount>
type JobID string

// ============================================================================
// StateType
// ============================================================================

// StateType is the externally visible deposit status of a depositable.
type StateType string

const (
	StateUndeposited        StateType = "UNDEPOSITED"
	StateProcessing         StateType = "PROCESSING"
	StateProcessed          StateType = "PROCESSED"
	StateEncapsulating      StateType = "ENCAPSULATING"
	StateEncapsulated       StateType = "ENCAPSULATED"
	StateStaging            StateType = "STAGING"
	StateStaged             StateType = "STAGED"
	StateRegistering        StateType = "REGISTERING"
	StateRegistered         StateType = "REGISTERED"
	StateArchiving          StateType = "ARCHIVING"
	StateArchived           StateType = "ARCHIVED"
	StateMapping            StateType = "MAPPING"
	StateMapped             StateType = "MAPPED"
	StatePriorityDepositing StateType = "PRIORITY_DEPOSITING"
	StateDepositing         StateType = "DEPOSITING"
	StateNotifying          StateType = "NOTIFYING"
	StateDeposited          StateType = "DEPOSITED"
	StateCleanup            StateType = "CLEANUP"
	StateFailed             StateType = "FAILED"
)

var allStates = []StateType{
	StateUndeposited, StateProcessing, StateProcessed, StateEncapsulating, StateEncapsulated,
	StateStaging, StateStaged, StateRegistering, StateRegistered, StateArchiving, StateArchived,
	StateMapping, StateMapped, StatePriorityDepositing, StateDepositing, StateNotifying,
	StateDeposited, StateCleanup, StateFailed,
}

// StateTypes returns every state type in lifecycle order.
func StateTypes() []StateType {
	out := make([]StateType, len(allStates))
	copy(out, allStates)
	return out
}

// ParseStateType 將字串轉為 StateType，大小寫不敏感
func ParseStateType(s string) (StateType, error) {
	want := StateType(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range allStates {
		if st == want {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown state type %q", s)
}

// IsTerminal reports whether no further progress is expected without operator action.
func (s StateType) IsTerminal() bool {
	return s == StateDeposited || s == StateFailed
}

// ============================================================================
// Kind
// ============================================================================

// Kind is the closed set of depositable kinds. Parents own children; children
// are the archived artefacts.
type Kind string

const (
	KindObservation       Kind = "observation"
	KindLevel7Collection  Kind = "level7_collection"
	KindCatalogue         Kind = "catalogue"
	KindImageCube         Kind = "image_cube"
	KindSpectrum          Kind = "spectrum"
	KindMomentMap         Kind = "moment_map"
	KindCubelet           Kind = "cubelet"
	KindMeasurementSet    Kind = "measurement_set"
	KindEvaluationFile    Kind = "evaluation_file"
	KindValidationMetric  Kind = "validation_metric"
	KindEncapsulationFile Kind = "encapsulation_file"
)

var allKinds = []Kind{
	KindObservation, KindLevel7Collection, KindCatalogue, KindImageCube, KindSpectrum,
	KindMomentMap, KindCubelet, KindMeasurementSet, KindEvaluationFile, KindValidationMetric,
	KindEncapsulationFile,
}

// Kinds returns every known kind.
func Kinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// ParseKind 將字串轉為 Kind
func ParseKind(s string) (Kind, error) {
	want := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, k := range allKinds {
		if k == want {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown depositable kind %q", s)
}

// IsParent reports whether the kind owns children.
func (k Kind) IsParent() bool {
	return k == KindObservation || k == KindLevel7Collection
}

// IsImageProduct reports whether the kind is produced by the FITS import tool.
func (k Kind) IsImageProduct() bool {
	switch k {
	case KindImageCube, KindSpectrum, KindMomentMap, KindCubelet:
		return true
	}
	return false
}

// IsDerivedImage reports whether the kind is derived from a source image cube
// and shares its import job with siblings of the same kind.
func (k Kind) IsDerivedImage() bool {
	return k.IsImageProduct() && k != KindImageCube
}

// IsPriority reports whether the kind is deposited in the observation's
// PRIORITY_DEPOSITING phase.
func (k Kind) IsPriority() bool {
	switch k {
	case KindCatalogue, KindEvaluationFile, KindValidationMetric:
		return true
	}
	return false
}

// PathSegment 回傳用於 uniqueIdentifier 的複數路徑片段
func (k Kind) PathSegment() string {
	switch k {
	case KindObservation:
		return "observations"
	case KindLevel7Collection:
		return "level7"
	case KindCatalogue:
		return "catalogues"
	case KindImageCube:
		return "image_cubes"
	case KindSpectrum:
		return "spectra"
	case KindMomentMap:
		return "moment_maps"
	case KindCubelet:
		return "cubelets"
	case KindMeasurementSet:
		return "measurement_sets"
	case KindEvaluationFile:
		return "evaluation_files"
	case KindValidationMetric:
		return "validation_metrics"
	case KindEncapsulationFile:
		return "encapsulation_files"
	}
	return string(k)
}
