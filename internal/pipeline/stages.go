package pipeline

// Fixed pipeline stage identifiers, in processing order.
const (
	StageUpload         = "upload"
	StageIngestion      = "ingestion"
	StageClassification = "classification"
	StageNormalization  = "normalization"
	StageStorage        = "storage"
)

// DefaultStageOrder returns the standard stage sequence a file moves through.
// Callers may substitute their own order via config; the reducer treats the
// order as opaque identifiers.
func DefaultStageOrder() []string {
	return []string{
		StageUpload,
		StageIngestion,
		StageClassification,
		StageNormalization,
		StageStorage,
	}
}

// NextStage returns the stage that follows id in order, or "" when id is the
// last stage or is not present in the order at all.
func NextStage(order []string, id string) string {
	for i, s := range order {
		if s == id && i+1 < len(order) {
			return order[i+1]
		}
	}
	return ""
}
