package command

// Labels owned by the bot. The state machine reconciles them by set
// difference on every run; manual edits outside this namespace are left
// alone.
const (
	LabelReady         = "ready"
	LabelRFR           = "rfr"
	LabelSponsor       = "sponsor"
	LabelIntegrated    = "integrated"
	LabelAuto          = "auto"
	LabelCSR           = "csr"
	LabelMergeConflict = "merge-conflict"
	LabelWork          = "work"
)

// BlockingLabels prevent a PR from becoming ready to integrate
var BlockingLabels = []string{LabelCSR, LabelMergeConflict, LabelWork}
