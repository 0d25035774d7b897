package dto

// RawScoreImportResponse summarises a raw score CSV upload.
type RawScoreImportResponse struct {
	AssignmentID uint     `json:"assignment_id"`
	Imported     int      `json:"imported"`
	Rejected     []string `json:"rejected,omitempty"`
}
