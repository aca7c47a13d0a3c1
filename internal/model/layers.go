package model

import "time"

// PartitionLayout is the layout of a bronze partition key (UTC ingestion date).
const PartitionLayout = "2006-01-02"

// BronzeRecord wraps a raw decision event exactly as received.
type BronzeRecord struct {
	ID            string    `json:"id"`
	SourceID      string    `json:"source_id"`
	Seq           int64     `json:"seq"`
	IngestedAt    time.Time `json:"ingested_at"`
	Partition     string    `json:"partition"`
	Payload       []byte    `json:"payload"`
	PayloadSHA256 string    `json:"payload_sha256"`
}

// Lineage ties a silver output back to the bronze record and contract
// version that produced it.
type Lineage struct {
	BronzeID        string    `json:"bronze_id"`
	SourceID        string    `json:"source_id"`
	Partition       string    `json:"partition"`
	IngestedAt      time.Time `json:"ingested_at"`
	BronzeSeq       int64     `json:"bronze_seq"`
	ContractVersion string    `json:"contract_version"`
}

// SilverCleanRecord is a bronze record that satisfied the full contract.
type SilverCleanRecord struct {
	Evidence
	Lineage
	Digest string `json:"digest"`
}

// RejectRecord retains a bronze record that failed the contract, verbatim,
// together with every violated rule in rule order.
type RejectRecord struct {
	Lineage
	RejectedAt   time.Time `json:"rejected_at"`
	DecisionID   *string   `json:"decision_id"`
	RejectReason string    `json:"reject_reason"`
	Reasons      []string  `json:"reasons"`
	Details      []string  `json:"details,omitempty"`
	FacilityCode string    `json:"facility_code"`
	RawPayload   []byte    `json:"-"`
	Digest       string    `json:"digest"`
}

// RawPayloadString returns the payload bytes as a string.
func (r RejectRecord) RawPayloadString() string {
	return string(r.RawPayload)
}

// DuplicateRecord is a clean record that lost the dedup policy to another
// bronze record carrying the same decision_id.
type DuplicateRecord struct {
	Lineage
	DecisionID     string `json:"decision_id"`
	WinnerBronzeID string `json:"winner_bronze_id"`
	Policy         string `json:"policy"`
}

// SilverBatch is the complete output of splitting one bronze batch.
type SilverBatch struct {
	Partition       string              `json:"partition,omitempty"`
	ContractVersion string              `json:"contract_version"`
	Clean           []SilverCleanRecord `json:"clean"`
	Rejects         []RejectRecord      `json:"rejects"`
	Duplicates      []DuplicateRecord   `json:"duplicates,omitempty"`
	Digest          string              `json:"digest"`
}

// Total is the number of bronze records the batch classified.
func (b SilverBatch) Total() int {
	return len(b.Clean) + len(b.Rejects) + len(b.Duplicates)
}

// SilverCounts summarizes the silver output stored for a partition and
// contract version.
type SilverCounts struct {
	Partition       string `json:"partition"`
	ContractVersion string `json:"contract_version"`
	Clean           int64  `json:"clean"`
	Rejected        int64  `json:"rejected"`
	Duplicates      int64  `json:"duplicates"`
}
