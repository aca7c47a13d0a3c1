package silver

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gowebpki/jcs"
	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-cli/internal/model"
)

// Digest hashes the RFC 8785 canonical JSON form of v.
func Digest(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", eris.Wrap(err, "silver: marshal for digest")
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", eris.Wrap(err, "silver: canonicalize")
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

func cleanDigest(r model.SilverCleanRecord) (string, error) {
	r.Digest = ""
	return Digest(r)
}

// rejectDigest covers everything except rejected_at. The payload enters
// through its hash so arbitrary bytes stay representable.
func rejectDigest(r model.RejectRecord, payloadSHA256 string) (string, error) {
	return Digest(struct {
		model.Lineage
		DecisionID    *string  `json:"decision_id"`
		Reasons       []string `json:"reasons"`
		Details       []string `json:"details"`
		FacilityCode  string   `json:"facility_code"`
		PayloadSHA256 string   `json:"payload_sha256"`
	}{r.Lineage, r.DecisionID, r.Reasons, r.Details, r.FacilityCode, payloadSHA256})
}

// batchDigest folds record digests, tagged by stream, in output order.
func batchDigest(b model.SilverBatch) string {
	h := sha256.New()
	h.Write([]byte(b.ContractVersion))
	for _, c := range b.Clean {
		h.Write([]byte("\nclean:" + c.Digest))
	}
	for _, r := range b.Rejects {
		h.Write([]byte("\nreject:" + r.Digest))
	}
	for _, d := range b.Duplicates {
		h.Write([]byte("\nduplicate:" + d.BronzeID + ":" + d.WinnerBronzeID))
	}
	return hex.EncodeToString(h.Sum(nil))
}
