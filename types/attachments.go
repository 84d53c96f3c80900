package types

// Attachment is a single file produced during a run.
type Attachment struct {
	URI         string `json:"uri"`
	Description string `json:"description,omitempty"`
}

// AttachmentSet is a bag of attachments contributed by one collector or worker.
// Each contributor stamps its own URI namespace, so sets never collide.
type AttachmentSet struct {
	URI         string       `json:"uri"`
	DisplayName string       `json:"displayName"`
	Attachments []Attachment `json:"attachments"`
}

// MergeAttachmentSets concatenates sets, dropping empty ones.
func MergeAttachmentSets(sets ...[]AttachmentSet) []AttachmentSet {
	var merged []AttachmentSet
	for _, group := range sets {
		for _, set := range group {
			if len(set.Attachments) == 0 {
				continue
			}
			merged = append(merged, set)
		}
	}
	return merged
}
