package partition

// MaxVersions bounds the history kept per (token, document) pair.
const MaxVersions = 2

// NotApplicable is the count reported for tokens that are absent or not
// unigrams.
const NotApplicable = -1

// Version is one write of a token into a document, stamped with the lock
// number of the write that produced it.
type Version struct {
	WriteLockNo int64 `json:"writeLockNo"`
	Locations   []int `json:"locations"`
}

// Occurrence is the bounded version history of a token within one document,
// most recent first.
type Occurrence struct {
	DocumentID string    `json:"documentID"`
	Versions   []Version `json:"versions"`
}

// TokenEntry holds every document a token occurs in.
type TokenEntry struct {
	NgramSize           int          `json:"ngramSize"`
	DocumentOccurrences []Occurrence `json:"documentOccurrences"`
}

func (e *TokenEntry) occurrence(documentID string) *Occurrence {
	for i := range e.DocumentOccurrences {
		if e.DocumentOccurrences[i].DocumentID == documentID {
			return &e.DocumentOccurrences[i]
		}
	}
	return nil
}

func (e TokenEntry) clone() TokenEntry {
	out := TokenEntry{NgramSize: e.NgramSize}
	if e.DocumentOccurrences == nil {
		return out
	}
	out.DocumentOccurrences = make([]Occurrence, len(e.DocumentOccurrences))
	for i, occ := range e.DocumentOccurrences {
		versions := make([]Version, len(occ.Versions))
		for j, v := range occ.Versions {
			versions[j] = Version{WriteLockNo: v.WriteLockNo, Locations: append([]int(nil), v.Locations...)}
		}
		out.DocumentOccurrences[i] = Occurrence{DocumentID: occ.DocumentID, Versions: versions}
	}
	return out
}
