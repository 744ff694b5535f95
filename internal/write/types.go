// Package write defines the inbound write request, the task records the
// write master sends to workers, and the acknowledgements workers send back.
package write

// TokenRange names a span of token positions in the request, such as a
// title.
type TokenRange struct {
	FieldName  string `json:"fieldName"`
	RangeStart int    `json:"rangeStart"`
	RangeEnd   int    `json:"rangeEnd"`
}

// TokenInfo is one token of the document with every position it occurs at.
type TokenInfo struct {
	Token     string `json:"token"`
	NgramSize int    `json:"ngramSize"`
	Locations []int  `json:"locations"`
}

// Request is the JSON body accepted by the write master.
type Request struct {
	DocumentID           string       `json:"documentID"`
	TokenCount           int          `json:"tokenCount"`
	ImportantTokenRanges []TokenRange `json:"importantTokenRanges"`
	Tokens               []TokenInfo  `json:"tokens"`
}

// WordCount is the number of unigram tokens in the request.
func (r *Request) WordCount() int {
	n := 0
	for _, t := range r.Tokens {
		if t.NgramSize == 1 {
			n++
		}
	}
	return n
}

const (
	StatusDispatched = "dispatched"
	StatusCompleted  = "completed"
)

// Response is returned once the write's tasks are on the queue, or once
// every task is acknowledged when completion tracking is on.
type Response struct {
	WriteID    string `json:"writeID"`
	DocumentID string `json:"documentID"`
	LockNo     int64  `json:"lockNo"`
	Tasks      int    `json:"tasks"`
	Status     string `json:"status"`
}

// TokenOperation inserts one token into one partition. An empty
// PartitionID asks the worker to create a new partition.
type TokenOperation struct {
	Token       string `json:"token"`
	NgramSize   int    `json:"ngramSize"`
	Locations   []int  `json:"locations"`
	PartitionID string `json:"partitionID"`
}

// Task is the queued unit of work. TaskIndex identifies the task within its
// write so that redelivered acknowledgements are counted once.
type Task struct {
	WriteID         string           `json:"writeID"`
	DocumentID      string           `json:"documentID"`
	LockNoNext      int64            `json:"lockNoNext"`
	TaskIndex       int              `json:"taskIndex"`
	TokenOperations []TokenOperation `json:"tokenOperations"`
}

// Ack reports the outcome of one task back to the write master.
type Ack struct {
	WriteID    string `json:"writeID"`
	DocumentID string `json:"documentID"`
	TaskIndex  int    `json:"taskIndex"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
}
